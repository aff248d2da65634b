package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/txn2/live-gateway/pkg/platform"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-config", "gw.yaml", "-address", ":9999"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.configPath != "gw.yaml" || opts.address != ":9999" || opts.showVersion {
		t.Errorf("parseFlags() = %+v", opts)
	}

	if _, err := parseFlags([]string{"-bogus"}); err == nil {
		t.Error("parseFlags() expected error for unknown flag")
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("requires path", func(t *testing.T) {
		if _, err := loadConfig(serverOptions{}); err == nil {
			t.Error("loadConfig() expected error without -config")
		}
	})

	t.Run("address override and validation", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "gw.yaml")
		body := "realtime:\n  url: wss://p.example.com\n  api_key: k\ndirectory:\n  users:\n    - id: u\n"
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("writing config: %v", err)
		}

		cfg, err := loadConfig(serverOptions{configPath: path, address: ":7000"})
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if cfg.Server.Address != ":7000" {
			t.Errorf("Server.Address = %q, want override", cfg.Server.Address)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "gw.yaml")
		if err := os.WriteFile(path, []byte("server: {}\n"), 0o600); err != nil {
			t.Fatalf("writing config: %v", err)
		}
		if _, err := loadConfig(serverOptions{configPath: path}); err == nil {
			t.Error("loadConfig() expected validation error")
		}
	})
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(platform.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("session: created")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %s", buf.String())
	}

	logger.Warn("session: reaped", "session_id", "s1")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json handler output not JSON: %v", err)
	}
	if entry["session_id"] != "s1" {
		t.Errorf("entry = %v", entry)
	}

	buf.Reset()
	newLogger(platform.LoggingConfig{Level: "info", Format: "text"}, &buf).Info("token: issued")
	if !strings.Contains(buf.String(), `msg="token: issued"`) {
		t.Errorf("text handler output = %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTLSFile(t *testing.T) {
	if tlsFile(false, "cert.pem") != "" {
		t.Error("tlsFile() returned a path with TLS disabled")
	}
	if tlsFile(true, "cert.pem") != "cert.pem" {
		t.Error("tlsFile() dropped the path with TLS enabled")
	}
}
