package platform

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// CurrentConfigVersion is the current config API version.
const CurrentConfigVersion = "v1"

// supportedVersions lists the apiVersion values this build accepts.
var supportedVersions = []string{CurrentConfigVersion}

// configEnvelope peeks at apiVersion without decoding the full config.
type configEnvelope struct {
	APIVersion string `yaml:"apiVersion"`
}

// PeekVersion extracts apiVersion from raw YAML. A missing or unparsable
// field reports the current version; the full decode surfaces syntax errors.
func PeekVersion(data []byte) string {
	var envelope configEnvelope
	if err := yaml.Unmarshal(data, &envelope); err != nil || envelope.APIVersion == "" {
		return CurrentConfigVersion
	}
	return envelope.APIVersion
}

// resolveVersion rejects apiVersion values this build does not understand.
func resolveVersion(version string) (string, error) {
	if !slices.Contains(supportedVersions, version) {
		return "", fmt.Errorf("unsupported config apiVersion %q; supported versions: %s",
			version, strings.Join(supportedVersions, ", "))
	}
	return version, nil
}

// unmarshalStrict decodes YAML into cfg, rejecting unknown keys so a typo in
// a section name fails loudly instead of silently falling back to defaults.
func unmarshalStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding yaml: %w", err)
	}
	return nil
}
