package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/txn2/live-gateway/pkg/errcode"
)

const defaultHTTPTimeout = 15 * time.Second

// APIConfig configures an API client.
type APIConfig struct {
	// BaseURL is the gateway root, e.g. https://gateway.example.com.
	BaseURL string

	// APIKey is sent as X-API-Key when set.
	APIKey string

	// OwnerID is the identity tokens are issued for.
	OwnerID string

	// Optional quota overrides passed on every Generate.
	MaxSessions       int
	MaxMessages       int
	ExpirationMinutes int

	// RefreshMinutes is sent on every Refresh; zero lets the server choose.
	RefreshMinutes int

	HTTPClient *http.Client
}

// API calls the gateway's token endpoints. Its Generate and Refresh methods
// satisfy GenerateFunc and RefreshFunc.
type API struct {
	cfg  APIConfig
	http *http.Client
}

// NewAPI creates an API client.
func NewAPI(cfg APIConfig) *API {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &API{cfg: cfg, http: hc}
}

type generateRequest struct {
	OwnerID           string `json:"ownerId"`
	MaxSessions       int    `json:"maxSessions,omitempty"`
	MaxMessages       int    `json:"maxMessages,omitempty"`
	ExpirationMinutes int    `json:"expirationMinutes,omitempty"`
}

type refreshRequest struct {
	Token             string `json:"token"`
	AdditionalMinutes int    `json:"additionalMinutes,omitempty"`
}

type refreshResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Generate issues a token for the configured owner.
func (a *API) Generate(ctx context.Context) (*Info, error) {
	var info Info
	err := a.post(ctx, "/api/v1/tokens", generateRequest{
		OwnerID:           a.cfg.OwnerID,
		MaxSessions:       a.cfg.MaxSessions,
		MaxMessages:       a.cfg.MaxMessages,
		ExpirationMinutes: a.cfg.ExpirationMinutes,
	}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// Refresh extends secret. The returned Info carries only the token and new
// expiry.
func (a *API) Refresh(ctx context.Context, secret string) (*Info, error) {
	var resp refreshResponse
	err := a.post(ctx, "/api/v1/tokens/refresh", refreshRequest{
		Token:             secret,
		AdditionalMinutes: a.cfg.RefreshMinutes,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &Info{Token: resp.Token, ExpiresAt: resp.ExpiresAt}, nil
}

func (a *API) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", a.cfg.APIKey)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var e errorResponse
		if json.Unmarshal(data, &e) == nil && e.Code != "" {
			return errcode.New(errcode.Code(e.Code), e.Error)
		}
		return fmt.Errorf("calling %s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Verify the method signatures match the scheduler's function types.
var (
	_ GenerateFunc = (*API)(nil).Generate
	_ RefreshFunc  = (*API)(nil).Refresh
)
