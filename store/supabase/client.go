// Package supabase implements the wallet configuration and API key stores
// against a Supabase project through its PostgREST API.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	x402 "github.com/becomeliminal/x402-gate"
)

// Config configures the Supabase client.
type Config struct {
	// ProjectURL is the project base URL, e.g. https://abc.supabase.co.
	ProjectURL string

	// ServiceKey is the service-role key sent as apikey and bearer token.
	ServiceKey string

	// HTTPClient overrides the default client (optional).
	HTTPClient *http.Client
}

// Client is a Supabase REST client implementing x402.WalletConfigStore and
// x402.APIKeyStore.
type Client struct {
	prefix     string
	serviceKey string
	httpClient *http.Client
}

// New creates a Supabase client.
func New(cfg Config) (*Client, error) {
	if cfg.ProjectURL == "" {
		return nil, fmt.Errorf("project URL is required")
	}
	if cfg.ServiceKey == "" {
		return nil, fmt.Errorf("service key is required")
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}

	return &Client{
		prefix:     strings.TrimRight(cfg.ProjectURL, "/") + "/rest/v1",
		serviceKey: cfg.ServiceKey,
		httpClient: hc,
	}, nil
}

// ActiveWallet returns the newest active wallet address for purpose.
func (c *Client) ActiveWallet(ctx context.Context, purpose string) (string, error) {
	q := url.Values{}
	q.Set("select", "address")
	q.Set("purpose", "eq."+purpose)
	q.Set("status", "eq."+x402.WalletStatusActive)
	q.Set("order", "created_at.desc")
	q.Set("limit", "1")

	var rows []struct {
		Address string `json:"address"`
	}
	if err := c.do(ctx, http.MethodGet, "/wallet_config?"+q.Encode(), nil, &rows); err != nil {
		return "", err
	}
	if len(rows) == 0 || rows[0].Address == "" {
		return "", x402.ErrNotFound
	}
	return rows[0].Address, nil
}

type apiKeyRow struct {
	IsValid  bool   `json:"is_valid"`
	AgentID  string `json:"agent_id"`
	UserID   string `json:"user_id"`
	APIKeyID string `json:"api_key_id"`
}

// ValidateAPIKey calls the validate_api_key database function. PostgREST
// returns set-returning functions as arrays and scalar composites as objects;
// both shapes are accepted.
func (c *Client) ValidateAPIKey(ctx context.Context, keyHash string) (*x402.APIKeyValidation, error) {
	body := map[string]string{"p_key_hash": keyHash}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/rpc/validate_api_key", body, &raw); err != nil {
		return nil, err
	}

	row, err := decodeAPIKeyRow(raw)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return &x402.APIKeyValidation{IsValid: false}, nil
	}

	return &x402.APIKeyValidation{
		IsValid:  row.IsValid,
		AgentID:  row.AgentID,
		UserID:   row.UserID,
		APIKeyID: row.APIKeyID,
	}, nil
}

func decodeAPIKeyRow(raw json.RawMessage) (*apiKeyRow, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var rows []apiKeyRow
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, fmt.Errorf("decode validate_api_key rows: %w", err)
		}
		if len(rows) == 0 {
			return nil, nil
		}
		return &rows[0], nil
	}

	var row apiKeyRow
	if err := json.Unmarshal(trimmed, &row); err != nil {
		return nil, fmt.Errorf("decode validate_api_key row: %w", err)
	}
	return &row, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.prefix+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("supabase %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("supabase %s returned status %d: %s", strings.SplitN(path, "?", 2)[0], resp.StatusCode, string(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
