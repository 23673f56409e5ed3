// Package facilitator is an HTTP client for an x402 facilitator service, the
// remote party that verifies Solana payment transactions and broadcasts them.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	x402 "github.com/becomeliminal/x402-gate"
)

// DefaultTimeout bounds each facilitator HTTP call.
const DefaultTimeout = 30 * time.Second

// Client handles communication with an x402 facilitator service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a client targeting baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify checks a payment against requirements via POST /verify.
func (c *Client) Verify(ctx context.Context, req *Request) (*VerifyResponse, error) {
	var verifyResp VerifyResponse
	if err := c.post(ctx, "/verify", req, &verifyResp); err != nil {
		return nil, err
	}
	return &verifyResp, nil
}

// Settle broadcasts a verified payment via POST /settle.
func (c *Client) Settle(ctx context.Context, req *Request) (*SettleResponse, error) {
	var settleResp SettleResponse
	if err := c.post(ctx, "/settle", req, &settleResp); err != nil {
		return nil, err
	}
	return &settleResp, nil
}

// Supported fetches the scheme and network pairs the facilitator settles via GET /supported.
func (c *Client) Supported(ctx context.Context) (*SupportedResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supported request: %w", err)
	}

	var supportedResp SupportedResponse
	if err := c.do(httpReq, "supported", &supportedResp); err != nil {
		return nil, err
	}
	return &supportedResp, nil
}

// SupportsNetwork reports whether the facilitator settles the exact scheme on network.
func (c *Client) SupportsNetwork(ctx context.Context, network string) (bool, error) {
	supported, err := c.Supported(ctx)
	if err != nil {
		return false, err
	}
	for _, kind := range supported.Kinds {
		if kind.Scheme == x402.SchemeExact && kind.Network == network {
			return true, nil
		}
	}
	return false, nil
}

// VerifyAndSettle verifies the payment and, when valid, settles it. A payment
// the facilitator rejects is reported in the outcome; transport and server
// failures are returned as facilitator errors.
func (c *Client) VerifyAndSettle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleOutcome, error) {
	req := &Request{
		X402Version:         payload.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	verifyResp, err := c.Verify(ctx, req)
	if err != nil {
		return nil, x402.NewFacilitatorError("Facilitator verification request failed", err)
	}
	if !verifyResp.IsValid {
		return &x402.SettleOutcome{
			Verified: false,
			Payer:    verifyResp.Payer,
			Error:    verifyResp.InvalidReason,
		}, nil
	}

	settleResp, err := c.Settle(ctx, req)
	if err != nil {
		return nil, x402.NewFacilitatorError("Facilitator settlement request failed", err)
	}

	payer := settleResp.Payer
	if payer == "" {
		payer = verifyResp.Payer
	}
	network := settleResp.Network
	if network == "" {
		network = requirements.Network
	}

	return &x402.SettleOutcome{
		Verified:  true,
		Settled:   settleResp.Success,
		Payer:     payer,
		Signature: settleResp.Transaction,
		Network:   network,
		Error:     settleResp.ErrorReason,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	name := strings.TrimPrefix(path, "/")

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return c.do(httpReq, name, out)
}

func (c *Client) do(httpReq *http.Request, name string, out interface{}) error {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call facilitator %s endpoint: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("facilitator %s returned status %d: %s", name, resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", name, err)
	}
	return nil
}
