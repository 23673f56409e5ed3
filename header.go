package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Header names.
const (
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"

	// HeaderLegacyPayment is accepted inbound when PAYMENT-SIGNATURE is absent.
	HeaderLegacyPayment = "X-PAYMENT"
)

// NewPaymentRequired builds a one-requirement challenge for resourceURL.
func NewPaymentRequired(requirements *PaymentRequirements, resourceURL, description, reason string) *PaymentRequired {
	return &PaymentRequired{
		X402Version: ProtocolVersion,
		Error:       reason,
		Resource: &ResourceInfo{
			URL:         resourceURL,
			Description: description,
		},
		Accepts: []PaymentRequirements{*requirements},
	}
}

// EncodeChallenge encodes a PaymentRequired challenge for the PAYMENT-REQUIRED header.
func EncodeChallenge(requirements *PaymentRequirements, resourceURL, description string) (string, error) {
	return EncodePaymentRequired(NewPaymentRequired(requirements, resourceURL, description, "Payment required"))
}

// EncodePaymentRequired encodes pr to base64 JSON.
func EncodePaymentRequired(pr *PaymentRequired) (string, error) {
	if pr == nil || len(pr.Accepts) == 0 {
		return "", fmt.Errorf("payment required challenge needs at least one accepted requirement")
	}
	prJSON, err := json.Marshal(pr)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment required: %w", err)
	}
	return base64.StdEncoding.EncodeToString(prJSON), nil
}

// DecodePaymentRequired decodes a PAYMENT-REQUIRED header.
func DecodePaymentRequired(header string) (*PaymentRequired, error) {
	prBytes, err := decodeBase64(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var pr PaymentRequired
	if err := json.Unmarshal(prBytes, &pr); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if len(pr.Accepts) == 0 {
		return nil, fmt.Errorf("accepts is empty")
	}
	return &pr, nil
}

// DecodePaymentPayload decodes and structurally validates a PAYMENT-SIGNATURE
// header. It returns nil for anything malformed.
func DecodePaymentPayload(header string) *PaymentPayload {
	payload, err := parsePaymentPayload(header)
	if err != nil {
		return nil
	}
	return payload
}

func parsePaymentPayload(header string) (*PaymentPayload, error) {
	payloadBytes, err := decodeBase64(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if payload.X402Version == 0 {
		return nil, fmt.Errorf("x402Version is required")
	}
	if strings.TrimSpace(payload.Payload.Transaction) == "" {
		return nil, fmt.Errorf("payload.transaction is required")
	}

	return &payload, nil
}

// EncodePaymentPayload encodes a PaymentPayload for the PAYMENT-SIGNATURE header.
func EncodePaymentPayload(payload *PaymentPayload) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(payloadJSON), nil
}

// EncodePaymentResponse encodes a PAYMENT-RESPONSE header.
func EncodePaymentResponse(resp *PaymentResponse) (string, error) {
	respJSON, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(respJSON), nil
}

// DecodePaymentResponse decodes a PAYMENT-RESPONSE header.
func DecodePaymentResponse(header string) (*PaymentResponse, error) {
	responseBytes, err := decodeBase64(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response PaymentResponse
	if err := json.Unmarshal(responseBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &response, nil
}

// ReadPaymentRequired extracts the challenge from a 402 response.
func ReadPaymentRequired(resp *http.Response) (*PaymentRequired, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected status 402, got %d", resp.StatusCode)
	}

	if header := resp.Header.Get(HeaderPaymentRequired); header != "" {
		if pr, err := DecodePaymentRequired(header); err == nil {
			return pr, nil
		}
	}

	// Fall back to the challenge embedded in the error body details.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var envelope struct {
		Error struct {
			Details PaymentRequired `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}
	if len(envelope.Error.Details.Accepts) == 0 {
		return nil, fmt.Errorf("response carries no payment requirements")
	}

	return &envelope.Error.Details, nil
}

// PaymentHeader returns the inbound payment header, preferring PAYMENT-SIGNATURE.
func PaymentHeader(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(HeaderPaymentSignature)); v != "" {
		return v
	}
	return strings.TrimSpace(r.Header.Get(HeaderLegacyPayment))
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.URLEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
