package x402

import (
	"context"
)

// ProtocolVersion is the x402 protocol version spoken by this gate.
const ProtocolVersion = 2

// SchemeExact is the only payment scheme the gate advertises.
const SchemeExact = "exact"

// PaymentRequirements describes what payment is required for a resource.
// Network uses CAIP-2 identifiers (e.g., "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1").
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	Amount            string                 `json:"amount"` // atomic units
	Asset             string                 `json:"asset"`  // token mint
	PayTo             string                 `json:"payTo"`  // recipient address
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// ResourceInfo identifies the resource a challenge or payload refers to.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequired is the 402 challenge carried in the PAYMENT-REQUIRED header.
type PaymentRequired struct {
	X402Version int                    `json:"x402Version"`
	Error       string                 `json:"error,omitempty"`
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Accepts     []PaymentRequirements  `json:"accepts"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// PaymentPayload is the client proof sent in the PAYMENT-SIGNATURE header.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Accepted    PaymentRequirements    `json:"accepted"`
	Payload     SvmPayload             `json:"payload"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// SvmPayload is the exact-scheme payload for Solana: a partially signed,
// base64-encoded transaction the facilitator completes and broadcasts.
type SvmPayload struct {
	Transaction string `json:"transaction"`
	Message     string `json:"message,omitempty"`
}

// VerificationResult contains the result of payment verification and settlement.
// Valid implies Payer and Signature are both set.
type VerificationResult struct {
	Valid     bool
	Payer     string
	Signature string
	Error     string

	// FacilitatorFailure is set when the facilitator itself failed or was
	// unreachable, as opposed to rejecting the payment.
	FacilitatorFailure bool
}

// SettleOutcome is the facilitator's answer to a combined verify-and-settle call.
type SettleOutcome struct {
	Verified  bool
	Settled   bool
	Payer     string
	Signature string
	Network   string
	Error     string
}

// Facilitator verifies and settles a payment payload against expected requirements.
type Facilitator interface {
	VerifyAndSettle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleOutcome, error)
}

// Identity is the caller resolved from a bearer credential.
type Identity struct {
	AgentID  string
	UserID   string
	APIKeyID string
}

// Payment holds the facts about a settled payment handed to protected handlers.
type Payment struct {
	Payer     string
	Signature string
	Amount    string // atomic units
	Asset     string
	PayTo     string
	Network   string
}

// PaymentResponse is sent in the PAYMENT-RESPONSE header.
type PaymentResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

type contextKey string

const (
	// PaymentContextKey is the key used to store the settled payment in request context.
	PaymentContextKey contextKey = "x402-payment"

	// IdentityContextKey is the key used to store the authenticated identity.
	IdentityContextKey contextKey = "x402-identity"
)

// WithPayment returns a copy of ctx carrying p.
func WithPayment(ctx context.Context, p *Payment) context.Context {
	return context.WithValue(ctx, PaymentContextKey, p)
}

// PaymentFromContext extracts the settled payment from ctx.
func PaymentFromContext(ctx context.Context) (*Payment, bool) {
	p, ok := ctx.Value(PaymentContextKey).(*Payment)
	return p, ok && p != nil
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey, id)
}

// IdentityFromContext extracts the authenticated identity from ctx.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(IdentityContextKey).(*Identity)
	return id, ok && id != nil
}
