package x402

import (
	"context"
	"net/http"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// gRPC metadata keys carrying gate results from grpc-gateway to gRPC handlers.
const (
	MetadataPaymentVerified  = "x-payment-verified"
	MetadataPaymentPayer     = "x-payment-payer"
	MetadataPaymentSignature = "x-payment-signature"
	MetadataPaymentAmount    = "x-payment-amount"
	MetadataPaymentAsset     = "x-payment-asset"
	MetadataPaymentPayTo     = "x-payment-pay-to"
	MetadataPaymentNetwork   = "x-payment-network"
	MetadataAgentID          = "x-agent-id"
	MetadataUserID           = "x-user-id"
	MetadataAPIKeyID         = "x-api-key-id"
)

// gatewayKeys are written only by PaymentMetadata.
var gatewayKeys = map[string]bool{
	MetadataPaymentVerified:  true,
	MetadataPaymentPayer:     true,
	MetadataPaymentSignature: true,
	MetadataPaymentAmount:    true,
	MetadataPaymentAsset:     true,
	MetadataPaymentPayTo:     true,
	MetadataPaymentNetwork:   true,
	MetadataAgentID:          true,
	MetadataUserID:           true,
	MetadataAPIKeyID:         true,
}

// WithPaymentMetadata returns a ServeMuxOption that propagates payment and
// identity from the HTTP request context to gRPC metadata. It also installs
// GatewayHeaderMatcher so clients cannot supply those keys through
// Grpc-Metadata-* headers. A mux that sets its own incoming header matcher
// should wrap it with GatewayHeaderMatcher.
func WithPaymentMetadata() runtime.ServeMuxOption {
	annotate := runtime.WithMetadata(func(ctx context.Context, r *http.Request) metadata.MD {
		return PaymentMetadata(r.Context())
	})
	match := runtime.WithIncomingHeaderMatcher(GatewayHeaderMatcher(runtime.DefaultHeaderMatcher))
	return func(mux *runtime.ServeMux) {
		annotate(mux)
		match(mux)
	}
}

// GatewayHeaderMatcher drops incoming headers that next would map onto a
// payment or identity metadata key.
func GatewayHeaderMatcher(next runtime.HeaderMatcherFunc) runtime.HeaderMatcherFunc {
	return func(key string) (string, bool) {
		mapped, ok := next(key)
		if !ok || gatewayKeys[strings.ToLower(mapped)] {
			return "", false
		}
		return mapped, true
	}
}

// PaymentMetadata renders the payment and identity stored in ctx as gRPC
// metadata. Every key is always set, empty when absent, so the values it
// writes are the last ones a handler sees.
func PaymentMetadata(ctx context.Context) metadata.MD {
	md := metadata.MD{}

	if payment, ok := PaymentFromContext(ctx); ok {
		md.Set(MetadataPaymentVerified, "true")
		md.Set(MetadataPaymentPayer, payment.Payer)
		md.Set(MetadataPaymentSignature, payment.Signature)
		md.Set(MetadataPaymentAmount, payment.Amount)
		md.Set(MetadataPaymentNetwork, payment.Network)
		md.Set(MetadataPaymentAsset, payment.Asset)
		md.Set(MetadataPaymentPayTo, payment.PayTo)
	} else {
		md.Set(MetadataPaymentVerified, "false")
	}

	id, ok := IdentityFromContext(ctx)
	if !ok {
		id = &Identity{}
	}
	md.Set(MetadataAgentID, id.AgentID)
	md.Set(MetadataUserID, id.UserID)
	md.Set(MetadataAPIKeyID, id.APIKeyID)

	return md
}

// GetPaymentFromGRPCContext extracts payment information from gRPC metadata.
// Use this in gRPC handlers served behind grpc-gateway.
func GetPaymentFromGRPCContext(ctx context.Context) (*Payment, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	if last(md, MetadataPaymentVerified) != "true" {
		return nil, false
	}

	return &Payment{
		Payer:     last(md, MetadataPaymentPayer),
		Signature: last(md, MetadataPaymentSignature),
		Amount:    last(md, MetadataPaymentAmount),
		Asset:     last(md, MetadataPaymentAsset),
		PayTo:     last(md, MetadataPaymentPayTo),
		Network:   last(md, MetadataPaymentNetwork),
	}, true
}

// GetIdentityFromGRPCContext extracts the authenticated identity from gRPC metadata.
func GetIdentityFromGRPCContext(ctx context.Context) (*Identity, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	agentID := last(md, MetadataAgentID)
	if agentID == "" {
		return nil, false
	}

	return &Identity{
		AgentID:  agentID,
		UserID:   last(md, MetadataUserID),
		APIKeyID: last(md, MetadataAPIKeyID),
	}, true
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway context.
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	return runtime.HTTPPathPattern(ctx)
}

// last reads the value PaymentMetadata appended after any client-supplied ones.
func last(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[len(v)-1]
	}
	return ""
}
