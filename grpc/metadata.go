package grpc

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/becomeliminal/x402-gate"
)

const (
	// MetadataKeyPayment carries the base64 PaymentPayload, like the
	// PAYMENT-SIGNATURE HTTP header.
	MetadataKeyPayment = "payment-signature"

	// MetadataKeyLegacyPayment is accepted when MetadataKeyPayment is absent.
	MetadataKeyLegacyPayment = "x-payment"

	// MetadataKeyPaymentRequired carries the challenge in response headers.
	MetadataKeyPaymentRequired = "payment-required"

	// MetadataKeyPaymentResponse carries the settlement response in trailers.
	MetadataKeyPaymentResponse = "payment-response"
)

// PaymentFromMetadata returns the payment header carried in md.
func PaymentFromMetadata(md metadata.MD) string {
	for _, key := range []string{MetadataKeyPayment, MetadataKeyLegacyPayment} {
		if values := md.Get(key); len(values) > 0 && strings.TrimSpace(values[0]) != "" {
			return strings.TrimSpace(values[0])
		}
	}
	return ""
}

// WithPaymentMetadata attaches an encoded payment payload to an outgoing context.
func WithPaymentMetadata(ctx context.Context, payload *x402.PaymentPayload) (context.Context, error) {
	encoded, err := x402.EncodePaymentPayload(payload)
	if err != nil {
		return nil, err
	}
	return metadata.AppendToOutgoingContext(ctx, MetadataKeyPayment, encoded), nil
}

// PaymentRequiredFromError extracts the challenge from a RESOURCE_EXHAUSTED
// status returned by a gated method.
func PaymentRequiredFromError(err error) (*x402.PaymentRequired, error) {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.ResourceExhausted {
		return nil, fmt.Errorf("not a payment required status: %v", err)
	}
	return x402.DecodePaymentRequired(st.Message())
}

// PaymentResponseFromTrailer decodes the settlement response from trailer metadata.
func PaymentResponseFromTrailer(md metadata.MD) (*x402.PaymentResponse, error) {
	values := md.Get(MetadataKeyPaymentResponse)
	if len(values) == 0 {
		return nil, fmt.Errorf("no payment response found in metadata")
	}
	return x402.DecodePaymentResponse(values[0])
}

// requestFromMetadata exposes credential metadata as HTTP headers so the
// gate's HTTP authenticator can run over gRPC.
func requestFromMetadata(ctx context.Context, fullMethod string) (*http.Request, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, fullMethod, nil)
	if err != nil {
		return nil, err
	}
	md, _ := metadata.FromIncomingContext(ctx)
	for _, key := range []string{"authorization", strings.ToLower(x402.HeaderAPIKey)} {
		if values := md.Get(key); len(values) > 0 {
			r.Header.Set(key, values[0])
		}
	}
	return r, nil
}
