// Package grpc enforces x402 payments and API key authentication on gRPC
// servers. Payment signaling uses metadata: clients send the payload in
// payment-signature and receive challenges as RESOURCE_EXHAUSTED statuses
// whose message is the base64 PaymentRequired.
package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/becomeliminal/x402-gate"
)

// UnaryServerInterceptor enforces payment on methods priced in pricing.
// It panics on invalid pricing.
func UnaryServerInterceptor(gate *x402.Gate, pricing x402.Pricing) grpc.UnaryServerInterceptor {
	mustValidate(pricing)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, trailer, err := charge(ctx, gate, pricing, info.FullMethod)
		if err != nil {
			return nil, err
		}

		resp, err := handler(ctx, req)
		if err != nil {
			return nil, err
		}

		if trailer != nil {
			// Fails only without a server transport stream, e.g. in direct calls.
			_ = grpc.SetTrailer(ctx, trailer)
		}
		return resp, nil
	}
}

// AuthUnaryServerInterceptor requires a valid API key on every method not
// listed in skipMethods. The identity is available through x402.IdentityFromContext.
func AuthUnaryServerInterceptor(gate *x402.Gate, skipMethods ...string) grpc.UnaryServerInterceptor {
	skip := make(map[string]bool, len(skipMethods))
	for _, m := range skipMethods {
		skip[m] = true
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if skip[info.FullMethod] {
			return handler(ctx, req)
		}
		ctx, err := authenticate(ctx, gate, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// RequirePayment returns the settled payment for a gated handler.
func RequirePayment(ctx context.Context) (*x402.Payment, error) {
	payment, ok := x402.PaymentFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "payment context not found")
	}
	return payment, nil
}

func mustValidate(pricing x402.Pricing) {
	if err := pricing.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 pricing: %v", err))
	}
}

// charge runs the payment gate for fullMethod. It returns the context to
// hand to the handler and, when a payment settled, the trailer to send.
func charge(ctx context.Context, gate *x402.Gate, pricing x402.Pricing, fullMethod string) (context.Context, metadata.MD, error) {
	ec, ok := pricing.MatchMethod(fullMethod)
	if !ok {
		return ctx, nil, nil
	}

	requirements, err := gate.Requirements(ctx, *ec)
	if err != nil {
		return nil, nil, statusFromError(err)
	}

	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		header = PaymentFromMetadata(md)
	}
	if header == "" {
		return nil, nil, challenge(gate.Challenge(requirements, fullMethod, *ec, "Payment required"))
	}

	result := gate.Verify(ctx, header, requirements)
	if !result.Valid {
		if result.FacilitatorFailure {
			return nil, nil, status.Error(codes.Unavailable, result.Error)
		}
		return nil, nil, challenge(gate.Challenge(requirements, fullMethod, *ec, result.Error))
	}

	payment := &x402.Payment{
		Payer:     result.Payer,
		Signature: result.Signature,
		Amount:    requirements.Amount,
		Asset:     requirements.Asset,
		PayTo:     requirements.PayTo,
		Network:   requirements.Network,
	}

	var trailer metadata.MD
	encoded, err := x402.EncodePaymentResponse(&x402.PaymentResponse{
		Success:     true,
		Transaction: payment.Signature,
		Network:     payment.Network,
		Payer:       payment.Payer,
	})
	if err == nil {
		trailer = metadata.Pairs(MetadataKeyPaymentResponse, encoded)
	}

	return x402.WithPayment(ctx, payment), trailer, nil
}

func authenticate(ctx context.Context, gate *x402.Gate, fullMethod string) (context.Context, error) {
	r, err := requestFromMetadata(ctx, fullMethod)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	id, e := gate.Authenticate(r)
	if e != nil {
		return nil, statusFromError(e)
	}
	return x402.WithIdentity(ctx, id), nil
}

// challenge returns RESOURCE_EXHAUSTED with the encoded challenge as message,
// following the billing/quota precedent for "payment required".
func challenge(pr *x402.PaymentRequired) error {
	encoded, err := x402.EncodePaymentRequired(pr)
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to encode payment requirements: %v", err))
	}
	return status.Error(codes.ResourceExhausted, encoded)
}

func statusFromError(err error) error {
	e, ok := x402.AsError(err)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	switch e.Code {
	case x402.ErrCodeAuthentication:
		return status.Error(codes.Unauthenticated, e.Message)
	case x402.ErrCodeFacilitator:
		return status.Error(codes.Unavailable, e.Message)
	case x402.ErrCodePaymentInvalid, x402.ErrCodePaymentRequired:
		return status.Error(codes.ResourceExhausted, e.Message)
	default:
		return status.Error(codes.Internal, e.Message)
	}
}
