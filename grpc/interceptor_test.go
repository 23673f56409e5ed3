package grpc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/becomeliminal/x402-gate"
	"github.com/becomeliminal/x402-gate/svm"
)

const (
	treasury      = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	paidMethod    = "/game.v1.GameService/JoinLobby"
	freeMethod    = "/game.v1.GameService/ListLobbies"
	paidStreamSvc = "/game.v1.GameService/*"
)

type mockFacilitator struct {
	fn func(ctx context.Context, p *x402.PaymentPayload, r *x402.PaymentRequirements) (*x402.SettleOutcome, error)
}

func (m *mockFacilitator) VerifyAndSettle(ctx context.Context, p *x402.PaymentPayload, r *x402.PaymentRequirements) (*x402.SettleOutcome, error) {
	return m.fn(ctx, p, r)
}

type mockKeys struct{}

func (mockKeys) ValidateAPIKey(_ context.Context, hash string) (*x402.APIKeyValidation, error) {
	if hash == x402.HashAPIKey("good-key") {
		return &x402.APIKeyValidation{IsValid: true, AgentID: "agent-1"}, nil
	}
	return &x402.APIKeyValidation{IsValid: false}, nil
}

func settled(context.Context, *x402.PaymentPayload, *x402.PaymentRequirements) (*x402.SettleOutcome, error) {
	return &x402.SettleOutcome{Verified: true, Settled: true, Payer: "payer-1", Signature: "sig-1"}, nil
}

func newGate(t *testing.T, fn func(context.Context, *x402.PaymentPayload, *x402.PaymentRequirements) (*x402.SettleOutcome, error)) *x402.Gate {
	t.Helper()
	gate, err := x402.NewGate(x402.Config{
		Protocol:    x402.DefaultProtocol(svm.SolanaDevnetCAIP2),
		Facilitator: &mockFacilitator{fn: fn},
		APIKeys:     mockKeys{},
		Getenv: func(key string) string {
			if key == x402.EnvTreasuryAddress {
				return treasury
			}
			return ""
		},
	})
	require.NoError(t, err)
	return gate
}

func testPricing() x402.Pricing {
	return x402.Pricing{
		Methods: map[string]x402.EndpointConfig{
			paidMethod: {Amount: "0.5", Description: "Join a lobby"},
		},
	}
}

func paymentContext(t *testing.T) context.Context {
	t.Helper()
	encoded, err := x402.EncodePaymentPayload(&x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Payload:     x402.SvmPayload{Transaction: "AQID"},
	})
	require.NoError(t, err)
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKeyPayment, encoded))
}

func TestUnaryServerInterceptor_FreeMethod(t *testing.T) {
	interceptor := UnaryServerInterceptor(newGate(t, settled), testPricing())

	resp, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: freeMethod},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			_, ok := x402.PaymentFromContext(ctx)
			assert.False(t, ok)
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestUnaryServerInterceptor_NoPayment(t *testing.T) {
	interceptor := UnaryServerInterceptor(newGate(t, settled), testPricing())

	_, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: paidMethod},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			t.Fatal("handler must not run without payment")
			return nil, nil
		})
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	pr, err := PaymentRequiredFromError(err)
	require.NoError(t, err)
	require.Len(t, pr.Accepts, 1)
	assert.Equal(t, "500000", pr.Accepts[0].Amount)
	assert.Equal(t, treasury, pr.Accepts[0].PayTo)
	assert.Equal(t, svm.USDCDevnetMint, pr.Accepts[0].Asset)
	assert.Equal(t, paidMethod, pr.Resource.URL)
}

func TestUnaryServerInterceptor_ChallengeUsesGateVersion(t *testing.T) {
	protocol := x402.DefaultProtocol(svm.SolanaDevnetCAIP2)
	protocol.X402Version = 3
	gate, err := x402.NewGate(x402.Config{
		Protocol:    protocol,
		Facilitator: &mockFacilitator{fn: settled},
		Getenv: func(key string) string {
			if key == x402.EnvTreasuryAddress {
				return treasury
			}
			return ""
		},
	})
	require.NoError(t, err)
	interceptor := UnaryServerInterceptor(gate, testPricing())
	info := &grpc.UnaryServerInfo{FullMethod: paidMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		t.Fatal("handler must not run")
		return nil, nil
	}

	tests := []struct {
		name string
		ctx  context.Context
	}{
		{"no payment", context.Background()},
		{"rejected payment", paymentContext(t)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := interceptor(tt.ctx, "req", info, handler)
			require.Equal(t, codes.ResourceExhausted, status.Code(err))

			pr, err := PaymentRequiredFromError(err)
			require.NoError(t, err)
			assert.Equal(t, 3, pr.X402Version)
		})
	}
}

func TestUnaryServerInterceptor_Paid(t *testing.T) {
	interceptor := UnaryServerInterceptor(newGate(t, settled), testPricing())

	resp, err := interceptor(paymentContext(t), "req", &grpc.UnaryServerInfo{FullMethod: paidMethod},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			payment, err := RequirePayment(ctx)
			require.NoError(t, err)
			assert.Equal(t, "payer-1", payment.Payer)
			assert.Equal(t, "sig-1", payment.Signature)
			assert.Equal(t, "500000", payment.Amount)
			return "joined", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "joined", resp)
}

func TestUnaryServerInterceptor_Rejected(t *testing.T) {
	gate := newGate(t, func(context.Context, *x402.PaymentPayload, *x402.PaymentRequirements) (*x402.SettleOutcome, error) {
		return &x402.SettleOutcome{Verified: false, Error: "insufficient_funds"}, nil
	})
	interceptor := UnaryServerInterceptor(gate, testPricing())

	_, err := interceptor(paymentContext(t), "req", &grpc.UnaryServerInfo{FullMethod: paidMethod},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			t.Fatal("handler must not run for a rejected payment")
			return nil, nil
		})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	pr, err := PaymentRequiredFromError(err)
	require.NoError(t, err)
	assert.Equal(t, "insufficient_funds", pr.Error)
}

func TestUnaryServerInterceptor_FacilitatorDown(t *testing.T) {
	gate := newGate(t, func(context.Context, *x402.PaymentPayload, *x402.PaymentRequirements) (*x402.SettleOutcome, error) {
		return nil, x402.NewFacilitatorError("Facilitator verification request failed", errors.New("dial tcp: refused"))
	})
	interceptor := UnaryServerInterceptor(gate, testPricing())

	_, err := interceptor(paymentContext(t), "req", &grpc.UnaryServerInfo{FullMethod: paidMethod},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return nil, nil
		})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestUnaryServerInterceptor_MissingRecipient(t *testing.T) {
	gate, err := x402.NewGate(x402.Config{
		Facilitator: &mockFacilitator{fn: settled},
		Getenv:      func(string) string { return "" },
	})
	require.NoError(t, err)
	interceptor := UnaryServerInterceptor(gate, testPricing())

	_, err = interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: paidMethod},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return nil, nil
		})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestUnaryServerInterceptor_InvalidPricingPanics(t *testing.T) {
	assert.Panics(t, func() {
		UnaryServerInterceptor(newGate(t, settled), x402.Pricing{
			Methods: map[string]x402.EndpointConfig{paidMethod: {}},
		})
	})
}

func TestAuthUnaryServerInterceptor(t *testing.T) {
	interceptor := AuthUnaryServerInterceptor(newGate(t, settled), freeMethod)
	info := &grpc.UnaryServerInfo{FullMethod: paidMethod}

	_, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, nil
	})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer good-key"))
	resp, err := interceptor(ctx, "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		id, ok := x402.IdentityFromContext(ctx)
		require.True(t, ok)
		return id.AgentID, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", resp)

	resp, err = interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: freeMethod},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return "free", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "free", resp)
}

type fakeStream struct {
	grpc.ServerStream
	ctx     context.Context
	trailer metadata.MD
}

func (s *fakeStream) Context() context.Context { return s.ctx }
func (s *fakeStream) SetTrailer(md metadata.MD) { s.trailer = metadata.Join(s.trailer, md) }

func TestStreamServerInterceptor(t *testing.T) {
	pricing := x402.Pricing{
		Methods: map[string]x402.EndpointConfig{paidStreamSvc: {Amount: "0.01"}},
	}
	interceptor := StreamServerInterceptor(newGate(t, settled), pricing)
	info := &grpc.StreamServerInfo{FullMethod: "/game.v1.GameService/WatchMatch", IsServerStream: true}

	err := interceptor(nil, &fakeStream{ctx: context.Background()}, info, func(srv interface{}, ss grpc.ServerStream) error {
		t.Fatal("stream must not open without payment")
		return nil
	})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	stream := &fakeStream{ctx: paymentContext(t)}
	err = interceptor(nil, stream, info, func(srv interface{}, ss grpc.ServerStream) error {
		payment, ok := x402.PaymentFromContext(ss.Context())
		require.True(t, ok)
		assert.Equal(t, "10000", payment.Amount)
		return nil
	})
	require.NoError(t, err)

	resp, err := PaymentResponseFromTrailer(stream.trailer)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "sig-1", resp.Transaction)
}

func TestPaymentFromMetadata_LegacyKey(t *testing.T) {
	md := metadata.Pairs(MetadataKeyLegacyPayment, " abc ")
	assert.Equal(t, "abc", PaymentFromMetadata(md))

	md.Set(MetadataKeyPayment, "def")
	assert.Equal(t, "def", PaymentFromMetadata(md))
}

func TestWithPaymentMetadata(t *testing.T) {
	ctx, err := WithPaymentMetadata(context.Background(), &x402.PaymentPayload{
		X402Version: 2,
		Payload:     x402.SvmPayload{Transaction: "AQID"},
	})
	require.NoError(t, err)

	md, ok := metadata.FromOutgoingContext(ctx)
	require.True(t, ok)
	payload := x402.DecodePaymentPayload(PaymentFromMetadata(md))
	require.NotNil(t, payload)
	assert.Equal(t, "AQID", payload.Payload.Transaction)
}
