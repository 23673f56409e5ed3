package x402

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

func TestPaymentMetadata_RoundTrip(t *testing.T) {
	payment := &Payment{
		Payer:     "payer-1",
		Signature: "sig-1",
		Amount:    "500000",
		Asset:     "asset",
		PayTo:     testTreasury,
		Network:   "solana:devnet",
	}
	id := &Identity{AgentID: "agent-1", UserID: "user-1", APIKeyID: "key-1"}

	ctx := WithIdentity(WithPayment(context.Background(), payment), id)
	md := PaymentMetadata(ctx)

	incoming := metadata.NewIncomingContext(context.Background(), md)

	gotPayment, ok := GetPaymentFromGRPCContext(incoming)
	if !ok {
		t.Fatal("Expected payment in metadata")
	}
	if *gotPayment != *payment {
		t.Errorf("Payment mismatch:\n got  %+v\n want %+v", *gotPayment, *payment)
	}

	gotID, ok := GetIdentityFromGRPCContext(incoming)
	if !ok {
		t.Fatal("Expected identity in metadata")
	}
	if *gotID != *id {
		t.Errorf("Identity mismatch: got %+v, want %+v", *gotID, *id)
	}
}

func TestPaymentMetadata_Empty(t *testing.T) {
	md := PaymentMetadata(context.Background())
	if got := last(md, MetadataPaymentVerified); got != "false" {
		t.Errorf("Expected verified=false, got %q", got)
	}
	if got := last(md, MetadataAgentID); got != "" {
		t.Errorf("Expected empty agent id, got %q", got)
	}

	if _, ok := GetPaymentFromGRPCContext(context.Background()); ok {
		t.Error("Expected no payment without metadata")
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataPaymentPayer, "spoofed"))
	if _, ok := GetPaymentFromGRPCContext(ctx); ok {
		t.Error("Expected no payment without the verified marker")
	}
	if _, ok := GetIdentityFromGRPCContext(ctx); ok {
		t.Error("Expected no identity without an agent id")
	}
}

func TestGatewayChain(t *testing.T) {
	g := newTestGate(t, &MockFacilitator{})

	var md metadata.MD
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		md = PaymentMetadata(r.Context())
	})
	handler := g.PaymentMiddleware(StaticResolver(joinPrice))(inner)

	handler.ServeHTTP(httptest.NewRecorder(), paidRequest(t, http.MethodPost, "/v1/join"))

	if got := last(md, MetadataPaymentVerified); got != "true" {
		t.Errorf("Expected verified marker, got %q", got)
	}
	if got := last(md, MetadataPaymentAmount); got != "500000" {
		t.Errorf("Expected amount 500000, got %q", got)
	}
}

func TestGatewayHeaderMatcher(t *testing.T) {
	match := GatewayHeaderMatcher(runtime.DefaultHeaderMatcher)

	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Grpc-Metadata-X-Agent-Id", "", false},
		{"Grpc-Metadata-X-User-Id", "", false},
		{"Grpc-Metadata-X-Api-Key-Id", "", false},
		{"Grpc-Metadata-X-Payment-Verified", "", false},
		{"Grpc-Metadata-X-Payment-Payer", "", false},
		{"Grpc-Metadata-X-Request-Id", "X-Request-Id", true},
		{"Authorization", "grpcgateway-Authorization", true},
	}

	for _, tt := range tests {
		got, ok := match(tt.header)
		if ok != tt.ok || got != tt.want {
			t.Errorf("%s: expected (%q, %v), got (%q, %v)", tt.header, tt.want, tt.ok, got, ok)
		}
	}
}

func TestGatewayIgnoresForgedMetadataHeaders(t *testing.T) {
	g := newTestGate(t, &MockFacilitator{})

	type seen struct {
		id      *Identity
		payment *Payment
		paid    bool
	}
	var got seen

	mux := runtime.NewServeMux(WithPaymentMetadata())
	err := mux.HandlePath(http.MethodGet, "/v1/whoami", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		ctx, err := runtime.AnnotateIncomingContext(r.Context(), mux, r, "/game.v1.GameService/WhoAmI")
		if err != nil {
			t.Errorf("Failed to annotate context: %v", err)
			return
		}
		got.id, _ = GetIdentityFromGRPCContext(ctx)
		got.payment, got.paid = GetPaymentFromGRPCContext(ctx)
		w.WriteHeader(http.StatusOK)
	})
	if err != nil {
		t.Fatalf("Failed to register path: %v", err)
	}

	handler := g.AuthMiddleware()(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
	req.Header.Set("Authorization", "Bearer good")
	req.Header.Set("Grpc-Metadata-X-Agent-Id", "victim")
	req.Header.Set("Grpc-Metadata-X-User-Id", "victim-user")
	req.Header.Set("Grpc-Metadata-X-Payment-Verified", "true")
	req.Header.Set("Grpc-Metadata-X-Payment-Payer", "nobody")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got.id == nil || got.id.AgentID != "agent-1" || got.id.UserID != "user-1" {
		t.Errorf("Expected authenticated identity agent-1, got %+v", got.id)
	}
	if got.paid {
		t.Errorf("Expected no payment on an unpriced route, got %+v", got.payment)
	}
}

func TestGetIdentityFromGRPCContext_LastValueWins(t *testing.T) {
	md := metadata.Pairs(MetadataAgentID, "victim", MetadataPaymentVerified, "true")
	md = metadata.Join(md, PaymentMetadata(WithIdentity(context.Background(), &Identity{AgentID: "agent-1"})))
	ctx := metadata.NewIncomingContext(context.Background(), md)

	id, ok := GetIdentityFromGRPCContext(ctx)
	if !ok || id.AgentID != "agent-1" {
		t.Errorf("Expected agent-1, got %+v", id)
	}
	if _, ok := GetPaymentFromGRPCContext(ctx); ok {
		t.Error("Expected forged payment marker to be overridden")
	}
}
