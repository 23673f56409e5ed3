package grpc

import (
	"context"

	"google.golang.org/grpc"

	x402 "github.com/becomeliminal/x402-gate"
)

// StreamServerInterceptor enforces payment on streaming methods priced in
// pricing. Payment is settled once, before the stream begins.
func StreamServerInterceptor(gate *x402.Gate, pricing x402.Pricing) grpc.StreamServerInterceptor {
	mustValidate(pricing)

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, trailer, err := charge(ss.Context(), gate, pricing, info.FullMethod)
		if err != nil {
			return err
		}

		wrapped := &wrappedServerStream{ServerStream: ss, ctx: ctx}
		if err := handler(srv, wrapped); err != nil {
			return err
		}

		if trailer != nil {
			wrapped.SetTrailer(trailer)
		}
		return nil
	}
}

// AuthStreamServerInterceptor requires a valid API key on streaming methods
// not listed in skipMethods.
func AuthStreamServerInterceptor(gate *x402.Gate, skipMethods ...string) grpc.StreamServerInterceptor {
	skip := make(map[string]bool, len(skipMethods))
	for _, m := range skipMethods {
		skip[m] = true
	}

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if skip[info.FullMethod] {
			return handler(srv, ss)
		}
		ctx, err := authenticate(ss.Context(), gate, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

// wrappedServerStream overrides the stream context with gate results.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *wrappedServerStream) Context() context.Context {
	return s.ctx
}
