package x402

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Wrapper names used in logs and metrics.
const (
	wrapperAuth         = "auth"
	wrapperPayment      = "payment"
	wrapperOptional     = "optional_payment"
	wrapperAuthPayment  = "auth_payment"
	msgPaymentRequired  = "Payment required"
	msgResolverFailed   = "Failed to resolve payment configuration"
	hintResolverFailure = "check the endpoint pricing resolver"
)

// EndpointResolver returns the price for a request. A nil config means the
// request needs no payment.
type EndpointResolver func(r *http.Request) (*EndpointConfig, error)

// IdentityEndpointResolver prices a request for an authenticated caller. A nil
// config means the caller needs no payment.
type IdentityEndpointResolver func(r *http.Request, id *Identity) (*EndpointConfig, error)

// AuthHandler serves a request from an authenticated caller.
type AuthHandler func(w http.ResponseWriter, r *http.Request, id *Identity)

// PaymentHandler serves a request. payment is nil when no payment was made
// (optional payment, or a resolver that waived the charge).
type PaymentHandler func(w http.ResponseWriter, r *http.Request, payment *Payment)

// AuthPaymentHandler serves a request from an authenticated caller that paid,
// or was waived (nil payment).
type AuthPaymentHandler func(w http.ResponseWriter, r *http.Request, id *Identity, payment *Payment)

// StaticResolver prices every request at ec.
func StaticResolver(ec EndpointConfig) EndpointResolver {
	return func(*http.Request) (*EndpointConfig, error) {
		c := ec
		return &c, nil
	}
}

// RouteResolver prices requests by path using p.
func RouteResolver(p Pricing) EndpointResolver {
	return func(r *http.Request) (*EndpointConfig, error) {
		ec, ok := p.MatchEndpoint(r.URL.Path)
		if !ok {
			return nil, nil
		}
		return ec, nil
	}
}

// Gate composes authentication, requirement building and payment verification
// into HTTP wrappers. A Gate is safe for concurrent use.
type Gate struct {
	protocol Protocol
	treasury *TreasuryResolver
	builder  *RequirementsBuilder
	verifier *Verifier
	auth     IdentityAuthenticator
	cors     CORSPolicy
	logger   logrus.FieldLogger
	metrics  *Metrics
}

// NewGate validates cfg and wires the gate components.
func NewGate(cfg Config) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid x402 gate configuration: %w", err)
	}

	treasury := NewTreasuryResolver(cfg.Protocol.Network, cfg.Wallets, cfg.Getenv, cfg.ResolverCacheTTL, cfg.Logger)

	auth := cfg.Authenticator
	if auth == nil && cfg.APIKeys != nil {
		auth = NewAuthenticator(cfg.APIKeys, cfg.Logger)
	}

	return &Gate{
		protocol: cfg.Protocol,
		treasury: treasury,
		builder:  NewRequirementsBuilder(cfg.Protocol, treasury),
		verifier: NewVerifier(cfg.Facilitator, cfg.Protocol, cfg.Logger, cfg.Metrics),
		auth:     auth,
		cors:     cfg.CORS,
		logger:   cfg.Logger.WithField("component", "gate"),
		metrics:  cfg.Metrics,
	}, nil
}

// Protocol returns the protocol constants the gate was built with.
func (g *Gate) Protocol() Protocol {
	return g.protocol
}

// Treasury returns the gate's recipient resolver.
func (g *Gate) Treasury() *TreasuryResolver {
	return g.treasury
}

// Requirements builds payment requirements for ec.
func (g *Gate) Requirements(ctx context.Context, ec EndpointConfig) (*PaymentRequirements, error) {
	return g.builder.Build(ctx, ec)
}

// Challenge builds the PaymentRequired document for requirements, stamped
// with the gate's protocol version.
func (g *Gate) Challenge(requirements *PaymentRequirements, resourceURL string, ec EndpointConfig, reason string) *PaymentRequired {
	pr := NewPaymentRequired(requirements, resourceURL, ec.Description, reason)
	pr.X402Version = g.protocol.X402Version
	pr.Resource.MimeType = ec.MimeType
	return pr
}

// Verify checks a payment header against requirements.
func (g *Gate) Verify(ctx context.Context, header string, requirements *PaymentRequirements) VerificationResult {
	return g.verifier.Verify(ctx, header, requirements)
}

// Authenticate resolves the caller of r.
func (g *Gate) Authenticate(r *http.Request) (*Identity, *Error) {
	if g.auth == nil {
		return nil, NewConfigurationError("Authentication is not configured", "set Config.Authenticator or Config.APIKeys", nil)
	}
	id, err := g.auth.Authenticate(r.Context(), r)
	if err != nil {
		return nil, authFailure(err)
	}
	if id == nil {
		return nil, NewAuthenticationError("Invalid API key")
	}
	return id, nil
}

// RequireAuth invokes next only for authenticated callers.
func (g *Gate) RequireAuth(next AuthHandler) http.Handler {
	return g.serve(wrapperAuth, func(w http.ResponseWriter, r *http.Request) {
		id, ok := g.authenticate(w, r, wrapperAuth)
		if !ok {
			return
		}
		g.metrics.outcome(wrapperAuth, OutcomeAuthenticated)
		next(w, r.WithContext(WithIdentity(r.Context(), id)), id)
	})
}

// RequirePayment invokes next only after the payment priced by resolve has
// been verified and settled.
func (g *Gate) RequirePayment(resolve EndpointResolver, next PaymentHandler) http.Handler {
	return g.serve(wrapperPayment, func(w http.ResponseWriter, r *http.Request) {
		ec, err := guard(func() (*EndpointConfig, error) { return resolve(r) })
		if err != nil {
			g.fail(w, wrapperPayment, resolverFailure(err))
			return
		}
		if ec == nil {
			g.metrics.outcome(wrapperPayment, OutcomeNoPayment)
			next(w, r, nil)
			return
		}

		payment, ok := g.charge(w, r, *ec, wrapperPayment)
		if !ok {
			return
		}
		next(w, r.WithContext(WithPayment(r.Context(), payment)), payment)
	})
}

// OptionalPayment invokes next for every request. A verified payment is
// passed along; an absent or invalid one yields a nil payment.
func (g *Gate) OptionalPayment(resolve EndpointResolver, next PaymentHandler) http.Handler {
	return g.serve(wrapperOptional, func(w http.ResponseWriter, r *http.Request) {
		header := PaymentHeader(r)
		if header == "" {
			g.metrics.outcome(wrapperOptional, OutcomeNoPayment)
			next(w, r, nil)
			return
		}

		log := g.logger.WithFields(logrus.Fields{"wrapper": wrapperOptional, "path": r.URL.Path})

		ec, err := guard(func() (*EndpointConfig, error) { return resolve(r) })
		if err != nil || ec == nil {
			if err != nil {
				log.WithError(err).Warn("payment resolver failed, serving without payment")
			}
			g.metrics.outcome(wrapperOptional, OutcomeNoPayment)
			next(w, r, nil)
			return
		}

		requirements, err := g.builder.Build(r.Context(), *ec)
		if err != nil {
			log.WithError(err).Warn("payment requirements unavailable, serving without payment")
			g.metrics.outcome(wrapperOptional, OutcomeConfigError)
			next(w, r, nil)
			return
		}

		result := g.verifier.Verify(r.Context(), header, requirements)
		if !result.Valid {
			log.WithField("reason", result.Error).Info("optional payment not accepted")
			g.metrics.outcome(wrapperOptional, OutcomeRejected)
			next(w, r, nil)
			return
		}

		payment := g.accept(w, requirements, result, wrapperOptional)
		next(w, r.WithContext(WithPayment(r.Context(), payment)), payment)
	})
}

// RequireAuthAndPayment authenticates first, then prices the request for the
// caller. Unauthenticated callers get 401 before any pricing happens.
func (g *Gate) RequireAuthAndPayment(resolve IdentityEndpointResolver, next AuthPaymentHandler) http.Handler {
	return g.serve(wrapperAuthPayment, func(w http.ResponseWriter, r *http.Request) {
		id, ok := g.authenticate(w, r, wrapperAuthPayment)
		if !ok {
			return
		}
		r = r.WithContext(WithIdentity(r.Context(), id))

		ec, err := guard(func() (*EndpointConfig, error) { return resolve(r, id) })
		if err != nil {
			g.fail(w, wrapperAuthPayment, resolverFailure(err))
			return
		}
		if ec == nil {
			g.metrics.outcome(wrapperAuthPayment, OutcomeNoPayment)
			next(w, r, id, nil)
			return
		}

		payment, ok := g.charge(w, r, *ec, wrapperAuthPayment)
		if !ok {
			return
		}
		next(w, r.WithContext(WithPayment(r.Context(), payment)), id, payment)
	})
}

// AuthMiddleware adapts RequireAuth to func(http.Handler) http.Handler.
// The identity is available through IdentityFromContext.
func (g *Gate) AuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.RequireAuth(func(w http.ResponseWriter, r *http.Request, _ *Identity) {
			next.ServeHTTP(w, r)
		})
	}
}

// PaymentMiddleware adapts RequirePayment to func(http.Handler) http.Handler.
// It integrates with grpc-gateway muxes; the payment is available through
// PaymentFromContext.
func (g *Gate) PaymentMiddleware(resolve EndpointResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.RequirePayment(resolve, func(w http.ResponseWriter, r *http.Request, _ *Payment) {
			next.ServeHTTP(w, r)
		})
	}
}

// PaymentMiddleware builds a Gate from cfg and returns route-priced payment
// middleware. It panics on invalid configuration.
func PaymentMiddleware(cfg Config, pricing Pricing) func(http.Handler) http.Handler {
	if err := pricing.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 pricing: %v", err))
	}
	g, err := NewGate(cfg)
	if err != nil {
		panic(err.Error())
	}
	return g.PaymentMiddleware(RouteResolver(pricing))
}

// serve applies CORS, answers preflights and recovers panics.
func (g *Gate) serve(wrapper string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cors.HandlePreflight(w, r) {
			return
		}

		tw := &trackingWriter{ResponseWriter: w}
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				g.logger.WithFields(logrus.Fields{
					"wrapper": wrapper,
					"path":    r.URL.Path,
					"panic":   rec,
					"started": tw.wrote,
				}).Error("recovered panic in gated handler")
				g.metrics.outcome(wrapper, OutcomePanic)
				if !tw.wrote {
					WriteError(w, NewInternalError("Internal server error", fmt.Errorf("panic: %v", rec)))
				}
			}
		}()

		h(tw, r)
	})
}

// guard calls resolve and reports a panic as an error.
func guard(resolve func() (*EndpointConfig, error)) (ec *EndpointConfig, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			ec, err = nil, fmt.Errorf("resolver panic: %v", rec)
		}
	}()
	return resolve()
}

// trackingWriter records whether the response has started.
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (w *trackingWriter) WriteHeader(code int) {
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *trackingWriter) Flush() {
	w.wrote = true
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *trackingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (g *Gate) authenticate(w http.ResponseWriter, r *http.Request, wrapper string) (*Identity, bool) {
	id, e := g.Authenticate(r)
	if e != nil {
		if e.Code == ErrCodeAuthentication {
			g.logger.WithFields(logrus.Fields{
				"wrapper": wrapper,
				"path":    r.URL.Path,
				"reason":  e.Message,
			}).Warn("authentication failed")
			g.metrics.outcome(wrapper, OutcomeAuthRejected)
			WriteError(w, e)
			return nil, false
		}
		g.fail(w, wrapper, e)
		return nil, false
	}
	return id, true
}

// charge builds requirements for ec, challenges when no payment header is
// present and verifies it otherwise. It writes the failure response itself
// and reports whether the caller may proceed.
func (g *Gate) charge(w http.ResponseWriter, r *http.Request, ec EndpointConfig, wrapper string) (*Payment, bool) {
	requirements, err := g.builder.Build(r.Context(), ec)
	if err != nil {
		g.fail(w, wrapper, err)
		return nil, false
	}

	header := PaymentHeader(r)
	if header == "" {
		challenge := g.Challenge(requirements, r.URL.Path, ec, msgPaymentRequired)
		g.metrics.outcome(wrapper, OutcomeChallenge)
		g.challenge(w, challenge, &Error{
			Code:    ErrCodePaymentRequired,
			Message: msgPaymentRequired,
			Status:  http.StatusPaymentRequired,
		})
		return nil, false
	}

	result := g.verifier.Verify(r.Context(), header, requirements)
	if !result.Valid {
		if result.FacilitatorFailure {
			g.metrics.outcome(wrapper, OutcomeFacilitatorFail)
			WriteError(w, NewFacilitatorError(result.Error, nil))
			return nil, false
		}
		challenge := g.Challenge(requirements, r.URL.Path, ec, result.Error)
		g.metrics.outcome(wrapper, OutcomeRejected)
		g.challenge(w, challenge, NewPaymentInvalid(result.Error))
		return nil, false
	}

	return g.accept(w, requirements, result, wrapper), true
}

// accept records a settled payment and sets the PAYMENT-RESPONSE header.
func (g *Gate) accept(w http.ResponseWriter, requirements *PaymentRequirements, result VerificationResult, wrapper string) *Payment {
	payment := &Payment{
		Payer:     result.Payer,
		Signature: result.Signature,
		Amount:    requirements.Amount,
		Asset:     requirements.Asset,
		PayTo:     requirements.PayTo,
		Network:   requirements.Network,
	}

	if header, err := EncodePaymentResponse(&PaymentResponse{
		Success:     true,
		Transaction: payment.Signature,
		Network:     payment.Network,
		Payer:       payment.Payer,
	}); err == nil {
		w.Header().Set(HeaderPaymentResponse, header)
	}

	g.metrics.outcome(wrapper, OutcomePaid)
	return payment
}

func (g *Gate) challenge(w http.ResponseWriter, pr *PaymentRequired, e *Error) {
	if header, err := EncodePaymentRequired(pr); err == nil {
		w.Header().Set(HeaderPaymentRequired, header)
	}
	e.Details = challengeDetails(pr)
	WriteError(w, e)
}

// fail writes err as a structured response. Untyped errors become internal errors.
func (g *Gate) fail(w http.ResponseWriter, wrapper string, err error) {
	e, ok := AsError(err)
	if !ok {
		e = NewInternalError("Internal server error", err)
	}

	log := g.logger.WithFields(logrus.Fields{"wrapper": wrapper, "code": e.Code})
	if e.Cause != nil {
		log = log.WithError(e.Cause)
	}
	if e.Code == ErrCodeConfiguration {
		g.metrics.outcome(wrapper, OutcomeConfigError)
		log.WithField("hint", e.Hint).Error(e.Message)
	} else {
		log.Error(e.Message)
	}

	WriteError(w, e)
}

func resolverFailure(err error) *Error {
	if e, ok := AsError(err); ok {
		return e
	}
	return NewConfigurationError(msgResolverFailed, hintResolverFailure, err)
}
