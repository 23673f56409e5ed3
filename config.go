package x402

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/becomeliminal/x402-gate/svm"
)

// Protocol defaults.
const (
	DefaultDecimals          = 6
	DefaultMaxTimeoutSeconds = 300
	DefaultFacilitatorURL    = "https://facilitator.payai.network"
	DefaultTokenName         = "USDC"
	DefaultResolverCacheTTL  = 5 * time.Minute
)

// Protocol holds the process-wide protocol constants injected into the
// builder, verifier and discovery handler. Treat it as immutable once a
// Gate has been built from it.
type Protocol struct {
	// X402Version is the protocol version challenges are issued with and
	// payloads must carry.
	X402Version int

	// Network is the CAIP-2 chain identifier advertised in requirements.
	Network string

	// DefaultDecimals converts human amounts to atomic units when an endpoint
	// does not override it.
	DefaultDecimals int

	// MaxTimeoutSeconds is advertised to clients as the requirement freshness window.
	MaxTimeoutSeconds int

	// FacilitatorURL is reported by the discovery endpoint.
	FacilitatorURL string

	// TokenName is the display name carried in requirements extra.
	TokenName string
}

// DefaultProtocol returns the protocol constants for network.
func DefaultProtocol(network string) Protocol {
	return Protocol{
		X402Version:       ProtocolVersion,
		Network:           network,
		DefaultDecimals:   DefaultDecimals,
		MaxTimeoutSeconds: DefaultMaxTimeoutSeconds,
		FacilitatorURL:    DefaultFacilitatorURL,
		TokenName:         DefaultTokenName,
	}
}

// Validate checks the protocol constants, filling unset values with defaults.
func (p *Protocol) Validate() error {
	if p.X402Version == 0 {
		p.X402Version = ProtocolVersion
	}
	if p.Network == "" {
		p.Network = svm.SolanaDevnetCAIP2
	}
	if _, ok := svm.LookupNetwork(p.Network); !ok {
		return fmt.Errorf("unsupported network %q", p.Network)
	}
	if p.DefaultDecimals == 0 {
		p.DefaultDecimals = DefaultDecimals
	}
	if p.DefaultDecimals < 0 || p.DefaultDecimals > 18 {
		return fmt.Errorf("default decimals out of range: %d", p.DefaultDecimals)
	}
	if p.MaxTimeoutSeconds == 0 {
		p.MaxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}
	if p.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("max timeout seconds must be positive")
	}
	if p.FacilitatorURL == "" {
		p.FacilitatorURL = DefaultFacilitatorURL
	}
	if p.TokenName == "" {
		p.TokenName = DefaultTokenName
	}
	return nil
}

// EndpointConfig is the human-readable price of one protected endpoint.
type EndpointConfig struct {
	// Description explains what the payment is for.
	Description string

	// Amount is a non-negative decimal in human units, e.g. "0.5".
	Amount string

	// Recipient overrides the resolved treasury address (optional).
	Recipient string

	// TokenMint overrides the resolved token identity (optional).
	TokenMint string

	// Decimals overrides Protocol.DefaultDecimals (optional), e.g. 9 for native SOL.
	Decimals *int

	// MimeType of the resource being sold (optional).
	MimeType string

	// Metadata is copied into requirements extra for client display (optional).
	Metadata map[string]interface{}
}

// Validate checks if the endpoint configuration is usable.
func (e *EndpointConfig) Validate() error {
	if strings.TrimSpace(e.Amount) == "" {
		return fmt.Errorf("amount is required")
	}
	if e.Decimals != nil && (*e.Decimals < 0 || *e.Decimals > 18) {
		return fmt.Errorf("decimals out of range: %d", *e.Decimals)
	}
	return nil
}

// Decimals returns a pointer to d, for EndpointConfig.Decimals literals.
func Decimals(d int) *int {
	return &d
}

// Pricing maps URL patterns and gRPC methods to endpoint prices.
type Pricing struct {
	// Endpoints maps URL patterns to prices.
	// Patterns support exact matches ("/v1/endpoint") and wildcards ("/v1/*").
	Endpoints map[string]EndpointConfig

	// Methods maps gRPC method names ("/package.Service/Method") to prices.
	// Supports wildcards: "/package.Service/*" matches all methods in a service.
	Methods map[string]EndpointConfig

	// Default is used when no pattern matches (optional).
	// If nil, unmatched endpoints don't require payment.
	Default *EndpointConfig

	// SkipPaths lists paths that bypass payment checks entirely.
	SkipPaths []string

	// SkipMethods lists gRPC methods that bypass payment checks.
	SkipMethods []string
}

// Validate checks every configured price.
func (p *Pricing) Validate() error {
	for pattern, ec := range p.Endpoints {
		if err := ec.Validate(); err != nil {
			return fmt.Errorf("invalid price for pattern %q: %w", pattern, err)
		}
	}
	for method, ec := range p.Methods {
		if err := ec.Validate(); err != nil {
			return fmt.Errorf("invalid price for method %q: %w", method, err)
		}
	}
	if p.Default != nil {
		if err := p.Default.Validate(); err != nil {
			return fmt.Errorf("invalid default price: %w", err)
		}
	}
	return nil
}

// MatchEndpoint finds the price for a given path.
func (p *Pricing) MatchEndpoint(requestPath string) (*EndpointConfig, bool) {
	return match(requestPath, p.Endpoints, p.SkipPaths, p.Default)
}

// MatchMethod finds the price for a given gRPC method.
func (p *Pricing) MatchMethod(fullMethod string) (*EndpointConfig, bool) {
	return match(fullMethod, p.Methods, p.SkipMethods, p.Default)
}

func match(key string, table map[string]EndpointConfig, skips []string, def *EndpointConfig) (*EndpointConfig, bool) {
	for _, skip := range skips {
		if matchPath(key, skip) {
			return nil, false
		}
	}

	if ec, ok := table[key]; ok {
		return &ec, true
	}

	var bestMatch string
	var best *EndpointConfig

	for pattern, ec := range table {
		if matchPath(key, pattern) && len(pattern) > len(bestMatch) {
			bestMatch = pattern
			ecCopy := ec
			best = &ecCopy
		}
	}

	if best != nil {
		return best, true
	}

	if def != nil {
		defCopy := *def
		return &defCopy, true
	}

	return nil, false
}

func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	matched, _ := path.Match(pattern, requestPath)
	return matched
}

// Config wires a Gate.
type Config struct {
	// Protocol holds the protocol constants. Zero fields take defaults.
	Protocol Protocol

	// Facilitator verifies and settles payments (required for payment wrappers).
	Facilitator Facilitator

	// Authenticator resolves bearer credentials (required for auth wrappers).
	// When nil and APIKeys is set, a store-backed Authenticator is built.
	Authenticator IdentityAuthenticator

	// APIKeys is the identity store consulted by the default authenticator.
	APIKeys APIKeyStore

	// Wallets is the wallet configuration store consulted for the recipient (optional).
	Wallets WalletConfigStore

	// Getenv reads environment fallbacks. Defaults to os.Getenv.
	Getenv func(string) string

	// ResolverCacheTTL bounds how long a resolved recipient is reused.
	ResolverCacheTTL time.Duration

	// CORS shapes cross-origin headers on every response.
	CORS CORSPolicy

	// Logger receives structured logs. Defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger

	// Metrics records gate outcomes (optional).
	Metrics *Metrics
}

// Validate checks the configuration, filling unset values with defaults.
func (c *Config) Validate() error {
	if err := c.Protocol.Validate(); err != nil {
		return fmt.Errorf("invalid protocol: %w", err)
	}
	if c.Facilitator == nil && c.Authenticator == nil && c.APIKeys == nil {
		return fmt.Errorf("facilitator or authenticator is required")
	}
	if c.Getenv == nil {
		c.Getenv = os.Getenv
	}
	if c.ResolverCacheTTL == 0 {
		c.ResolverCacheTTL = DefaultResolverCacheTTL
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	c.CORS.setDefaults()
	return nil
}
