package x402

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/becomeliminal/x402-gate/svm"
)

// Wallet configuration values.
const (
	WalletPurposeFeeCollection = "fee_collection"
	WalletStatusActive         = "active"
)

// Environment variables consulted by the resolver.
const (
	EnvTreasuryAddress = "X402_TREASURY_ADDRESS"
	EnvTokenMint       = "X402_TOKEN_MINT"
)

// WalletConfigStore reads the wallet configuration maintained by admin tooling.
type WalletConfigStore interface {
	// ActiveWallet returns the address of the newest active wallet with the
	// given purpose, or ErrNotFound.
	ActiveWallet(ctx context.Context, purpose string) (string, error)
}

type lookupKind string

const (
	lookupTreasury lookupKind = "treasury"
	lookupToken    lookupKind = "token"
)

type cacheEntry struct {
	value   string
	expires time.Time
}

// TreasuryResolver resolves the payment recipient and token mint for a request.
// The recipient is taken from an explicit override, then the active
// fee-collection wallet in the store, then the environment. Store failures fall
// through to the next tier.
type TreasuryResolver struct {
	store   WalletConfigStore
	getenv  func(string) string
	network svm.NetworkConfig
	ttl     time.Duration
	logger  logrus.FieldLogger
	now     func() time.Time

	// lookupKind -> cacheEntry
	cache sync.Map
}

// NewTreasuryResolver creates a resolver for network. store may be nil.
func NewTreasuryResolver(network string, store WalletConfigStore, getenv func(string) string, ttl time.Duration, logger logrus.FieldLogger) *TreasuryResolver {
	nc, _ := svm.LookupNetwork(network)
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TreasuryResolver{
		store:   store,
		getenv:  getenv,
		network: nc,
		ttl:     ttl,
		logger:  logger.WithField("component", "treasury_resolver"),
		now:     time.Now,
	}
}

// ResolveTreasuryAddress returns the recipient address, or "" when no tier yields one.
func (t *TreasuryResolver) ResolveTreasuryAddress(ctx context.Context, override string) string {
	if override = strings.TrimSpace(override); override != "" {
		return override
	}

	if v, ok := t.cached(lookupTreasury); ok {
		return v
	}

	if t.store != nil {
		addr, err := t.store.ActiveWallet(ctx, WalletPurposeFeeCollection)
		switch {
		case err != nil && !errors.Is(err, ErrNotFound):
			t.logger.WithError(err).Warn("wallet config lookup failed, falling back to environment")
		case err == nil && t.usable(addr):
			t.remember(lookupTreasury, addr)
			return addr
		}
	}

	if addr := strings.TrimSpace(t.env(EnvTreasuryAddress)); t.usable(addr) {
		t.remember(lookupTreasury, addr)
		return addr
	}

	return ""
}

// ResolveTokenMint returns the token mint from the environment for the
// configured network. The wallet store is never consulted.
func (t *TreasuryResolver) ResolveTokenMint() string {
	if v, ok := t.cached(lookupToken); ok {
		return v
	}

	candidates := []string{t.env(EnvTokenMint)}
	if t.network.MintEnv != "" {
		candidates = append(candidates, t.env(t.network.MintEnv))
	}
	candidates = append(candidates, t.network.DefaultMint)

	for _, mint := range candidates {
		if mint = strings.TrimSpace(mint); t.usable(mint) {
			t.remember(lookupToken, mint)
			return mint
		}
	}
	return ""
}

// Invalidate drops every cached value.
func (t *TreasuryResolver) Invalidate() {
	t.cache.Range(func(key, _ interface{}) bool {
		t.cache.Delete(key)
		return true
	})
}

func (t *TreasuryResolver) usable(addr string) bool {
	if addr == "" {
		return false
	}
	if err := svm.ValidateAddress(addr); err != nil {
		t.logger.WithError(err).Warn("ignoring invalid address")
		return false
	}
	return true
}

func (t *TreasuryResolver) env(key string) string {
	if t.getenv == nil {
		return ""
	}
	return t.getenv(key)
}

func (t *TreasuryResolver) cached(kind lookupKind) (string, bool) {
	v, ok := t.cache.Load(kind)
	if !ok {
		return "", false
	}
	entry := v.(cacheEntry)
	if t.now().After(entry.expires) {
		return "", false
	}
	return entry.value, true
}

func (t *TreasuryResolver) remember(kind lookupKind, value string) {
	if t.ttl <= 0 {
		return
	}
	t.cache.Store(kind, cacheEntry{value: value, expires: t.now().Add(t.ttl)})
}
