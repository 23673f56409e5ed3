package x402

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/becomeliminal/x402-gate/svm"
)

// Operator hints attached to configuration errors.
const (
	hintRecipient = "configure the active fee_collection wallet or set " + EnvTreasuryAddress
	hintToken     = "set " + EnvTokenMint + " or the network-specific USDC mint variable"
	hintEndpoint  = "fix the endpoint price configuration"
)

// RequirementsBuilder turns an EndpointConfig into protocol-exact requirements.
type RequirementsBuilder struct {
	protocol Protocol
	treasury *TreasuryResolver
}

// NewRequirementsBuilder creates a builder. protocol must already be validated.
func NewRequirementsBuilder(protocol Protocol, treasury *TreasuryResolver) *RequirementsBuilder {
	return &RequirementsBuilder{protocol: protocol, treasury: treasury}
}

// Build resolves recipient and token and converts the human amount to atomic
// units. It fails with a configuration error when either cannot be resolved.
func (b *RequirementsBuilder) Build(ctx context.Context, ec EndpointConfig) (*PaymentRequirements, error) {
	if err := ec.Validate(); err != nil {
		return nil, NewConfigurationError("Invalid payment endpoint configuration", hintEndpoint, err)
	}

	decimals := b.protocol.DefaultDecimals
	if ec.Decimals != nil {
		decimals = *ec.Decimals
	}

	amount, err := ToAtomicUnits(ec.Amount, decimals)
	if err != nil {
		return nil, NewConfigurationError("Invalid payment amount", hintEndpoint, err)
	}

	payTo := strings.TrimSpace(ec.Recipient)
	if payTo == "" && b.treasury != nil {
		payTo = b.treasury.ResolveTreasuryAddress(ctx, "")
	}
	if payTo == "" {
		return nil, NewConfigurationError("Payment recipient is not configured", hintRecipient, nil)
	}
	if err := svm.ValidateAddress(payTo); err != nil {
		return nil, NewConfigurationError("Payment recipient is invalid", hintRecipient, err)
	}

	asset := strings.TrimSpace(ec.TokenMint)
	if asset == "" && b.treasury != nil {
		asset = b.treasury.ResolveTokenMint()
	}
	if asset == "" {
		return nil, NewConfigurationError("Payment token is not configured", hintToken, nil)
	}
	if err := svm.ValidateAddress(asset); err != nil {
		return nil, NewConfigurationError("Payment token is invalid", hintToken, err)
	}

	extra := map[string]interface{}{
		"name":        b.tokenName(asset),
		"description": ec.Description,
	}
	if len(ec.Metadata) > 0 {
		extra["metadata"] = ec.Metadata
	}

	return &PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           b.protocol.Network,
		Amount:            amount,
		Asset:             asset,
		PayTo:             payTo,
		MaxTimeoutSeconds: b.protocol.MaxTimeoutSeconds,
		Extra:             extra,
	}, nil
}

func (b *RequirementsBuilder) tokenName(asset string) string {
	if asset == svm.NativeSOLMint {
		return "SOL"
	}
	return b.protocol.TokenName
}

// ToAtomicUnits returns floor(amount * 10^decimals) as an integer string.
// amount is parsed exactly, so "0.1" with 6 decimals is "100000".
func ToAtomicUnits(amount string, decimals int) (string, error) {
	if decimals < 0 {
		return "", fmt.Errorf("negative decimals: %d", decimals)
	}

	r, ok := new(big.Rat).SetString(strings.TrimSpace(amount))
	if !ok {
		return "", fmt.Errorf("invalid decimal amount %q", amount)
	}
	if r.Sign() < 0 {
		return "", fmt.Errorf("amount must not be negative: %q", amount)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))

	// Quo truncates toward zero, which is floor for non-negative values.
	return new(big.Int).Quo(r.Num(), r.Denom()).String(), nil
}
