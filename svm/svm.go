// Package svm provides Solana (SVM) network constants and helpers used by the
// x402 gate: CAIP-2 identifiers, well-known token mints, address validation and
// inspection of the signed transactions carried in exact-scheme payloads.
package svm

import (
	"encoding/base64"
	"fmt"
	"strings"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
)

// CAIP-2 network identifiers.
const (
	SolanaMainnetCAIP2 = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	SolanaDevnetCAIP2  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	SolanaTestnetCAIP2 = "solana:4uhcVJyU9pJkvQyS88uRDiswHXSCkY3z"
)

// Well-known mints.
const (
	USDCMainnetMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCDevnetMint  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
	NativeSOLMint   = "So11111111111111111111111111111111111111112"

	USDCDecimals = 6
	SOLDecimals  = 9
)

// NetworkConfig describes a supported Solana cluster.
type NetworkConfig struct {
	// CAIP2 is the canonical network identifier.
	CAIP2 string

	// Name is the legacy V1 network name.
	Name string

	// MintEnv is the environment variable holding the USDC mint for this cluster.
	MintEnv string

	// DefaultMint is used when MintEnv is unset.
	DefaultMint string
}

var networks = []NetworkConfig{
	{CAIP2: SolanaMainnetCAIP2, Name: "solana", MintEnv: "USDC_MINT_MAINNET", DefaultMint: USDCMainnetMint},
	{CAIP2: SolanaDevnetCAIP2, Name: "solana-devnet", MintEnv: "USDC_MINT_DEVNET", DefaultMint: USDCDevnetMint},
	{CAIP2: SolanaTestnetCAIP2, Name: "solana-testnet", MintEnv: "USDC_MINT_TESTNET"},
}

// LookupNetwork accepts a CAIP-2 identifier or a legacy network name.
func LookupNetwork(network string) (NetworkConfig, bool) {
	network = strings.TrimSpace(network)
	for _, n := range networks {
		if n.CAIP2 == network || n.Name == network {
			return n, true
		}
	}
	return NetworkConfig{}, false
}

// ValidateAddress checks that addr is a base58 ed25519 public key.
func ValidateAddress(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("address is empty")
	}
	if _, err := solana.PublicKeyFromBase58(addr); err != nil {
		return fmt.Errorf("invalid solana address %q: %w", addr, err)
	}
	return nil
}

// TransactionSummary is what the gate reads from a payload transaction.
type TransactionSummary struct {
	// FeePayer is the first account key.
	FeePayer string

	// Signers lists the accounts required to sign, fee payer first.
	Signers []string

	// Signature is the fee payer's signature, the transaction id. It is empty
	// while the transaction is only partially signed, as a sponsored payload
	// is before the facilitator adds the fee payer signature.
	Signature string
}

// FullySigned reports whether the fee payer has signed.
func (s *TransactionSummary) FullySigned() bool {
	return s.Signature != ""
}

// Authority returns the last required signer, which for a sponsored
// transfer is the token owner rather than the facilitator fee payer.
// It is empty until the transaction is fully signed.
func (s *TransactionSummary) Authority() string {
	if !s.FullySigned() || len(s.Signers) == 0 {
		return ""
	}
	return s.Signers[len(s.Signers)-1]
}

// InspectTransaction decodes a base64 wire transaction.
func InspectTransaction(encoded string) (*TransactionSummary, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	keys := tx.Message.AccountKeys
	if len(keys) == 0 {
		return nil, fmt.Errorf("transaction has no account keys")
	}

	required := int(tx.Message.Header.NumRequiredSignatures)
	if required > len(keys) {
		required = len(keys)
	}

	summary := &TransactionSummary{
		FeePayer: keys[0].String(),
		Signers:  make([]string, 0, required),
	}
	for _, k := range keys[:required] {
		summary.Signers = append(summary.Signers, k.String())
	}
	if len(tx.Signatures) > 0 && tx.Signatures[0] != (solana.Signature{}) {
		summary.Signature = tx.Signatures[0].String()
	}

	return summary, nil
}
