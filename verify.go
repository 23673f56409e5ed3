package x402

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/becomeliminal/x402-gate/svm"
)

// Verification failure messages.
const (
	MsgMissingPaymentHeader   = "Missing payment signature header"
	MsgInvalidPaymentFormat   = "Invalid payment signature format"
	MsgVerificationFailed     = "Payment verification failed"
	MsgSettlementFailed       = "Payment settlement failed"
	MsgUnknownVerification    = "Unknown verification error"
	MsgIncompleteSettlement   = "Facilitator settled without payer or signature"
	msgUnsupportedVersionTmpl = "Unsupported x402 version: %d"
)

// Verifier checks a payment header against expected requirements by calling
// the facilitator's combined verify-and-settle operation. Only a settled
// payment is valid.
type Verifier struct {
	facilitator Facilitator
	protocol    Protocol
	logger      logrus.FieldLogger
	metrics     *Metrics
}

// NewVerifier creates a verifier. protocol must already be validated.
func NewVerifier(facilitator Facilitator, protocol Protocol, logger logrus.FieldLogger, metrics *Metrics) *Verifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Verifier{
		facilitator: facilitator,
		protocol:    protocol,
		logger:      logger.WithField("component", "verifier"),
		metrics:     metrics,
	}
}

// Verify never returns an error: every failure becomes an invalid result.
func (v *Verifier) Verify(ctx context.Context, header string, requirements *PaymentRequirements) VerificationResult {
	if header == "" {
		return VerificationResult{Error: MsgMissingPaymentHeader}
	}

	payload := DecodePaymentPayload(header)
	if payload == nil {
		return VerificationResult{Error: MsgInvalidPaymentFormat}
	}

	if payload.X402Version != v.protocol.X402Version {
		return VerificationResult{Error: fmt.Sprintf(msgUnsupportedVersionTmpl, payload.X402Version)}
	}

	if v.facilitator == nil {
		return VerificationResult{Error: MsgUnknownVerification, FacilitatorFailure: true}
	}

	start := time.Now()
	outcome, err := v.facilitator.VerifyAndSettle(ctx, payload, requirements)
	v.metrics.observeFacilitator(time.Since(start), err)

	log := v.logger.WithFields(logrus.Fields{
		"network": requirements.Network,
		"amount":  requirements.Amount,
		"pay_to":  requirements.PayTo,
	})

	if err != nil {
		log.WithError(err).Error("facilitator verify-and-settle failed")
		if fe, ok := AsError(err); ok && fe.Code == ErrCodeFacilitator {
			return VerificationResult{Error: fe.Message, FacilitatorFailure: true}
		}
		return VerificationResult{Error: MsgUnknownVerification, FacilitatorFailure: true}
	}

	if outcome == nil || !outcome.Verified {
		return v.reject(log, outcome, MsgVerificationFailed)
	}
	if !outcome.Settled {
		return v.reject(log, outcome, MsgSettlementFailed)
	}

	payer, signature := outcome.Payer, outcome.Signature
	if payer == "" || signature == "" {
		// Only a fee-payer-signed transaction carries its id; a partial
		// signature is never reported as the settlement.
		if summary, err := svm.InspectTransaction(payload.Payload.Transaction); err == nil && summary.FullySigned() {
			if payer == "" {
				payer = summary.Authority()
			}
			if signature == "" {
				signature = summary.Signature
			}
		}
	}
	if payer == "" || signature == "" {
		log.Error("facilitator settled without payer or signature")
		return VerificationResult{Error: MsgIncompleteSettlement}
	}

	log.WithFields(logrus.Fields{
		"payer":     payer,
		"signature": signature,
	}).Info("payment settled")

	return VerificationResult{Valid: true, Payer: payer, Signature: signature}
}

func (v *Verifier) reject(log logrus.FieldLogger, outcome *SettleOutcome, fallback string) VerificationResult {
	reason := fallback
	if outcome != nil && outcome.Error != "" {
		reason = outcome.Error
	}
	log.WithField("reason", reason).Info("payment rejected")
	return VerificationResult{Error: reason}
}
