// Package textgen phrases conversation text for the purchase protocol.
// Generated text is cosmetic: every caller falls back to Fallback.
package textgen

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/paywire/internal/types"
)

// Canned is a deterministic TextGenerator.
type Canned struct{}

// NewCanned returns the canned generator.
func NewCanned() Canned { return Canned{} }

// Phrase implements types.TextGenerator.
func (Canned) Phrase(_ context.Context, p types.Phrase) (string, error) {
	return Fallback(p), nil
}

// Fallback returns fixed wording for p. It never fails and never returns
// an empty string.
func Fallback(p types.Phrase) string {
	service := p.Service
	if service == "" {
		service = "the service"
	}
	price, payTo := "the asking price", "the seller"
	if c := p.Challenge; c != nil {
		price = strings.TrimSpace(fmt.Sprintf("%g %s", c.Amount, c.Currency))
		payTo = c.PayTo
	}

	switch p.Purpose {
	case types.PurposeRequest:
		return fmt.Sprintf("Hi there! I'd like to request %s. Can you help me?", service)
	case types.PurposePaymentRequest:
		return fmt.Sprintf("I've got %s ready. Payment of %s to %s is required first.", service, price, payTo)
	case types.PurposePaying:
		return fmt.Sprintf("%s for %s is acceptable. Sending payment to %s.", price, service, payTo)
	case types.PurposeSubmitted:
		return fmt.Sprintf("Payment sent. Proof reference: %s", p.Proof)
	case types.PurposePending:
		text := fmt.Sprintf("Payment %s is not confirmed yet (check %d). Retrying.", p.Proof, p.Attempt)
		if p.Detail != "" {
			text += " Verifier said: " + p.Detail
		}
		return text
	case types.PurposeVerified:
		return fmt.Sprintf("Payment %s verified on check %d.", p.Proof, p.Attempt)
	case types.PurposeDelivered:
		if p.Detail != "" {
			return fmt.Sprintf("Here you go! %s", p.Detail)
		}
		return fmt.Sprintf("Here you go! Enjoy your %s.", service)
	case types.PurposeDeclined:
		return fmt.Sprintf("%s for %s is too expensive. I'll pass.", price, service)
	case types.PurposeFailed:
		if p.Detail != "" {
			return "Purchase failed: " + p.Detail
		}
		return "Purchase failed."
	}
	if p.Detail != "" {
		return p.Detail
	}
	return string(p.Purpose)
}
