package types

import (
	"context"
)

// ServiceGateway is the seller-side endpoint a buyer purchases from. An
// empty proof requests the service unpaid. Failures wrap ErrGateway.
type ServiceGateway interface {
	Request(ctx context.Context, proof ProofReference) (GatewayResponse, error)
}

// PaymentVerifier submits payments and verifies their proofs. Submit
// failures wrap ErrSubmission. A Verify error is a transient verifier
// failure; definitive answers are returned as a Verification.
type PaymentVerifier interface {
	Submit(ctx context.Context, challenge PaymentChallenge) (ProofReference, error)
	Verify(ctx context.Context, proof ProofReference) (Verification, error)
}

// TextGenerator phrases human-readable conversation text. It is purely
// cosmetic: callers must fall back to canned text when it fails.
type TextGenerator interface {
	Phrase(ctx context.Context, p Phrase) (string, error)
}
