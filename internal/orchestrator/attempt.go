package orchestrator

import (
	"fmt"
	"time"

	"github.com/user/paywire/internal/types"
)

// State is a purchase attempt's position in the payment protocol.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateChallenged State = "challenged"
	StatePaying     State = "paying"
	StateVerifying  State = "verifying"
	StateDelivered  State = "delivered"
	StateFailed     State = "failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

// Attempt is the transient state of one purchase run. It is owned by the
// orchestrator and discarded once terminal.
type Attempt struct {
	ID                   types.AttemptID
	Buyer                types.AgentRecord
	Seller               types.AgentRecord
	State                State
	Challenge            *types.PaymentChallenge
	Proof                types.ProofReference
	VerificationAttempts int
	Reason               types.FailureReason
	Delivery             string
	CreatedAt            time.Time
	EndedAt              *time.Time
}

func newAttempt(buyer, seller types.AgentRecord) *Attempt {
	return &Attempt{
		ID:        types.NewAttemptID(),
		Buyer:     buyer,
		Seller:    seller,
		State:     StateIdle,
		CreatedAt: time.Now(),
	}
}

// Snapshot is a read-only copy of an attempt, safe to hand to callers.
type Snapshot struct {
	ID                   types.AttemptID         `json:"attemptId"`
	BuyerID              types.AgentID           `json:"buyerId"`
	SellerID             types.AgentID           `json:"sellerId"`
	State                State                   `json:"state"`
	Challenge            *types.PaymentChallenge `json:"challenge,omitempty"`
	Proof                types.ProofReference    `json:"proofReference,omitempty"`
	VerificationAttempts int                     `json:"verificationAttemptCount"`
	Reason               types.FailureReason     `json:"reason,omitempty"`
	Delivery             string                  `json:"delivery,omitempty"`
	CreatedAt            time.Time               `json:"createdAt"`
	EndedAt              *time.Time              `json:"endedAt,omitempty"`
}

func (a *Attempt) snapshot() Snapshot {
	s := Snapshot{
		ID:                   a.ID,
		BuyerID:              a.Buyer.ID,
		SellerID:             a.Seller.ID,
		State:                a.State,
		Proof:                a.Proof,
		VerificationAttempts: a.VerificationAttempts,
		Reason:               a.Reason,
		Delivery:             a.Delivery,
		CreatedAt:            a.CreatedAt,
	}
	if a.Challenge != nil {
		c := *a.Challenge
		s.Challenge = &c
	}
	if a.EndedAt != nil {
		t := *a.EndedAt
		s.EndedAt = &t
	}
	return s
}

// Summary renders s on one line for chat and CLI status output.
func (s Snapshot) Summary() string {
	line := fmt.Sprintf("attempt %s: %s", s.ID, s.State)
	if s.Challenge != nil {
		line += fmt.Sprintf(", %g %s", s.Challenge.Amount, s.Challenge.Currency)
	}
	if s.VerificationAttempts > 0 {
		line += fmt.Sprintf(", verification checks: %d", s.VerificationAttempts)
	}
	if s.Reason != "" {
		line += fmt.Sprintf(" (%s)", s.Reason)
	}
	return line
}
