// Package payment provides a simulated payment ledger that stands in for a
// blockchain. It issues proof references and confirms them after a fixed
// number of verification polls.
package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/user/paywire/internal/types"
)

// Transaction is a payment recorded on the ledger.
type Transaction struct {
	Hash        types.ProofReference `json:"hash"`
	Amount      float64              `json:"amount"`
	Currency    string               `json:"currency"`
	PayTo       string               `json:"payTo"`
	SubmittedAt time.Time            `json:"submittedAt"`
	Polls       int                  `json:"polls"`
	Confirmed   bool                 `json:"confirmed"`
}

// Ledger is an in-memory payment ledger. It implements
// types.PaymentVerifier and is safe for concurrent use.
type Ledger struct {
	mu           sync.Mutex
	balance      float64
	unlimited    bool
	confirmAfter int
	nonce        uint64
	txs          map[types.ProofReference]*Transaction
	order        []types.ProofReference
	now          func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithBalance limits the buyer's funds. Without it the balance is unlimited.
func WithBalance(balance float64) Option {
	return func(l *Ledger) {
		l.balance = balance
		l.unlimited = false
	}
}

// WithConfirmAfter sets how many verification polls report Pending before
// a transaction confirms.
func WithConfirmAfter(n int) Option {
	return func(l *Ledger) { l.confirmAfter = max(n, 0) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		unlimited: true,
		txs:       make(map[types.ProofReference]*Transaction),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Submit records a payment for challenge and returns its proof reference.
func (l *Ledger) Submit(ctx context.Context, challenge types.PaymentChallenge) (types.ProofReference, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := challenge.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrSubmission, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.unlimited && challenge.Amount > l.balance {
		return "", fmt.Errorf("%w: insufficient balance %g for %g %s", types.ErrSubmission, l.balance, challenge.Amount, challenge.Currency)
	}

	l.nonce++
	hash := txHash(challenge, l.nonce)
	if !l.unlimited {
		l.balance -= challenge.Amount
	}
	l.txs[hash] = &Transaction{
		Hash:        hash,
		Amount:      challenge.Amount,
		Currency:    challenge.Currency,
		PayTo:       challenge.PayTo,
		SubmittedAt: l.now(),
	}
	l.order = append(l.order, hash)

	slog.Info("payment submitted", "proof", hash, "amount", challenge.Amount, "currency", challenge.Currency, "pay_to", challenge.PayTo)
	return hash, nil
}

// Verify reports Pending for the first confirmAfter polls of a known
// transaction and Valid afterwards. Unknown proofs are Invalid.
func (l *Ledger) Verify(ctx context.Context, proof types.ProofReference) (types.Verification, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.txs[proof]
	if !ok {
		return types.VerificationInvalid, nil
	}
	if tx.Confirmed {
		return types.VerificationValid, nil
	}
	tx.Polls++
	if tx.Polls <= l.confirmAfter {
		return types.VerificationPending, nil
	}
	tx.Confirmed = true
	slog.Debug("payment confirmed", "proof", proof, "polls", tx.Polls)
	return types.VerificationValid, nil
}

// Lookup returns the transaction recorded under proof.
func (l *Ledger) Lookup(proof types.ProofReference) (Transaction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[proof]
	if !ok {
		return Transaction{}, false
	}
	return *tx, true
}

// Transactions returns every recorded transaction in submission order.
func (l *Ledger) Transactions() []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transaction, 0, len(l.order))
	for _, h := range slices.Clone(l.order) {
		out = append(out, *l.txs[h])
	}
	return out
}

// Balance returns the remaining funds and whether they are limited.
func (l *Ledger) Balance() (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance, !l.unlimited
}

func txHash(c types.PaymentChallenge, nonce uint64) types.ProofReference {
	sum := sha256.Sum256(fmt.Appendf(nil, "%g|%s|%s|%d", c.Amount, c.Currency, c.PayTo, nonce))
	return types.ProofReference("0x" + hex.EncodeToString(sum[:]))
}
