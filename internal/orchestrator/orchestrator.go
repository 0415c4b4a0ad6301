// Package orchestrator drives purchase attempts through the HTTP 402
// payment protocol: request, challenge, pay, verify with bounded retries,
// then redeem the proof for the service.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/paywire/internal/conversation"
	"github.com/user/paywire/internal/registry"
	"github.com/user/paywire/internal/textgen"
	"github.com/user/paywire/internal/types"
)

const phraseTimeout = 5 * time.Second

// Orchestrator runs at most one purchase attempt at a time and records
// every protocol transition on the conversation bus.
type Orchestrator struct {
	registry *registry.Registry
	bus      *conversation.Bus
	gateway  types.ServiceGateway
	verifier types.PaymentVerifier
	text     types.TextGenerator
	retry    *RetryPolicy
	maxPrice float64
	service  string

	slot    *semaphore.Weighted
	mu      sync.Mutex
	current *Attempt
	last    *Snapshot
	cancel  context.CancelCauseFunc
	wg      sync.WaitGroup
}

// Option configures optional behavior on an Orchestrator.
type Option func(*Orchestrator)

// WithRetryPolicy sets the verification retry policy.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithTextGenerator sets the generator used to phrase conversation text.
func WithTextGenerator(g types.TextGenerator) Option {
	return func(o *Orchestrator) { o.text = g }
}

// WithMaxPrice sets the buyer's budget. Challenges above it are declined;
// zero disables the check.
func WithMaxPrice(max float64) Option {
	return func(o *Orchestrator) { o.maxPrice = max }
}

// WithService names the service being purchased, for phrasing only.
func WithService(name string) Option {
	return func(o *Orchestrator) { o.service = name }
}

// New creates an Orchestrator over the given registry, bus and external
// collaborators.
func New(reg *registry.Registry, bus *conversation.Bus, gateway types.ServiceGateway, verifier types.PaymentVerifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: reg,
		bus:      bus,
		gateway:  gateway,
		verifier: verifier,
		text:     textgen.NewCanned(),
		retry:    DefaultRetryPolicy(),
		service:  "soda",
		slot:     semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start runs one purchase attempt between the buyer and seller to a
// terminal state. Empty ids are resolved by role through the registry.
// The returned error is nil only when the service was delivered.
func (o *Orchestrator) Start(ctx context.Context, buyerID, sellerID types.AgentID) (Snapshot, error) {
	a, runCtx, err := o.begin(ctx, buyerID, sellerID)
	if err != nil {
		return Snapshot{}, err
	}
	return o.finish(a, o.run(runCtx, a))
}

// Launch admits an attempt like Start but runs the protocol in the
// background. onDone, if set, receives the terminal snapshot and error.
func (o *Orchestrator) Launch(ctx context.Context, buyerID, sellerID types.AgentID, onDone func(Snapshot, error)) (types.AttemptID, error) {
	a, runCtx, err := o.begin(ctx, buyerID, sellerID)
	if err != nil {
		return "", err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		snap, err := o.finish(a, o.run(runCtx, a))
		if onDone != nil {
			onDone(snap, err)
		}
	}()
	return a.ID, nil
}

// Cancel aborts the in-flight attempt, if any. The attempt moves to FAILED
// with reason Cancelled and any pending retry timer stops.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil || o.cancel == nil {
		return false
	}
	slog.Info("cancelling purchase attempt", "attempt_id", o.current.ID, "state", o.current.State)
	o.cancel(types.ErrCancelled)
	return true
}

// Current returns the in-flight attempt, or the most recently finished one.
func (o *Orchestrator) Current() (Snapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		return o.current.snapshot(), true
	}
	if o.last != nil {
		return *o.last, true
	}
	return Snapshot{}, false
}

// Active reports whether an attempt is in flight.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil
}

// Shutdown cancels any in-flight attempt and waits for background runs.
func (o *Orchestrator) Shutdown() {
	o.Cancel()
	o.wg.Wait()
}

func (o *Orchestrator) begin(ctx context.Context, buyerID, sellerID types.AgentID) (*Attempt, context.Context, error) {
	if !o.slot.TryAcquire(1) {
		slog.Warn("purchase attempt rejected", "error", types.ErrAttemptInProgress)
		return nil, nil, types.ErrAttemptInProgress
	}

	buyer, seller, err := o.resolve(buyerID, sellerID)
	if err != nil {
		o.slot.Release(1)
		slog.Warn("purchase roles unresolved", "error", err)
		o.bus.Append(types.Entry{
			AgentID:    types.SystemAgentID,
			Kind:       types.KindError,
			Text:       fmt.Sprintf("Cannot start a purchase: %v", err),
			Attributes: map[string]any{types.AttrReason: "RolesUnresolved"},
		})
		return nil, nil, err
	}

	a := newAttempt(buyer, seller)
	runCtx, cancel := context.WithCancelCause(ctx)

	o.mu.Lock()
	o.current = a
	o.cancel = cancel
	o.mu.Unlock()

	slog.Info("purchase attempt started", "attempt_id", a.ID, "buyer_id", buyer.ID, "seller_id", seller.ID)
	return a, runCtx, nil
}

func (o *Orchestrator) resolve(buyerID, sellerID types.AgentID) (types.AgentRecord, types.AgentRecord, error) {
	buyer, berr := o.lookup(buyerID, types.RoleBuyer)
	seller, serr := o.lookup(sellerID, types.RoleSeller)
	if err := errors.Join(berr, serr); err != nil {
		return types.AgentRecord{}, types.AgentRecord{}, fmt.Errorf("%w: %w", types.ErrRolesUnresolved, err)
	}
	return buyer, seller, nil
}

func (o *Orchestrator) lookup(id types.AgentID, role types.Role) (types.AgentRecord, error) {
	if id == "" {
		return o.registry.FindByRole(role)
	}
	rec, err := o.registry.Get(id)
	if err != nil {
		return types.AgentRecord{}, err
	}
	if rec.Role != role {
		return types.AgentRecord{}, fmt.Errorf("agent %s is a %s, not a %s", id, rec.Role, role)
	}
	if rec.Status != types.StatusConnected {
		return types.AgentRecord{}, fmt.Errorf("agent %s is %s", id, rec.Status)
	}
	return rec, nil
}

func (o *Orchestrator) finish(a *Attempt, err error) (Snapshot, error) {
	o.mu.Lock()
	now := time.Now()
	a.EndedAt = &now
	snap := a.snapshot()
	o.current = nil
	o.last = &snap
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel(nil)
	}
	o.slot.Release(1)

	if err != nil {
		slog.Warn("purchase attempt failed", "attempt_id", a.ID, "reason", snap.Reason, "error", err)
	} else {
		slog.Info("purchase attempt delivered", "attempt_id", a.ID, "proof", snap.Proof)
	}
	return snap, err
}

// run executes the state machine. Every transition appends exactly one
// entry before the next suspend point.
func (o *Orchestrator) run(ctx context.Context, a *Attempt) error {
	o.transition(ctx, a, StateRequesting, a.Buyer.ID, types.KindRequest, types.Phrase{Purpose: types.PurposeRequest}, nil)

	resp, err := o.gateway.Request(ctx, "")
	if cause := interrupted(ctx); cause != nil {
		return o.fail(ctx, a, types.ReasonCancelled, cause)
	}
	if err != nil {
		return o.fail(ctx, a, types.ReasonGatewayError, err)
	}
	if resp.Delivered {
		return o.deliver(ctx, a, resp)
	}
	if resp.Challenge == nil {
		return o.fail(ctx, a, types.ReasonGatewayError, fmt.Errorf("%w: response carried neither service nor challenge", types.ErrGateway))
	}
	if err := resp.Challenge.Validate(); err != nil {
		return o.fail(ctx, a, types.ReasonGatewayError, fmt.Errorf("%w: malformed challenge: %w", types.ErrGateway, err))
	}

	challenge := *resp.Challenge
	o.setChallenge(a, challenge)
	o.transition(ctx, a, StateChallenged, a.Seller.ID, types.KindPaymentChallenge,
		types.Phrase{Purpose: types.PurposePaymentRequest, Challenge: &challenge, Detail: resp.Message},
		map[string]any{
			types.AttrPrice:     challenge.Amount,
			types.AttrCurrency:  challenge.Currency,
			types.AttrRecipient: challenge.PayTo,
		})

	if o.maxPrice > 0 && challenge.Amount > o.maxPrice {
		return o.fail(ctx, a, types.ReasonPurchaseDeclined,
			fmt.Errorf("price %g %s exceeds budget %g", challenge.Amount, challenge.Currency, o.maxPrice))
	}

	o.transition(ctx, a, StatePaying, a.Buyer.ID, types.KindInfo,
		types.Phrase{Purpose: types.PurposePaying, Challenge: &challenge},
		map[string]any{
			types.AttrPrice:     challenge.Amount,
			types.AttrCurrency:  challenge.Currency,
			types.AttrRecipient: challenge.PayTo,
		})

	proof, err := o.verifier.Submit(ctx, challenge)
	if cause := interrupted(ctx); cause != nil {
		return o.fail(ctx, a, types.ReasonCancelled, cause)
	}
	if err == nil && proof == "" {
		err = errors.New("verifier returned an empty proof reference")
	}
	if err != nil {
		if !errors.Is(err, types.ErrSubmission) {
			err = fmt.Errorf("%w: %w", types.ErrSubmission, err)
		}
		return o.fail(ctx, a, types.ReasonSubmissionError, err)
	}

	o.setProof(a, proof)
	o.transition(ctx, a, StateVerifying, a.Buyer.ID, types.KindPaymentSubmission,
		types.Phrase{Purpose: types.PurposeSubmitted, Challenge: &challenge, Proof: proof},
		map[string]any{types.AttrProof: string(proof)})

	return o.verify(ctx, a, proof)
}

// verify polls the verifier until it gives a definitive answer or the
// retry policy runs out. Each call produces exactly one entry.
func (o *Orchestrator) verify(ctx context.Context, a *Attempt, proof types.ProofReference) error {
	for attempt := 1; ; attempt++ {
		o.mu.Lock()
		a.VerificationAttempts = attempt
		o.mu.Unlock()

		verdict, err := o.verifier.Verify(ctx, proof)
		if cause := interrupted(ctx); cause != nil {
			return o.fail(ctx, a, types.ReasonCancelled, cause)
		}

		if err == nil {
			switch verdict {
			case types.VerificationValid:
				o.emit(ctx, a, types.SystemAgentID, types.KindPaymentVerified,
					types.Phrase{Purpose: types.PurposeVerified, Proof: proof, Attempt: attempt},
					map[string]any{types.AttrProof: string(proof), types.AttrAttempt: attempt})
				return o.redeem(ctx, a, proof)
			case types.VerificationInvalid:
				return o.fail(ctx, a, types.ReasonVerificationRejected,
					fmt.Errorf("proof %s rejected on attempt %d", proof, attempt))
			}
		}

		status := string(types.VerificationPending)
		if err != nil {
			status = "error"
		}
		if !o.retry.ShouldRetry(attempt) {
			cause := fmt.Errorf("proof %s unconfirmed after %d attempts", proof, attempt)
			if err != nil {
				cause = fmt.Errorf("%w: last verifier error: %w", cause, err)
			}
			return o.fail(ctx, a, types.ReasonVerificationExhausted, cause)
		}

		detail := ""
		if err != nil {
			detail = err.Error()
			slog.Warn("verifier error, will retry", "attempt_id", a.ID, "attempt", attempt, "error", err)
		}
		o.emit(ctx, a, types.SystemAgentID, types.KindInfo,
			types.Phrase{Purpose: types.PurposePending, Proof: proof, Attempt: attempt, Detail: detail},
			map[string]any{
				types.AttrProof:   string(proof),
				types.AttrAttempt: attempt,
				types.AttrStatus:  status,
			})

		if err := o.retry.Wait(ctx, attempt); err != nil {
			return o.fail(ctx, a, types.ReasonCancelled, err)
		}
	}
}

// redeem re-enters the gateway with a verified proof.
func (o *Orchestrator) redeem(ctx context.Context, a *Attempt, proof types.ProofReference) error {
	resp, err := o.gateway.Request(ctx, proof)
	if cause := interrupted(ctx); cause != nil {
		return o.fail(ctx, a, types.ReasonCancelled, cause)
	}
	if err != nil {
		return o.fail(ctx, a, types.ReasonGatewayError, err)
	}
	if !resp.Delivered {
		return o.fail(ctx, a, types.ReasonGatewayError,
			fmt.Errorf("%w: service not granted for verified proof %s", types.ErrGateway, proof))
	}
	return o.deliver(ctx, a, resp)
}

func (o *Orchestrator) deliver(ctx context.Context, a *Attempt, resp types.GatewayResponse) error {
	o.mu.Lock()
	a.Delivery = resp.Status
	o.mu.Unlock()

	attrs := map[string]any{}
	if a.Proof != "" {
		attrs[types.AttrProof] = string(a.Proof)
	}
	o.transition(ctx, a, StateDelivered, a.Seller.ID, types.KindServiceDelivered,
		types.Phrase{Purpose: types.PurposeDelivered, Proof: a.Proof, Detail: resp.Status}, attrs)
	return nil
}

// fail moves the attempt to FAILED, records one terminal entry and returns
// the typed error.
func (o *Orchestrator) fail(ctx context.Context, a *Attempt, reason types.FailureReason, cause error) error {
	if reason == types.ReasonCancelled && !errors.Is(cause, types.ErrCancelled) {
		cause = fmt.Errorf("%w: %w", types.ErrCancelled, cause)
	}
	o.mu.Lock()
	a.Reason = reason
	o.mu.Unlock()

	kind := types.KindError
	if reason == types.ReasonVerificationRejected || reason == types.ReasonVerificationExhausted {
		kind = types.KindPaymentFailed
	}
	purpose := types.PurposeFailed
	if reason == types.ReasonPurchaseDeclined {
		purpose = types.PurposeDeclined
	}
	attrs := map[string]any{types.AttrReason: string(reason)}
	if a.VerificationAttempts > 0 {
		attrs[types.AttrAttempt] = a.VerificationAttempts
	}
	o.transition(ctx, a, StateFailed, types.SystemAgentID, kind,
		types.Phrase{Purpose: purpose, Challenge: a.Challenge, Proof: a.Proof, Detail: fmt.Sprintf("%s: %v", reason, cause)},
		attrs)

	return &types.ProtocolError{AttemptID: a.ID, Reason: reason, Err: cause}
}

func (o *Orchestrator) transition(ctx context.Context, a *Attempt, to State, author types.AgentID, kind types.EntryKind, p types.Phrase, attrs map[string]any) {
	o.mu.Lock()
	from := a.State
	a.State = to
	o.mu.Unlock()

	slog.Debug("attempt transition", "attempt_id", a.ID, "from", from, "to", to)
	o.emit(ctx, a, author, kind, p, attrs)
}

func (o *Orchestrator) emit(ctx context.Context, a *Attempt, author types.AgentID, kind types.EntryKind, p types.Phrase, attrs map[string]any) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs[types.AttrAttemptID] = string(a.ID)
	p.Speaker = o.speaker(a, author)
	if p.Service == "" {
		p.Service = o.service
	}
	o.bus.Append(types.Entry{
		AgentID:    author,
		Kind:       kind,
		Text:       o.phrase(ctx, p),
		Attributes: attrs,
	})
}

func (o *Orchestrator) speaker(a *Attempt, author types.AgentID) string {
	switch author {
	case a.Buyer.ID:
		return a.Buyer.DisplayName
	case a.Seller.ID:
		return a.Seller.DisplayName
	}
	return string(author)
}

// phrase asks the text generator for wording and falls back to canned
// text on any failure. A cancelled attempt still gets its final entry.
func (o *Orchestrator) phrase(ctx context.Context, p types.Phrase) string {
	if o.text == nil {
		return textgen.Fallback(p)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), phraseTimeout)
	defer cancel()
	text, err := o.text.Phrase(ctx, p)
	if err != nil || text == "" {
		if err != nil {
			slog.Debug("text generator failed, using canned text", "purpose", p.Purpose, "error", err)
		}
		return textgen.Fallback(p)
	}
	return text
}

func (o *Orchestrator) setChallenge(a *Attempt, c types.PaymentChallenge) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a.Challenge = &c
}

func (o *Orchestrator) setProof(a *Attempt, proof types.ProofReference) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a.Proof = proof
}

func interrupted(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}
