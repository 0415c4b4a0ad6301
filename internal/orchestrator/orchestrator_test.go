package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/paywire/internal/conversation"
	"github.com/user/paywire/internal/registry"
	"github.com/user/paywire/internal/types"
)

var sodaChallenge = types.PaymentChallenge{Amount: 0.1, Currency: "APT", PayTo: "0xfridge"}

type stubGateway struct {
	mu        sync.Mutex
	responses []types.GatewayResponse
	errs      []error
	proofs    []types.ProofReference
}

func (g *stubGateway) Request(_ context.Context, proof types.ProofReference) (types.GatewayResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := len(g.proofs)
	g.proofs = append(g.proofs, proof)
	if i < len(g.errs) && g.errs[i] != nil {
		return types.GatewayResponse{}, g.errs[i]
	}
	if i < len(g.responses) {
		return g.responses[i], nil
	}
	return types.GatewayResponse{Delivered: true, Status: "Enjoy your soda!"}, nil
}

func (g *stubGateway) calls() []types.ProofReference {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.proofs)
}

// challengeThenDeliver answers the unpaid request with the soda challenge
// and the paid one with a delivery.
func challengeThenDeliver() *stubGateway {
	c := sodaChallenge
	return &stubGateway{responses: []types.GatewayResponse{
		{Message: "pay first", Challenge: &c},
		{Delivered: true, Status: "Enjoy your soda!"},
	}}
}

type stubVerifier struct {
	mu        sync.Mutex
	proof     types.ProofReference
	submitErr error
	submitted []types.PaymentChallenge
	verdicts  []types.Verification
	verifyErr []error
	verifies  int
	entered   chan int
	block     chan struct{}
}

func (v *stubVerifier) Submit(_ context.Context, c types.PaymentChallenge) (types.ProofReference, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.submitted = append(v.submitted, c)
	if v.submitErr != nil {
		return "", v.submitErr
	}
	if v.proof == "" {
		return "0xproof", nil
	}
	return v.proof, nil
}

func (v *stubVerifier) Verify(ctx context.Context, _ types.ProofReference) (types.Verification, error) {
	v.mu.Lock()
	v.verifies++
	n := v.verifies
	v.mu.Unlock()

	if v.entered != nil {
		v.entered <- n
	}
	if v.block != nil {
		select {
		case <-v.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	i := n - 1
	if i < len(v.verifyErr) && v.verifyErr[i] != nil {
		return "", v.verifyErr[i]
	}
	if i < len(v.verdicts) {
		return v.verdicts[i], nil
	}
	return types.VerificationPending, nil
}

func (v *stubVerifier) verifyCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.verifies
}

func (v *stubVerifier) submissions() []types.PaymentChallenge {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.submitted)
}

type failingText struct{}

func (failingText) Phrase(context.Context, types.Phrase) (string, error) {
	return "", errors.New("model unavailable")
}

func fastRetry() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
}

type fixture struct {
	reg *registry.Registry
	bus *conversation.Bus
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	reg := registry.New()
	_, err := reg.Register(types.AgentRecord{ID: "homehub_001", Role: types.RoleBuyer, DisplayName: "Home Hub"})
	require.NoError(t, err)
	_, err = reg.Register(types.AgentRecord{ID: "fridge_001", Role: types.RoleSeller, DisplayName: "Smart Fridge"})
	require.NoError(t, err)
	return fixture{reg: reg, bus: conversation.New()}
}

func (f fixture) orchestrator(g types.ServiceGateway, v types.PaymentVerifier, opts ...Option) *Orchestrator {
	opts = append([]Option{WithRetryPolicy(fastRetry())}, opts...)
	return New(f.reg, f.bus, g, v, opts...)
}

func kinds(entries []types.Entry) []types.EntryKind {
	out := make([]types.EntryKind, len(entries))
	for i, e := range entries {
		out[i] = e.Kind
	}
	return out
}

// trace renders entries without the random attempt id.
func trace(entries []types.Entry, snap Snapshot) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%d %s %s: %s", e.SequenceID, e.Kind, e.AgentID, e.Text)
		var attrs []string
		for k, v := range e.Attributes {
			if k == types.AttrAttemptID {
				continue
			}
			attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
		}
		if len(attrs) > 0 {
			slices.Sort(attrs)
			fmt.Fprintf(&b, " {%s}", strings.Join(attrs, " "))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "state=%s verifications=%d\n", snap.State, snap.VerificationAttempts)
	return b.String()
}

func TestHappyPathTrace(t *testing.T) {
	f := newFixture(t)
	gw := challengeThenDeliver()
	v := &stubVerifier{verdicts: []types.Verification{
		types.VerificationPending, types.VerificationPending, types.VerificationValid,
	}}
	o := f.orchestrator(gw, v)

	snap, err := o.Start(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, StateDelivered, snap.State)
	assert.Equal(t, 3, v.verifyCalls())
	assert.Equal(t, []types.ProofReference{"", "0xproof"}, gw.calls())

	entries := f.bus.Snapshot()
	for _, e := range entries {
		assert.Equal(t, string(snap.ID), e.Attributes[types.AttrAttemptID])
	}

	g := goldie.New(t)
	g.Assert(t, "happy_path", []byte(trace(entries, snap)))
}

func TestVerificationEntriesPerCall(t *testing.T) {
	f := newFixture(t)
	v := &stubVerifier{verdicts: []types.Verification{
		types.VerificationPending, types.VerificationPending, types.VerificationValid,
	}}
	_, err := f.orchestrator(challengeThenDeliver(), v).Start(context.Background(), "", "")
	require.NoError(t, err)

	entries := f.bus.Snapshot()
	submitted := slices.IndexFunc(entries, func(e types.Entry) bool { return e.Kind == types.KindPaymentSubmission })
	delivered := slices.IndexFunc(entries, func(e types.Entry) bool { return e.Kind == types.KindServiceDelivered })
	require.Positive(t, submitted)
	require.Greater(t, delivered, submitted)

	between := entries[submitted+1 : delivered]
	assert.Equal(t, []types.EntryKind{types.KindInfo, types.KindInfo, types.KindPaymentVerified}, kinds(between))
}

func TestVerificationExhausted(t *testing.T) {
	f := newFixture(t)
	v := &stubVerifier{}
	snap, err := f.orchestrator(challengeThenDeliver(), v).Start(context.Background(), "", "")

	require.ErrorIs(t, err, types.ErrVerificationExhausted)
	reason, ok := types.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, types.ReasonVerificationExhausted, reason)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, 3, v.verifyCalls())
	assert.Equal(t, 3, snap.VerificationAttempts)

	entries := f.bus.Snapshot()
	last := entries[len(entries)-1]
	assert.Equal(t, types.KindPaymentFailed, last.Kind)
	assert.Equal(t, "VerificationExhausted", last.Attributes[types.AttrReason])
	assert.Equal(t, types.SystemAgentID, last.AgentID)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 3, v.verifyCalls(), "no verification after exhaustion")
}

func TestVerificationRejected(t *testing.T) {
	f := newFixture(t)
	gw := challengeThenDeliver()
	v := &stubVerifier{verdicts: []types.Verification{types.VerificationInvalid}}
	snap, err := f.orchestrator(gw, v).Start(context.Background(), "", "")

	require.ErrorIs(t, err, types.ErrVerificationRejected)
	assert.Equal(t, types.ReasonVerificationRejected, snap.Reason)
	assert.Equal(t, 1, v.verifyCalls())
	assert.Len(t, gw.calls(), 1, "rejected proof is never redeemed")

	entries := f.bus.Snapshot()
	assert.Equal(t, types.KindPaymentFailed, entries[len(entries)-1].Kind)
}

func TestVerifierErrorsAreTransient(t *testing.T) {
	f := newFixture(t)
	v := &stubVerifier{
		verdicts:  []types.Verification{"", types.VerificationValid},
		verifyErr: []error{errors.New("node timeout")},
	}
	snap, err := f.orchestrator(challengeThenDeliver(), v).Start(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, StateDelivered, snap.State)
	assert.Equal(t, 2, v.verifyCalls())

	entries := f.bus.Snapshot()
	var statuses []any
	for _, e := range entries {
		if s, ok := e.Attributes[types.AttrStatus]; ok {
			statuses = append(statuses, s)
		}
	}
	assert.Equal(t, []any{"error"}, statuses)
}

func TestChallengeSubmittedUnmodified(t *testing.T) {
	f := newFixture(t)
	c := types.PaymentChallenge{Amount: 0.1, Currency: "APT", PayTo: "addr1"}
	gw := &stubGateway{responses: []types.GatewayResponse{{Challenge: &c}}}
	v := &stubVerifier{verdicts: []types.Verification{types.VerificationValid}}

	snap, err := f.orchestrator(gw, v).Start(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, []types.PaymentChallenge{{Amount: 0.1, Currency: "APT", PayTo: "addr1"}}, v.submissions())
	require.NotNil(t, snap.Challenge)
	assert.Equal(t, c, *snap.Challenge)

	entries := f.bus.Snapshot()
	challenged := entries[slices.IndexFunc(entries, func(e types.Entry) bool { return e.Kind == types.KindPaymentChallenge })]
	assert.Equal(t, types.AgentID("fridge_001"), challenged.AgentID)
	assert.Equal(t, 0.1, challenged.Attributes[types.AttrPrice])
	assert.Equal(t, "APT", challenged.Attributes[types.AttrCurrency])
	assert.Equal(t, "addr1", challenged.Attributes[types.AttrRecipient])
}

func TestConcurrentStartRejected(t *testing.T) {
	f := newFixture(t)
	v := &stubVerifier{
		verdicts: []types.Verification{types.VerificationValid},
		entered:  make(chan int, 8),
		block:    make(chan struct{}),
	}
	o := f.orchestrator(challengeThenDeliver(), v)

	done := make(chan error, 1)
	id, err := o.Launch(context.Background(), "", "", func(_ Snapshot, err error) { done <- err })
	require.NoError(t, err)
	<-v.entered

	before := f.bus.Len()
	_, err = o.Start(context.Background(), "", "")
	require.ErrorIs(t, err, types.ErrAttemptInProgress)
	_, err = o.Launch(context.Background(), "", "", nil)
	require.ErrorIs(t, err, types.ErrAttemptInProgress)
	assert.Equal(t, before, f.bus.Len(), "rejected start must not touch the conversation")

	cur, ok := o.Current()
	require.True(t, ok)
	assert.Equal(t, id, cur.ID)
	assert.Equal(t, StateVerifying, cur.State)
	assert.True(t, o.Active())

	close(v.block)
	require.NoError(t, <-done)
	assert.False(t, o.Active())

	cur, ok = o.Current()
	require.True(t, ok)
	assert.Equal(t, StateDelivered, cur.State)
	assert.NotNil(t, cur.EndedAt)
}

func TestCancelDuringVerification(t *testing.T) {
	f := newFixture(t)
	v := &stubVerifier{entered: make(chan int, 8)}
	o := New(f.reg, f.bus, challengeThenDeliver(), v,
		WithRetryPolicy(&RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 1, MaxDelay: time.Hour}))

	done := make(chan error, 1)
	_, err := o.Launch(context.Background(), "", "", func(_ Snapshot, err error) { done <- err })
	require.NoError(t, err)
	<-v.entered

	assert.True(t, o.Cancel())

	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not stop the retry wait")
	}
	require.ErrorIs(t, err, types.ErrCancelled)
	assert.Equal(t, 1, v.verifyCalls())

	var cancelled int
	for _, e := range f.bus.Snapshot() {
		if e.Attributes[types.AttrReason] == "Cancelled" {
			cancelled++
			assert.Equal(t, types.KindError, e.Kind)
		}
	}
	assert.Equal(t, 1, cancelled)

	cur, _ := o.Current()
	assert.Equal(t, StateFailed, cur.State)
	assert.Equal(t, types.ReasonCancelled, cur.Reason)
	assert.False(t, o.Cancel(), "nothing left to cancel")
}

func TestParentContextCancellation(t *testing.T) {
	f := newFixture(t)
	v := &stubVerifier{entered: make(chan int, 8)}
	o := New(f.reg, f.bus, challengeThenDeliver(), v,
		WithRetryPolicy(&RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 1, MaxDelay: time.Hour}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	_, err := o.Launch(ctx, "", "", func(_ Snapshot, err error) { done <- err })
	require.NoError(t, err)
	<-v.entered
	cancel()

	err = <-done
	assert.ErrorIs(t, err, types.ErrCancelled)
	reason, _ := types.ReasonOf(err)
	assert.Equal(t, types.ReasonCancelled, reason)
}

func TestSubmissionError(t *testing.T) {
	f := newFixture(t)
	v := &stubVerifier{submitErr: errors.New("insufficient funds")}
	snap, err := f.orchestrator(challengeThenDeliver(), v).Start(context.Background(), "", "")

	require.ErrorIs(t, err, types.ErrSubmission)
	assert.Equal(t, types.ReasonSubmissionError, snap.Reason)
	assert.Zero(t, v.verifyCalls())
	assert.Len(t, v.submissions(), 1, "submission is not retried")

	entries := f.bus.Snapshot()
	assert.Equal(t, types.KindError, entries[len(entries)-1].Kind)
}

func TestGatewayError(t *testing.T) {
	f := newFixture(t)
	gw := &stubGateway{errs: []error{fmt.Errorf("%w: connection refused", types.ErrGateway)}}
	v := &stubVerifier{}
	snap, err := f.orchestrator(gw, v).Start(context.Background(), "", "")

	require.ErrorIs(t, err, types.ErrGateway)
	assert.Equal(t, types.ReasonGatewayError, snap.Reason)
	assert.Empty(t, v.submissions())
	assert.Equal(t, []types.EntryKind{types.KindRequest, types.KindError}, kinds(f.bus.Snapshot()))
}

func TestMalformedChallengeIsGatewayError(t *testing.T) {
	f := newFixture(t)
	gw := &stubGateway{responses: []types.GatewayResponse{{Challenge: &types.PaymentChallenge{Amount: 0.1}}}}
	_, err := f.orchestrator(gw, &stubVerifier{}).Start(context.Background(), "", "")
	assert.ErrorIs(t, err, types.ErrGateway)
}

func TestRedeemNotDelivered(t *testing.T) {
	f := newFixture(t)
	c := sodaChallenge
	gw := &stubGateway{responses: []types.GatewayResponse{{Challenge: &c}, {Challenge: &c}}}
	v := &stubVerifier{verdicts: []types.Verification{types.VerificationValid}}
	snap, err := f.orchestrator(gw, v).Start(context.Background(), "", "")

	require.ErrorIs(t, err, types.ErrGateway)
	assert.Equal(t, StateFailed, snap.State)
}

func TestDeliveredWithoutChallenge(t *testing.T) {
	f := newFixture(t)
	gw := &stubGateway{responses: []types.GatewayResponse{{Delivered: true, Status: "free soda day"}}}
	v := &stubVerifier{}
	snap, err := f.orchestrator(gw, v).Start(context.Background(), "", "")

	require.NoError(t, err)
	assert.Equal(t, StateDelivered, snap.State)
	assert.Equal(t, "free soda day", snap.Delivery)
	assert.Empty(t, v.submissions())
	assert.Equal(t, []types.EntryKind{types.KindRequest, types.KindServiceDelivered}, kinds(f.bus.Snapshot()))
}

func TestPriceOverBudgetDeclined(t *testing.T) {
	f := newFixture(t)
	v := &stubVerifier{}
	snap, err := f.orchestrator(challengeThenDeliver(), v, WithMaxPrice(0.05)).Start(context.Background(), "", "")

	require.ErrorIs(t, err, types.ErrPurchaseDeclined)
	assert.Equal(t, types.ReasonPurchaseDeclined, snap.Reason)
	assert.Empty(t, v.submissions())
	assert.Equal(t, []types.EntryKind{types.KindRequest, types.KindPaymentChallenge, types.KindError}, kinds(f.bus.Snapshot()))
}

func TestRolesUnresolved(t *testing.T) {
	reg := registry.New()
	_, err := reg.Register(types.AgentRecord{ID: "homehub_001", Role: types.RoleBuyer})
	require.NoError(t, err)
	bus := conversation.New()
	gw := challengeThenDeliver()
	o := New(reg, bus, gw, &stubVerifier{verdicts: []types.Verification{types.VerificationValid}}, WithRetryPolicy(fastRetry()))

	_, err = o.Start(context.Background(), "", "")
	require.ErrorIs(t, err, types.ErrRolesUnresolved)
	assert.Empty(t, gw.calls())

	entries := bus.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, types.KindError, entries[0].Kind)
	assert.Equal(t, "RolesUnresolved", entries[0].Attributes[types.AttrReason])

	_, err = reg.Register(types.AgentRecord{ID: "fridge_001", Role: types.RoleSeller})
	require.NoError(t, err)
	_, err = o.Start(context.Background(), "", "")
	require.NoError(t, err, "failed resolution must release the attempt slot")
}

func TestExplicitIDsMustMatchRoles(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(challengeThenDeliver(), &stubVerifier{verdicts: []types.Verification{types.VerificationValid}})

	_, err := o.Start(context.Background(), "fridge_001", "homehub_001")
	require.ErrorIs(t, err, types.ErrRolesUnresolved)

	_, err = o.Start(context.Background(), "nobody", "fridge_001")
	require.ErrorIs(t, err, types.ErrRolesUnresolved)
	assert.ErrorIs(t, err, types.ErrUnknownAgent)

	snap, err := o.Start(context.Background(), "homehub_001", "fridge_001")
	require.NoError(t, err)
	assert.Equal(t, types.AgentID("homehub_001"), snap.BuyerID)
	assert.Equal(t, types.AgentID("fridge_001"), snap.SellerID)
}

func TestTextGeneratorFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	v := &stubVerifier{verdicts: []types.Verification{types.VerificationValid}}
	_, err := f.orchestrator(challengeThenDeliver(), v, WithTextGenerator(failingText{})).Start(context.Background(), "", "")
	require.NoError(t, err)

	for _, e := range f.bus.Snapshot() {
		assert.NotEmpty(t, e.Text, e.Kind)
	}
}

func TestShutdownCancelsBackgroundAttempt(t *testing.T) {
	f := newFixture(t)
	v := &stubVerifier{entered: make(chan int, 8)}
	o := New(f.reg, f.bus, challengeThenDeliver(), v,
		WithRetryPolicy(&RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 1, MaxDelay: time.Hour}))

	_, err := o.Launch(context.Background(), "", "", nil)
	require.NoError(t, err)
	<-v.entered

	o.Shutdown()
	assert.False(t, o.Active())
}
