package fulfill

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/fulfillment-engine/internal/generation"
	"github.com/sells-group/fulfillment-engine/internal/kv"
	"github.com/sells-group/fulfillment-engine/internal/ledger"
	"github.com/sells-group/fulfillment-engine/internal/model"
	"github.com/sells-group/fulfillment-engine/internal/payment"
	"github.com/sells-group/fulfillment-engine/internal/store"
)

const txRef = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type fakeVerifier struct {
	valid  bool
	reason string
	err    error
	calls  atomic.Int64
}

func (f *fakeVerifier) Verify(_ context.Context, rail model.PaymentRail, raw string) (payment.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return payment.Result{}, f.err
	}
	if !f.valid {
		return payment.Result{Valid: false, Reason: f.reason}, nil
	}
	return payment.Result{
		Valid: true,
		Confirmation: &model.PaymentConfirmation{
			Reference: rail.Reference(raw),
			Tier:      model.TierStandard,
		},
	}, nil
}

type fakeGenerator struct {
	err   error
	runs  atomic.Int64
	delay time.Duration
}

func (f *fakeGenerator) Run(_ context.Context, _ *model.Session) error {
	f.runs.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.err
}

type fixture struct {
	orch   *Orchestrator
	ledger *ledger.Ledger
	store  *store.SQLiteStore
	verif  *fakeVerifier
	gen    *fakeGenerator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := kv.NewMemory(0)
	t.Cleanup(func() { mem.Close() })
	led := ledger.New(mem, 3)

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "fulfill.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	plans, err := generation.LoadPlans()
	require.NoError(t, err)

	verif := &fakeVerifier{valid: true}
	gen := &fakeGenerator{}
	orch := &Orchestrator{
		ledger:   led,
		verifier: verif,
		store:    st,
		machine:  gen,
		plans:    plans,
		nowFunc:  time.Now,
	}
	return &fixture{orch: orch, ledger: led, store: st, verif: verif, gen: gen}
}

func (f *fixture) createSession(t *testing.T, reference string) *model.Session {
	t.Helper()
	sess, err := f.store.CreateSession(context.Background(), store.NewSession{
		Tier:             model.TierStandard,
		ProblemStatement: "evaluate the widget market",
		Reference:        reference,
	})
	require.NoError(t, err)
	return sess
}

func TestFulfill_HappyPath(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, txRef)

	res, err := f.orch.Fulfill(context.Background(), model.RailOnChain, txRef)
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, res.Status)
	assert.Equal(t, sess.ID, res.SessionID)
	assert.Equal(t, int64(1), f.gen.runs.Load())

	got, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, got.Status)
	assert.NotNil(t, got.EstimatedCompletionAt)

	rec, found, err := f.ledger.Get(context.Background(), txRef)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ledger.StateCompleted, rec.State)
}

func TestFulfill_ReplayAfterCompletion(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, txRef)

	_, err := f.orch.Fulfill(context.Background(), model.RailOnChain, txRef)
	require.NoError(t, err)

	res, err := f.orch.Fulfill(context.Background(), model.RailOnChain, txRef)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)
	assert.Equal(t, sess.ID, res.SessionID)
	assert.Equal(t, int64(1), f.gen.runs.Load())
}

func TestFulfill_ConcurrentDuplicatesRunOnce(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, txRef)
	f.gen.delay = 20 * time.Millisecond

	var fulfilled, duplicate atomic.Int64
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			res, err := f.orch.Fulfill(context.Background(), model.RailOnChain, txRef)
			if err != nil {
				return err
			}
			switch res.Status {
			case StatusFulfilled:
				fulfilled.Add(1)
			case StatusDuplicate:
				duplicate.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), fulfilled.Load())
	assert.Equal(t, int64(15), duplicate.Load())
	assert.Equal(t, int64(1), f.gen.runs.Load())
}

func TestFulfill_InvalidPaymentReleasesClaim(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, txRef)
	f.verif.valid = false
	f.verif.reason = "underpaid"

	res, err := f.orch.Fulfill(context.Background(), model.RailOnChain, txRef)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, "underpaid", res.Reason)
	assert.Equal(t, int64(0), f.gen.runs.Load())

	_, found, err := f.ledger.Get(context.Background(), txRef)
	require.NoError(t, err)
	assert.False(t, found)

	// Corrected payment retries successfully.
	f.verif.valid = true
	res, err = f.orch.Fulfill(context.Background(), model.RailOnChain, txRef)
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, res.Status)
}

func TestFulfill_InvalidPaymentMarksSessionFailed(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, txRef)
	f.verif.valid = false
	f.verif.reason = "wrong recipient"

	res, err := f.orch.Fulfill(context.Background(), model.RailOnChain, txRef)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, sess.ID, res.SessionID)

	got, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, got.Status)

	// A corrected payment moves the session back through processing.
	f.verif.valid = true
	res, err = f.orch.Fulfill(context.Background(), model.RailOnChain, txRef)
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, res.Status)

	got, err = f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, got.Status)
}

func TestFulfill_VerificationErrorReleasesClaim(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, txRef)
	f.verif.err = errors.New("rpc node unreachable")

	_, err := f.orch.Fulfill(context.Background(), model.RailOnChain, txRef)
	require.Error(t, err)

	_, found, err := f.ledger.Get(context.Background(), txRef)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFulfill_GenerationFailureRetainsClaim(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, txRef)
	f.gen.err = errors.New("stage 4 timed out")

	_, err := f.orch.Fulfill(context.Background(), model.RailOnChain, txRef)
	require.Error(t, err)

	got, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, got.Status)

	rec, found, err := f.ledger.Get(context.Background(), txRef)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ledger.StateClaimed, rec.State)

	// A replayed webhook must not restart the paid work.
	res, err := f.orch.Fulfill(context.Background(), model.RailOnChain, txRef)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)
	assert.Equal(t, int64(1), f.gen.runs.Load())
}

func TestFulfill_WebhookRailNormalizesReference(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "stripe_cs_test_9")

	res, err := f.orch.Fulfill(context.Background(), model.RailStripe, "cs_test_9")
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, res.Status)
	assert.Equal(t, "stripe_cs_test_9", res.Reference)
}

func TestBeginFinish_AsyncSplit(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, txRef)

	res, pending, err := f.orch.Begin(context.Background(), model.RailOnChain, txRef)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, sess.ID, res.SessionID)
	assert.Equal(t, int64(0), f.gen.runs.Load())

	// The claim is held between Begin and Finish: duplicates are cut off.
	dup, dupPending, err := f.orch.Begin(context.Background(), model.RailOnChain, txRef)
	require.NoError(t, err)
	assert.Nil(t, dupPending)
	assert.Equal(t, StatusDuplicate, dup.Status)

	final, err := f.orch.Finish(context.Background(), pending)
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, final.Status)
	assert.Equal(t, int64(1), f.gen.runs.Load())
}

func TestResume_StuckClaim(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, txRef)
	f.gen.err = errors.New("upstream down")

	_, err := f.orch.Fulfill(context.Background(), model.RailOnChain, txRef)
	require.Error(t, err)

	f.gen.err = nil
	res, err := f.orch.Resume(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, res.Status)
	assert.Equal(t, int64(2), f.gen.runs.Load())

	rec, found, err := f.ledger.Get(context.Background(), txRef)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ledger.StateCompleted, rec.State)
}

func TestResume_FreshClaimRefused(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, txRef)
	f.gen.err = errors.New("upstream down")

	_, err := f.orch.Fulfill(context.Background(), model.RailOnChain, txRef)
	require.Error(t, err)
	f.gen.err = nil

	// The claim was taken moments ago; its owner could still be running.
	f.orch.ResumeThreshold = 2 * time.Hour
	_, err = f.orch.Resume(context.Background(), sess.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner may still be running")
	assert.Equal(t, int64(1), f.gen.runs.Load())

	// Past the threshold the claim counts as stuck and resume proceeds.
	f.orch.nowFunc = func() time.Time { return time.Now().Add(3 * time.Hour) }
	res, err := f.orch.Resume(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFulfilled, res.Status)
	assert.Equal(t, int64(2), f.gen.runs.Load())
}

func TestResume_CompletedClaimIsNoop(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, txRef)

	_, err := f.orch.Fulfill(context.Background(), model.RailOnChain, txRef)
	require.NoError(t, err)

	res, err := f.orch.Resume(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)
	assert.Equal(t, int64(1), f.gen.runs.Load())
}

func TestResume_NoClaim(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, txRef)

	_, err := f.orch.Resume(context.Background(), sess.ID)
	assert.Error(t, err)
}

func TestResume_BudgetExhausted(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, txRef)
	f.gen.err = errors.New("persistent failure")

	_, err := f.orch.Fulfill(context.Background(), model.RailOnChain, txRef)
	require.Error(t, err)

	// Attempts 2 and 3 spend the remaining budget.
	for i := 0; i < 2; i++ {
		_, err = f.orch.Resume(context.Background(), sess.ID)
		require.Error(t, err)
	}

	// Budget of 3 exhausted: further resumes refuse to re-claim.
	_, err = f.orch.Resume(context.Background(), sess.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry budget exhausted")
	assert.Equal(t, int64(3), f.gen.runs.Load())
}
