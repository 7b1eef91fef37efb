package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fulfillment-engine/internal/kv"
	"github.com/sells-group/fulfillment-engine/internal/ledger"
	"github.com/sells-group/fulfillment-engine/internal/model"
	"github.com/sells-group/fulfillment-engine/internal/store"
)

func TestChecker_Check(t *testing.T) {
	mem := kv.NewMemory(0)
	t.Cleanup(func() { mem.Close() })
	led := ledger.New(mem, 3)

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()

	// Session with a claim held for 3 hours, still processing.
	stuckSess, err := st.CreateSession(ctx, store.NewSession{
		Tier: model.TierFull, ProblemStatement: "p", Reference: "0xstuck",
	})
	require.NoError(t, err)
	require.NoError(t, st.UpdateSessionStatus(ctx, stuckSess.ID, model.SessionProcessing))
	_, err = led.Claim(ctx, "0xstuck")
	require.NoError(t, err)

	// Claim whose owner died before the processing transition; the session
	// is still pending.
	pendingSess, err := st.CreateSession(ctx, store.NewSession{
		Tier: model.TierStandard, ProblemStatement: "p", Reference: "0xpending",
	})
	require.NoError(t, err)
	_, err = led.Claim(ctx, "0xpending")
	require.NoError(t, err)

	// Completed claim, never reported.
	doneSess, err := st.CreateSession(ctx, store.NewSession{
		Tier: model.TierBasic, ProblemStatement: "p", Reference: "0xdone",
	})
	require.NoError(t, err)
	require.NoError(t, st.UpdateSessionStatus(ctx, doneSess.ID, model.SessionProcessing))
	_, err = led.Claim(ctx, "0xdone")
	require.NoError(t, err)
	require.NoError(t, led.Complete(ctx, "0xdone"))

	checker := NewChecker(st, led, 2*time.Hour, time.Minute)
	checker.nowFunc = func() time.Time { return time.Now().Add(3 * time.Hour) }

	stuck, err := checker.Check(ctx)
	require.NoError(t, err)

	refs := make(map[string]StuckClaim, len(stuck))
	for _, s := range stuck {
		refs[s.Reference] = s
	}
	require.Contains(t, refs, "0xstuck")
	assert.NotContains(t, refs, "0xdone")
	assert.Equal(t, ledger.StateClaimed, refs["0xstuck"].State)
	assert.GreaterOrEqual(t, refs["0xstuck"].HeldFor, 2*time.Hour)

	require.Contains(t, refs, "0xpending")
	assert.Equal(t, pendingSess.ID, refs["0xpending"].SessionID)
}

func TestChecker_NoStuckClaims(t *testing.T) {
	mem := kv.NewMemory(0)
	t.Cleanup(func() { mem.Close() })
	led := ledger.New(mem, 3)

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	sess, err := st.CreateSession(ctx, store.NewSession{
		Tier: model.TierBasic, ProblemStatement: "p", Reference: "0xnew",
	})
	require.NoError(t, err)
	require.NoError(t, st.UpdateSessionStatus(ctx, sess.ID, model.SessionProcessing))
	_, err = led.Claim(ctx, "0xnew")
	require.NoError(t, err)

	checker := NewChecker(st, led, 2*time.Hour, time.Minute)
	stuck, err := checker.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}
