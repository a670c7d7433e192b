package feeschedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miko-network/keeper/internal/types"
)

type mockLedger struct {
	readFn   func(ctx context.Context) (uint16, error)
	applyFn  func(ctx context.Context, bps uint16, finalize bool) (string, error)
	launchFn func(ctx context.Context) (*time.Time, error)
	blockFn  func(ctx context.Context) (time.Time, error)
}

func (m *mockLedger) ReadCurrentFeeRate(ctx context.Context) (uint16, error) {
	return m.readFn(ctx)
}
func (m *mockLedger) ApplyFeeRateUpdate(ctx context.Context, bps uint16, finalize bool) (string, error) {
	return m.applyFn(ctx, bps, finalize)
}
func (m *mockLedger) LaunchTimestamp(ctx context.Context) (*time.Time, error) {
	return m.launchFn(ctx)
}
func (m *mockLedger) BlockTime(ctx context.Context) (time.Time, error) {
	if m.blockFn != nil {
		return m.blockFn(ctx)
	}
	return time.Time{}, errors.New("no block time")
}

type mockStore struct {
	finalized bool
	readErr   error
	markErr   error
	marks     int
}

func (m *mockStore) IsFeeFinalized(ctx context.Context) (bool, error) {
	return m.finalized, m.readErr
}
func (m *mockStore) MarkFeeFinalized(ctx context.Context) error {
	if m.markErr != nil {
		return m.markErr
	}
	m.marks++
	m.finalized = true
	return nil
}

func TestCurrentRateBoundaries(t *testing.T) {
	launch := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name          string
		elapsed       time.Duration
		wantBps       uint16
		wantFinalized bool
	}{
		{"at launch", 0, types.LaunchFeeBps, false},
		{"just before five minutes", 299 * time.Second, types.LaunchFeeBps, false},
		{"at five minutes", 300 * time.Second, types.MidFeeBps, false},
		{"just before ten minutes", 599 * time.Second, types.MidFeeBps, false},
		{"at ten minutes", 600 * time.Second, types.PermanentFeeBps, true},
		{"long after launch", 48 * time.Hour, types.PermanentFeeBps, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bps, finalized := CurrentRate(launch.Add(tc.elapsed), &launch)
			assert.Equal(t, tc.wantBps, bps)
			assert.Equal(t, tc.wantFinalized, finalized)
		})
	}

	t.Run("nil launch holds the launch rate", func(t *testing.T) {
		bps, finalized := CurrentRate(time.Now(), nil)
		assert.Equal(t, types.LaunchFeeBps, bps)
		assert.False(t, finalized)
	})
}

func newTestEngine(t *testing.T, ledger RateLedger, store FinalityStore, clock clockwork.Clock) *Engine {
	t.Helper()
	engine, err := NewEngine(Config{Ledger: ledger, Store: store, Clock: clock})
	require.NoError(t, err)
	return engine
}

func TestCheckAndApplyLowersRate(t *testing.T) {
	launch := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(launch.Add(301 * time.Second))

	applied := []uint16{}
	ledger := &mockLedger{
		readFn:   func(context.Context) (uint16, error) { return types.LaunchFeeBps, nil },
		launchFn: func(context.Context) (*time.Time, error) { return &launch, nil },
		applyFn: func(_ context.Context, bps uint16, finalize bool) (string, error) {
			applied = append(applied, bps)
			assert.False(t, finalize)
			return "sig1", nil
		},
	}
	store := &mockStore{}
	engine := newTestEngine(t, ledger, store, clock)

	sched, err := engine.CheckAndApply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint16{types.MidFeeBps}, applied)
	assert.Equal(t, types.MidFeeBps, sched.CurrentRateBps)
	assert.False(t, sched.Finalized)
	assert.Zero(t, store.marks)
}

func TestCheckAndApplyFinalizes(t *testing.T) {
	launch := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(launch.Add(601 * time.Second))

	var gotFinalize bool
	ledger := &mockLedger{
		readFn:   func(context.Context) (uint16, error) { return types.MidFeeBps, nil },
		launchFn: func(context.Context) (*time.Time, error) { return &launch, nil },
		applyFn: func(_ context.Context, bps uint16, finalize bool) (string, error) {
			assert.Equal(t, types.PermanentFeeBps, bps)
			gotFinalize = finalize
			return "sig2", nil
		},
	}
	store := &mockStore{}
	engine := newTestEngine(t, ledger, store, clock)

	sched, err := engine.CheckAndApply(context.Background())
	require.NoError(t, err)
	assert.True(t, gotFinalize)
	assert.True(t, sched.Finalized)
	assert.Equal(t, 1, store.marks)

	// Subsequent calls short-circuit on the in-memory marker.
	ledger.readFn = func(context.Context) (uint16, error) {
		t.Fatal("ledger read after finality")
		return 0, nil
	}
	sched, err = engine.CheckAndApply(context.Background())
	require.NoError(t, err)
	assert.True(t, sched.Finalized)
}

func TestCheckAndApplyNeverRaisesRate(t *testing.T) {
	launch := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	// Schedule says 3000 but the ledger already shows 1500.
	clock := clockwork.NewFakeClockAt(launch.Add(10 * time.Second))

	ledger := &mockLedger{
		readFn:   func(context.Context) (uint16, error) { return types.MidFeeBps, nil },
		launchFn: func(context.Context) (*time.Time, error) { return &launch, nil },
		applyFn: func(context.Context, uint16, bool) (string, error) {
			t.Fatal("rate must never be raised")
			return "", nil
		},
	}
	engine := newTestEngine(t, ledger, &mockStore{}, clock)

	sched, err := engine.CheckAndApply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.MidFeeBps, sched.CurrentRateBps)
}

func TestCheckAndApplyAlreadyAtPermanentRate(t *testing.T) {
	launch := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(launch.Add(700 * time.Second))

	ledger := &mockLedger{
		readFn:   func(context.Context) (uint16, error) { return types.PermanentFeeBps, nil },
		launchFn: func(context.Context) (*time.Time, error) { return &launch, nil },
		applyFn: func(context.Context, uint16, bool) (string, error) {
			t.Fatal("no update needed at the permanent rate")
			return "", nil
		},
	}
	store := &mockStore{}
	engine := newTestEngine(t, ledger, store, clock)

	sched, err := engine.CheckAndApply(context.Background())
	require.NoError(t, err)
	assert.True(t, sched.Finalized)
	assert.Equal(t, 1, store.marks)
}

func TestCheckAndApplyReadFailureSkipsTick(t *testing.T) {
	launch := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(launch.Add(400 * time.Second))

	ledger := &mockLedger{
		readFn:   func(context.Context) (uint16, error) { return 0, errors.New("rpc down") },
		launchFn: func(context.Context) (*time.Time, error) { return &launch, nil },
		applyFn: func(context.Context, uint16, bool) (string, error) {
			t.Fatal("no update without a rate read")
			return "", nil
		},
	}
	engine := newTestEngine(t, ledger, &mockStore{}, clock)

	_, err := engine.CheckAndApply(context.Background())
	assert.Error(t, err)
}

func TestCheckAndApplyUpdateFailureRetriesNextTick(t *testing.T) {
	launch := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(launch.Add(400 * time.Second))

	attempts := 0
	ledger := &mockLedger{
		readFn:   func(context.Context) (uint16, error) { return types.LaunchFeeBps, nil },
		launchFn: func(context.Context) (*time.Time, error) { return &launch, nil },
		applyFn: func(context.Context, uint16, bool) (string, error) {
			attempts++
			if attempts == 1 {
				return "", errors.New("blockhash expired")
			}
			return "sig3", nil
		},
	}
	engine := newTestEngine(t, ledger, &mockStore{}, clock)

	_, err := engine.CheckAndApply(context.Background())
	assert.Error(t, err)

	sched, err := engine.CheckAndApply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.MidFeeBps, sched.CurrentRateBps)
	assert.Equal(t, 2, attempts)
}

func TestCheckAndApplyPersistedFinalitySkipsLedger(t *testing.T) {
	ledger := &mockLedger{
		readFn: func(context.Context) (uint16, error) {
			t.Fatal("ledger read despite persisted finality")
			return 0, nil
		},
		launchFn: func(context.Context) (*time.Time, error) {
			t.Fatal("launch read despite persisted finality")
			return nil, nil
		},
		applyFn: func(context.Context, uint16, bool) (string, error) { return "", nil },
	}
	engine := newTestEngine(t, ledger, &mockStore{finalized: true}, clockwork.NewFakeClock())

	sched, err := engine.CheckAndApply(context.Background())
	require.NoError(t, err)
	assert.True(t, sched.Finalized)
	assert.Equal(t, types.PermanentFeeBps, sched.CurrentRateBps)
}

func TestCheckAndApplyPreLaunch(t *testing.T) {
	ledger := &mockLedger{
		readFn:   func(context.Context) (uint16, error) { return types.LaunchFeeBps, nil },
		launchFn: func(context.Context) (*time.Time, error) { return nil, nil },
		applyFn: func(context.Context, uint16, bool) (string, error) {
			t.Fatal("no update before launch")
			return "", nil
		},
	}
	engine := newTestEngine(t, ledger, &mockStore{}, clockwork.NewFakeClock())

	sched, err := engine.CheckAndApply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.LaunchFeeBps, sched.CurrentRateBps)
	assert.False(t, sched.Finalized)
}

func TestCheckAndApplyPrefersBlockTime(t *testing.T) {
	launch := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	// Local clock says mid tier, the cluster clock says still launch tier.
	clock := clockwork.NewFakeClockAt(launch.Add(450 * time.Second))

	ledger := &mockLedger{
		readFn:   func(context.Context) (uint16, error) { return types.LaunchFeeBps, nil },
		launchFn: func(context.Context) (*time.Time, error) { return &launch, nil },
		blockFn:  func(context.Context) (time.Time, error) { return launch.Add(100 * time.Second), nil },
		applyFn: func(context.Context, uint16, bool) (string, error) {
			t.Fatal("cluster clock still inside the launch tier")
			return "", nil
		},
	}
	engine := newTestEngine(t, ledger, &mockStore{}, clock)

	sched, err := engine.CheckAndApply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.LaunchFeeBps, sched.CurrentRateBps)
}
