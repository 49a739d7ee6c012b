package tracker_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vreid/kakeru/internal/pkg/chain"
	"github.com/vreid/kakeru/internal/pkg/chain/memchain"
	"github.com/vreid/kakeru/internal/pkg/match"
	"github.com/vreid/kakeru/internal/pkg/match/matchtest"
	"github.com/vreid/kakeru/internal/pkg/settlement"
	"github.com/vreid/kakeru/internal/pkg/tracker"
	"go.uber.org/atomic"
)

func newTracker(f *matchtest.Fixture) *tracker.TrackerService {
	engine := settlement.New(f.Registry, f.Vault, time.Second, nil, zerolog.Nop())

	return tracker.New(f.Registry, engine, 0, zerolog.Nop())
}

func kinds(events []match.Event) []match.EventKind {
	out := make([]match.EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}

	return out
}

func TestCheckDepositsMarksReady(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1})
	s := newTracker(f)
	ctx := context.Background()

	m := f.Create(t, 100, 2)
	players := f.Fill(t, m.ID)

	ready, err := s.CheckDeposits(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, ready)

	f.Fund(t, m.ID, players...)
	f.Drain()

	ready, err = s.CheckDeposits(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, ready)

	current, err := f.Registry.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, match.StateReady, current.State)

	for _, p := range current.Players {
		assert.True(t, p.Deposited)
		assert.Equal(t, chain.Amount(100), p.DepositAmount)
	}

	assert.Equal(t,
		[]match.EventKind{match.EventTransition, match.EventDeposit, match.EventDeposit},
		kinds(f.Drain()))
}

func TestCheckDepositsIsIdempotentOnceReady(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1})
	s := newTracker(f)
	ctx := context.Background()

	m := f.Create(t, 100, 2)
	players := f.Fill(t, m.ID)
	f.Fund(t, m.ID, players...)

	_, err := s.CheckDeposits(ctx, m.ID)
	require.NoError(t, err)

	before, err := f.Registry.Get(m.ID)
	require.NoError(t, err)

	f.Drain()
	reads := f.Ledger.Reads()

	for range 3 {
		ready, err := s.CheckDeposits(ctx, m.ID)
		require.NoError(t, err)
		assert.True(t, ready)
	}

	after, err := f.Registry.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, f.Drain())
	assert.Equal(t, reads, f.Ledger.Reads())
}

func TestCheckDepositsLeavesMatchAloneOnAdapterFailure(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1})
	s := newTracker(f)
	ctx := context.Background()

	m := f.Create(t, 100, 2)
	players := f.Fill(t, m.ID)
	f.Fund(t, m.ID, players...)

	before, err := f.Registry.Get(m.ID)
	require.NoError(t, err)

	f.Drain()
	f.Ledger.FailReads(1)

	_, err = s.CheckDeposits(ctx, m.ID)
	require.ErrorIs(t, err, chain.ErrUnavailable)

	after, err := f.Registry.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, f.Drain())

	ready, err := s.CheckDeposits(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestCheckDepositsWithAttribution(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1, Attribution: true})
	s := newTracker(f)
	ctx := context.Background()

	m := f.Create(t, 100, 2)
	players := f.Fill(t, m.ID)

	f.Ledger.Deposit(players[1], m.EscrowAccount, 100)
	f.Ledger.Deposit(players[0], m.EscrowAccount, 60)
	// Money from a stranger is nobody's stake.
	f.Ledger.Deposit(f.Ledger.NewAddress(), m.EscrowAccount, 500)

	ready, err := s.CheckDeposits(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, ready)

	current, err := f.Registry.Get(m.ID)
	require.NoError(t, err)
	assert.False(t, current.Players[0].Deposited)
	assert.Equal(t, chain.Amount(60), current.Players[0].DepositAmount)
	assert.True(t, current.Players[1].Deposited)
	assert.Equal(t, match.StateFull, current.State)

	f.Ledger.Deposit(players[0], m.EscrowAccount, 40)

	ready, err = s.CheckDeposits(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestCheckDepositsWhileWaiting(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1})
	s := newTracker(f)

	m := f.Create(t, 100, 3)
	player := f.Join(t, m.ID)
	f.Fund(t, m.ID, player)

	ready, err := s.CheckDeposits(context.Background(), m.ID)
	require.NoError(t, err)
	assert.False(t, ready)

	current, err := f.Registry.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, match.StateWaiting, current.State)
	assert.True(t, current.Players[0].Deposited)

	// READY needs a full roster as well as the deposits.
	players := f.Fill(t, m.ID)
	f.Fund(t, m.ID, players[1:]...)

	ready, err = s.CheckDeposits(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestCheckDepositsRejectsSettledStates(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1})
	s := newTracker(f)
	ctx := context.Background()

	m := f.Create(t, 100, 2)
	f.Fill(t, m.ID)

	engine := settlement.New(f.Registry, f.Vault, time.Second, nil, zerolog.Nop())
	_, err := engine.Refund(ctx, m.ID)
	require.NoError(t, err)

	_, err = s.CheckDeposits(ctx, m.ID)
	require.ErrorIs(t, err, match.ErrInvalidState)

	_, err = s.CheckDeposits(ctx, "missing")
	require.ErrorIs(t, err, match.ErrNotFound)
}

func TestPollRefundsExpiredMatches(t *testing.T) {
	t.Parallel()

	clock := atomic.NewTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1, Attribution: true}, func(cfg *match.Config) {
		cfg.DefaultExpiry = time.Minute
		cfg.Now = clock.Load
	})
	s := newTracker(f)
	ctx := context.Background()

	expiring := f.Create(t, 100, 2)
	players := f.Fill(t, expiring.ID)
	f.Fund(t, expiring.ID, players[0])

	clock.Store(clock.Load().Add(30 * time.Second))

	fresh := f.Create(t, 100, 2)
	freshPlayers := f.Fill(t, fresh.ID)
	f.Fund(t, fresh.ID, freshPlayers...)

	clock.Store(clock.Load().Add(45 * time.Second))

	s.Poll(ctx)

	refunded, err := f.Registry.Get(expiring.ID)
	require.NoError(t, err)
	assert.Equal(t, match.StateRefunded, refunded.State)

	b, err := f.Ledger.Balance(ctx, players[0])
	require.NoError(t, err)
	assert.Equal(t, chain.Amount(99), b)

	ready, err := f.Registry.Get(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, match.StateReady, ready.State)
}

type refunderMock struct {
	mock.Mock
}

func (m *refunderMock) Refund(ctx context.Context, id string) (*settlement.Result, error) {
	args := m.Called(ctx, id)

	result, _ := args.Get(0).(*settlement.Result)

	return result, args.Error(1)
}

func TestPollSkipsMatchesThatAreNotDue(t *testing.T) {
	t.Parallel()

	clock := atomic.NewTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1}, func(cfg *match.Config) {
		cfg.DefaultExpiry = time.Minute
		cfg.Now = clock.Load
	})

	expired := f.Create(t, 100, 2)
	ready := f.Create(t, 100, 2)
	f.Fund(t, ready.ID, f.Fill(t, ready.ID)...)
	f.MarkReady(t, ready.ID)

	clock.Store(clock.Load().Add(2 * time.Minute))

	started := f.Create(t, 100, 2)
	f.Fill(t, started.ID)
	f.MarkReady(t, started.ID)
	_, err := f.Registry.Start(context.Background(), started.ID)
	require.NoError(t, err)

	clock.Store(clock.Load().Add(2 * time.Minute))

	refunder := &refunderMock{}
	refunder.On("Refund", mock.Anything, expired.ID).Return(nil, settlement.ErrInsufficientFunds).Once()
	//nolint:exhaustruct
	refunder.On("Refund", mock.Anything, ready.ID).Return(&settlement.Result{MatchID: ready.ID}, nil).Once()

	s := tracker.New(f.Registry, refunder, 0, zerolog.Nop())
	s.Poll(context.Background())

	// A started match is never refunded, however old.
	refunder.AssertExpectations(t)
	refunder.AssertNotCalled(t, "Refund", mock.Anything, started.ID)
}
