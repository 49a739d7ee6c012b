package settlement_test

import (
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/kakeru/internal/pkg/chain"
	"github.com/vreid/kakeru/internal/pkg/chain/memchain"
	"github.com/vreid/kakeru/internal/pkg/keys"
	"github.com/vreid/kakeru/internal/pkg/match"
	"github.com/vreid/kakeru/internal/pkg/match/matchtest"
	"github.com/vreid/kakeru/internal/pkg/settlement"
	"github.com/vreid/kakeru/internal/pkg/vault"
)

func newEngine(f *matchtest.Fixture) *settlement.Engine {
	return settlement.New(f.Registry, f.Vault, 100*time.Millisecond, nil, zerolog.Nop())
}

func balance(t *testing.T, f *matchtest.Fixture, address string) chain.Amount {
	t.Helper()

	b, err := f.Ledger.Balance(context.Background(), address)
	require.NoError(t, err)

	return b
}

func TestDistributePaysWinner(t *testing.T) {
	t.Parallel()

	for _, family := range []chain.Family{chain.FamilyAccount, chain.FamilyUTXO} {
		t.Run(string(family), func(t *testing.T) {
			t.Parallel()

			//nolint:exhaustruct
			f := matchtest.New(t, memchain.Config{Family: family, Fee: 1})
			engine := newEngine(f)
			ctx := context.Background()
			m, players := f.Started(t, 100, 2)

			result, err := engine.Distribute(ctx, m.ID, players[0])
			require.NoError(t, err)
			assert.Equal(t, settlement.StatusSettled, result.Status)
			assert.Equal(t, chain.Amount(199), result.Payout)
			assert.Equal(t, chain.Amount(1), result.Fee)
			assert.False(t, result.Replayed)
			assert.NotEmpty(t, result.TxRef)

			assert.Equal(t, chain.Amount(199), balance(t, f, players[0]))
			assert.Zero(t, balance(t, f, m.EscrowAccount))

			settled, err := f.Registry.Get(m.ID)
			require.NoError(t, err)
			assert.Equal(t, match.StateSettled, settled.State)
			assert.Equal(t, players[0], settled.Winner)
			assert.Equal(t, result.TxRef, settled.SettlementTxRef)

			// Replaying returns the original result without a new broadcast.
			replay, err := engine.Distribute(ctx, m.ID, players[0])
			require.NoError(t, err)
			assert.True(t, replay.Replayed)
			assert.Equal(t, result.TxRef, replay.TxRef)
			assert.Equal(t, int64(1), f.Ledger.Broadcasts())

			other, err := engine.Distribute(ctx, m.ID, players[1])
			require.ErrorIs(t, err, match.ErrAlreadySettled)
			require.NotNil(t, other)
			assert.Equal(t, players[0], other.Winner)
			assert.Equal(t, int64(1), f.Ledger.Broadcasts())
		})
	}
}

func TestDistributeRespectsReserve(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 2, Reserve: 10})
	engine := newEngine(f)
	m, players := f.Started(t, 100, 2)

	result, err := engine.Distribute(context.Background(), m.ID, players[1])
	require.NoError(t, err)
	assert.Equal(t, chain.Amount(188), result.Payout)
	assert.Equal(t, chain.Amount(10), balance(t, f, m.EscrowAccount))
}

func TestDistributeRequiresStartedMatch(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1})
	engine := newEngine(f)
	m := f.Create(t, 100, 2)
	player := f.Join(t, m.ID)

	_, err := engine.Distribute(context.Background(), m.ID, player)
	require.ErrorIs(t, err, match.ErrInvalidState)

	var pe *match.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, match.StateWaiting, pe.State)
	assert.Equal(t, "distribute", pe.Op)
	assert.Zero(t, f.Ledger.Broadcasts())
}

func TestDistributeRejectsUnknownWinner(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1})
	engine := newEngine(f)
	m, _ := f.Started(t, 100, 2)

	_, err := engine.Distribute(context.Background(), m.ID, f.Ledger.NewAddress())
	require.ErrorIs(t, err, match.ErrUnknownPlayer)
}

func TestDistributeAcceptsAnySpellingOfWinner(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1})
	engine := newEngine(f)
	ctx := context.Background()
	m, players := f.Started(t, 100, 2)

	result, err := engine.Distribute(ctx, m.ID, "0X"+strings.ToUpper(players[1][2:]))
	require.NoError(t, err)
	assert.Equal(t, chain.Amount(199), balance(t, f, players[1]))

	replay, err := engine.Distribute(ctx, m.ID, players[1])
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, result.TxRef, replay.TxRef)
}

func TestDistributeInsufficientFunds(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1})
	engine := newEngine(f)
	ctx := context.Background()

	m := f.Create(t, 100, 2)
	players := f.Fill(t, m.ID)
	f.MarkReady(t, m.ID)

	_, err := f.Registry.Start(ctx, m.ID)
	require.NoError(t, err)

	_, err = engine.Distribute(ctx, m.ID, players[0])
	require.ErrorIs(t, err, settlement.ErrInsufficientFunds)

	current, err := f.Registry.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, match.StateStarted, current.State)

	// Once funded the same call settles.
	f.Fund(t, m.ID, players...)

	_, err = engine.Distribute(ctx, m.ID, players[0])
	require.NoError(t, err)
}

func TestConcurrentDistributeBroadcastsOnce(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1})
	engine := newEngine(f)
	m, players := f.Started(t, 100, 2)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		refs = map[chain.TxRef]int{}
	)

	for i := range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			result, err := engine.Distribute(context.Background(), m.ID, players[i%2])
			if err != nil {
				assert.ErrorIs(t, err, match.ErrAlreadySettled)
			}

			if result != nil {
				mu.Lock()
				refs[result.TxRef]++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int64(1), f.Ledger.Broadcasts())
	assert.Len(t, refs, 1)
	assert.Len(t, f.Ledger.Transactions(), 1)
}

func TestAmbiguousBroadcastIsReconciled(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1})
	engine := newEngine(f)
	ctx := context.Background()
	m, players := f.Started(t, 100, 2)

	f.Ledger.FailBroadcasts(memchain.FaultUnavailable)

	_, err := engine.Distribute(ctx, m.ID, players[0])
	require.ErrorIs(t, err, settlement.ErrBroadcast)
	require.ErrorIs(t, err, settlement.ErrReconciliationPending)

	pending, err := f.Registry.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, match.StateStarted, pending.State)
	require.NotNil(t, pending.Pending)

	// Another winner cannot be paid while the first payout may still land.
	_, err = engine.Distribute(ctx, m.ID, players[1])
	require.ErrorIs(t, err, settlement.ErrReconciliationPending)
	assert.Equal(t, int64(1), f.Ledger.Broadcasts())

	result, err := engine.Distribute(ctx, m.ID, players[0])
	require.NoError(t, err)
	assert.Equal(t, pending.Pending.Tx.ID, result.TxRef, "the same signed transaction is re-broadcast")
	assert.Equal(t, int64(2), f.Ledger.Broadcasts())
	assert.Len(t, f.Ledger.Transactions(), 1)
}

func TestLandedBroadcastIsNotRepeated(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1})
	engine := newEngine(f)
	ctx := context.Background()
	m, players := f.Started(t, 100, 2)

	f.Ledger.FailBroadcasts(memchain.FaultLandThenUnavailable)

	_, err := engine.Distribute(ctx, m.ID, players[0])
	require.ErrorIs(t, err, settlement.ErrReconciliationPending)

	result, err := engine.Distribute(ctx, m.ID, players[0])
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusSettled, result.Status)
	assert.Equal(t, int64(1), f.Ledger.Broadcasts())
	assert.Equal(t, chain.Amount(199), balance(t, f, players[0]))

	kinds := []match.EventKind{}
	for _, ev := range f.Drain() {
		kinds = append(kinds, ev.Kind)
	}

	assert.Contains(t, kinds, match.EventBroadcastFail)
	assert.Contains(t, kinds, match.EventReconciled)
}

func TestHungBroadcastIsBounded(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1})
	engine := newEngine(f)
	m, players := f.Started(t, 100, 2)

	f.Ledger.FailBroadcasts(memchain.FaultHang)

	started := time.Now()

	_, err := engine.Distribute(context.Background(), m.ID, players[0])
	require.ErrorIs(t, err, settlement.ErrReconciliationPending)
	assert.Less(t, time.Since(started), 5*time.Second)

	current, err := f.Registry.Get(m.ID)
	require.NoError(t, err)
	require.NotNil(t, current.Pending)

	result, err := engine.Distribute(context.Background(), m.ID, players[0])
	require.NoError(t, err)
	assert.Equal(t, current.Pending.Tx.ID, result.TxRef)
}

func TestCallerCancellationDoesNotCutBroadcast(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1})
	engine := newEngine(f)
	m, players := f.Started(t, 100, 2)

	f.Ledger.FailBroadcasts(memchain.FaultHang)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan time.Time, 1)

	go func() {
		_, _ = engine.Distribute(ctx, m.ID, players[0])
		done <- time.Now()
	}()

	require.Eventually(t, func() bool { return f.Ledger.Broadcasts() > 0 }, time.Second, time.Millisecond)

	cancelled := time.Now()
	cancel()

	// The broadcast runs on until its own deadline.
	finished := <-done
	assert.GreaterOrEqual(t, finished.Sub(cancelled), 50*time.Millisecond)
}

func TestRejectedBroadcastCanBeRetried(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1})
	engine := newEngine(f)
	ctx := context.Background()
	m, players := f.Started(t, 100, 2)

	f.Ledger.FailBroadcasts(memchain.FaultReject)

	_, err := engine.Distribute(ctx, m.ID, players[0])
	require.ErrorIs(t, err, settlement.ErrBroadcast)
	require.ErrorIs(t, err, chain.ErrRejected)
	require.NotErrorIs(t, err, settlement.ErrReconciliationPending)

	current, err := f.Registry.Get(m.ID)
	require.NoError(t, err)
	assert.Nil(t, current.Pending)
	assert.Equal(t, match.StateStarted, current.State)

	_, err = engine.Distribute(ctx, m.ID, players[0])
	require.NoError(t, err)
}

func TestIntegrityFailureFaultsMatch(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Fee: 1})
	ctx := context.Background()
	m, players := f.Started(t, 100, 2)

	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)

	//nolint:exhaustruct
	other, err := vault.New(vault.Config{Master: master, Kind: vault.MasterKey}, zerolog.Nop())
	require.NoError(t, err)

	engine := settlement.New(f.Registry, other, time.Second, nil, zerolog.Nop())

	_, err = engine.Distribute(ctx, m.ID, players[0])
	require.ErrorIs(t, err, vault.ErrIntegrity)

	faulted, err := f.Registry.Get(m.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, faulted.Fault)
	assert.Equal(t, match.StateStarted, faulted.State)

	// Even with the right master the match stays faulted.
	_, err = newEngine(f).Distribute(ctx, m.ID, players[0])
	require.ErrorIs(t, err, match.ErrFaulted)
	assert.Zero(t, f.Ledger.Broadcasts())
}

func TestDistributeThroughGuard(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	ledger, err := memchain.New(memchain.Config{Family: chain.FamilyUTXO, Scheme: keys.SchemeP2WPKHRegtest, Fee: 1})
	require.NoError(t, err)

	guard, err := chain.NewGuard(ledger, chain.GuardConfig{
		CallTimeout:      time.Second,
		BroadcastTimeout: time.Second,
		ReadRetries:      3,
		RetryBase:        time.Millisecond,
		BreakerFailures:  5,
		BreakerCooldown:  time.Minute,
	}, nil, zerolog.Nop())
	require.NoError(t, err)

	master := make([]byte, 32)
	_, err = rand.Read(master)
	require.NoError(t, err)

	//nolint:exhaustruct
	v, err := vault.New(vault.Config{Master: master, Kind: vault.MasterKey}, zerolog.Nop())
	require.NoError(t, err)

	chains, err := chain.NewDirectory(guard)
	require.NoError(t, err)

	//nolint:exhaustruct
	registry, err := match.NewRegistry(match.Config{Chains: chains, Minter: v}, zerolog.Nop())
	require.NoError(t, err)

	f := &matchtest.Fixture{Ledger: ledger, Vault: v, Chains: chains, Registry: registry, Events: nil}
	engine := newEngine(f)

	m, players := f.Started(t, 50, 3)
	assert.Contains(t, m.EscrowAccount, "bcrt1")

	ledger.FailReads(2)

	result, err := engine.Distribute(context.Background(), m.ID, players[2])
	require.NoError(t, err)
	assert.Equal(t, chain.Amount(149), result.Payout)
}
