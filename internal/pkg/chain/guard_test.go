package chain_test

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/kakeru/internal/pkg/chain"
	"github.com/vreid/kakeru/internal/pkg/chain/memchain"
	"github.com/vreid/kakeru/internal/pkg/keys"
)

// bare hides every optional capability of the wrapped adapter.
type bare struct {
	chain.Adapter
}

func testGuardConfig() chain.GuardConfig {
	return chain.GuardConfig{
		CallTimeout:      200 * time.Millisecond,
		BroadcastTimeout: 200 * time.Millisecond,
		ReadRetries:      3,
		RetryBase:        time.Millisecond,
		BreakerFailures:  3,
		BreakerCooldown:  time.Hour,
	}
}

func newGuard(t *testing.T, inner chain.Adapter) *chain.Guard {
	t.Helper()

	g, err := chain.NewGuard(inner, testGuardConfig(), nil, zerolog.Nop())
	require.NoError(t, err)

	return g
}

func newLedger(t *testing.T) *memchain.Ledger {
	t.Helper()

	//nolint:exhaustruct
	l, err := memchain.New(memchain.Config{
		Family: chain.FamilyAccount,
		Scheme: keys.SchemeEVM,
		Fee:    1,
	})
	require.NoError(t, err)

	return l
}

func signedTransfer(t *testing.T, l *memchain.Ledger) *chain.SignedTx {
	t.Helper()

	scheme, err := keys.Lookup(keys.SchemeEVM)
	require.NoError(t, err)

	secret, escrow, err := scheme.Generate(rand.Reader)
	require.NoError(t, err)

	l.Deposit(l.NewAddress(), escrow, 10)

	//nolint:exhaustruct
	tx, err := l.BuildAndSignTransfer(context.Background(), secret, chain.TransferRequest{
		From:    escrow,
		Outputs: []chain.Output{{Address: l.NewAddress(), Amount: 5}},
		Fee:     1,
	})
	require.NoError(t, err)

	return tx
}

func TestGuardRetriesTransientReads(t *testing.T) {
	t.Parallel()

	l := newLedger(t)
	g := newGuard(t, l)
	escrow := l.NewAddress()
	l.Deposit(l.NewAddress(), escrow, 42)

	l.FailReads(2)

	balance, err := g.Balance(context.Background(), escrow)
	require.NoError(t, err)
	assert.Equal(t, chain.Amount(42), balance)
	assert.Equal(t, int64(3), l.Reads())
}

func TestGuardGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	l := newLedger(t)
	g := newGuard(t, l)

	l.FailReads(10)

	_, err := g.Balance(context.Background(), l.NewAddress())
	require.ErrorIs(t, err, chain.ErrUnavailable)
}

func TestGuardNeverRetriesBroadcast(t *testing.T) {
	t.Parallel()

	l := newLedger(t)
	g := newGuard(t, l)
	tx := signedTransfer(t, l)

	l.FailBroadcasts(memchain.FaultUnavailable)

	_, err := g.Broadcast(context.Background(), tx)
	require.ErrorIs(t, err, chain.ErrUnavailable)
	assert.Equal(t, int64(1), l.Broadcasts())
}

func TestGuardBoundsHungBroadcast(t *testing.T) {
	t.Parallel()

	l := newLedger(t)
	g := newGuard(t, l)
	tx := signedTransfer(t, l)

	l.FailBroadcasts(memchain.FaultHang)

	started := time.Now()

	_, err := g.Broadcast(context.Background(), tx)
	require.ErrorIs(t, err, chain.ErrUnavailable)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestGuardBreakerOpens(t *testing.T) {
	t.Parallel()

	l := newLedger(t)
	g := newGuard(t, l)
	tx := signedTransfer(t, l)

	l.FailBroadcasts(memchain.FaultUnavailable, memchain.FaultUnavailable, memchain.FaultUnavailable)

	for range 3 {
		_, err := g.Broadcast(context.Background(), tx)
		require.ErrorIs(t, err, chain.ErrUnavailable)
	}

	// The breaker is open: the adapter is not called at all.
	_, err := g.Broadcast(context.Background(), tx)
	require.ErrorIs(t, err, chain.ErrUnavailable)
	assert.Equal(t, int64(3), l.Broadcasts())
}

func TestGuardRejectionDoesNotTripBreaker(t *testing.T) {
	t.Parallel()

	l := newLedger(t)
	g := newGuard(t, l)
	tx := signedTransfer(t, l)

	l.FailBroadcasts(memchain.FaultReject, memchain.FaultReject, memchain.FaultReject, memchain.FaultReject)

	for range 4 {
		_, err := g.Broadcast(context.Background(), tx)
		require.ErrorIs(t, err, chain.ErrRejected)
	}

	_, err := g.Broadcast(context.Background(), tx)
	require.NoError(t, err)
}

func TestCapabilitiesSeeThroughGuard(t *testing.T) {
	t.Parallel()

	l := newLedger(t)

	_, ok := chain.AsUTXOSource(newGuard(t, l))
	assert.True(t, ok)

	_, ok = chain.AsAccountSource(newGuard(t, l))
	assert.True(t, ok)

	_, ok = chain.AsUTXOSource(newGuard(t, bare{l}))
	assert.False(t, ok)

	_, ok = chain.AsDepositAttributor(newGuard(t, bare{l}))
	assert.False(t, ok)

	_, ok = chain.AsMultiOutput(bare{l})
	assert.False(t, ok)
}
