package match_test

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/kakeru/internal/pkg/chain"
	"github.com/vreid/kakeru/internal/pkg/chain/memchain"
	"github.com/vreid/kakeru/internal/pkg/common"
	"github.com/vreid/kakeru/internal/pkg/keys"
	"github.com/vreid/kakeru/internal/pkg/match"
	"github.com/vreid/kakeru/internal/pkg/match/matchtest"
	"go.uber.org/atomic"
)

func coSigner(t *testing.T) string {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return hex.EncodeToString(priv.PubKey().SerializeUncompressed())
}

func TestCreateValidatesParameters(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{})
	ctx := context.Background()

	//nolint:exhaustruct
	_, err := f.Registry.Create(ctx, match.CreateParams{RequiredStake: 0, MaxPlayers: 2})
	require.ErrorIs(t, err, match.ErrInvalidStake)

	//nolint:exhaustruct
	_, err = f.Registry.Create(ctx, match.CreateParams{RequiredStake: 1, MaxPlayers: 1})
	require.ErrorIs(t, err, match.ErrInvalidPlayers)

	//nolint:exhaustruct
	_, err = f.Registry.Create(ctx, match.CreateParams{RequiredStake: 1, MaxPlayers: 2, Chain: "mainnet"})
	require.ErrorIs(t, err, chain.ErrUnknownChain)

	//nolint:exhaustruct
	_, err = f.Registry.Create(ctx, match.CreateParams{
		RequiredStake: 1,
		MaxPlayers:    2,
		Quorum:        &match.Quorum{M: 1, CoSigners: []string{coSigner(t)}},
	})
	require.ErrorIs(t, err, match.ErrInvalidQuorum, "account chains take no co-signers")

	//nolint:exhaustruct
	_, err = f.Registry.Create(ctx, match.CreateParams{RequiredStake: 1, MaxPlayers: 2, RefundPolicy: "everyone"})
	require.Error(t, err)

	assert.Empty(t, f.Registry.List())
}

func TestCreateValidatesQuorum(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Family: chain.FamilyContract})
	ctx := context.Background()
	a, b := coSigner(t), coSigner(t)

	for name, quorum := range map[string]*match.Quorum{
		"missing":   nil,
		"zero":      {M: 0, CoSigners: []string{a, b}},
		"too many":  {M: 3, CoSigners: []string{a, b}},
		"duplicate": {M: 1, CoSigners: []string{a, a}},
		"garbage":   {M: 1, CoSigners: []string{"nope"}},
	} {
		//nolint:exhaustruct
		_, err := f.Registry.Create(ctx, match.CreateParams{RequiredStake: 1, MaxPlayers: 2, Quorum: quorum})
		require.ErrorIs(t, err, match.ErrInvalidQuorum, name)
	}

	//nolint:exhaustruct
	m, err := f.Registry.Create(ctx, match.CreateParams{
		RequiredStake: 1,
		MaxPlayers:    2,
		Quorum:        &match.Quorum{M: 2, CoSigners: []string{a, b}},
	})
	require.NoError(t, err)
	require.NotNil(t, m.Quorum)
	assert.Len(t, m.Quorum.CoSigners[0], 66, "co-signers are stored compressed")
}

func TestCreateMintsEscrow(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{})
	m := f.Create(t, 100, 2)

	assert.Equal(t, match.StateWaiting, m.State)
	assert.Equal(t, "devnet-account", m.Chain)
	assert.Equal(t, match.RefundSplitDepositors, m.RefundPolicy)
	require.NoError(t, f.Ledger.ValidateAddress(m.EscrowAccount))
	assert.False(t, m.EncryptedSecret.IsZero())

	secret, err := f.Vault.Unseal(m.EscrowAccount, m.EncryptedSecret)
	require.NoError(t, err)
	secret.Destroy()

	events := f.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, match.EventCreated, events[0].Kind)
}

func TestJoinFillsMatch(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{})
	ctx := context.Background()
	m := f.Create(t, 100, 2)

	first := f.Join(t, m.ID)

	_, err := f.Registry.Join(ctx, m.ID, first)
	require.ErrorIs(t, err, match.ErrDuplicatePlayer)

	_, err = f.Registry.Join(ctx, m.ID, "not-an-address")
	require.ErrorIs(t, err, match.ErrInvalidAddress)

	_, err = f.Registry.Join(ctx, m.ID, m.EscrowAccount)
	require.ErrorIs(t, err, match.ErrInvalidAddress)

	joined, err := f.Registry.Join(ctx, m.ID, f.Ledger.NewAddress())
	require.NoError(t, err)
	assert.Equal(t, match.StateFull, joined.State)
	assert.Len(t, joined.Players, 2)

	_, err = f.Registry.Join(ctx, m.ID, f.Ledger.NewAddress())
	require.ErrorIs(t, err, match.ErrMatchFull)

	state, ok := match.StateOf(err)
	require.True(t, ok)
	assert.Equal(t, match.StateFull, state)

	_, err = f.Registry.Join(ctx, "missing", f.Ledger.NewAddress())
	require.ErrorIs(t, err, match.ErrNotFound)
}

func TestJoinComparesCanonicalAddresses(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{})
	ctx := context.Background()
	m := f.Create(t, 100, 3)

	player := f.Ledger.NewAddress()
	shouting := "0X" + strings.ToUpper(player[2:])

	joined, err := f.Registry.Join(ctx, m.ID, shouting)
	require.NoError(t, err)
	assert.Equal(t, player, joined.Players[0].Address)

	_, err = f.Registry.Join(ctx, m.ID, player)
	require.ErrorIs(t, err, match.ErrDuplicatePlayer)

	_, err = f.Registry.Join(ctx, m.ID, "0x"+strings.ToUpper(m.EscrowAccount[2:]))
	require.ErrorIs(t, err, match.ErrInvalidAddress)

	got, err := f.Registry.Get(m.ID)
	require.NoError(t, err)
	assert.Len(t, got.Players, 1)
}

func TestJoinComparesCanonicalBech32Addresses(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{Family: chain.FamilyUTXO, Scheme: keys.SchemeP2WPKHRegtest})
	ctx := context.Background()
	m := f.Create(t, 100, 2)

	player := f.Ledger.NewAddress()

	_, err := f.Registry.Join(ctx, m.ID, strings.ToUpper(player))
	require.NoError(t, err)

	_, err = f.Registry.Join(ctx, m.ID, player)
	require.ErrorIs(t, err, match.ErrDuplicatePlayer)

	_, err = f.Registry.Join(ctx, m.ID, strings.ToUpper(m.EscrowAccount))
	require.ErrorIs(t, err, match.ErrInvalidAddress)
}

func TestConcurrentJoinsRaceForLastSlot(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{})
	m := f.Create(t, 100, 3)
	f.Join(t, m.ID)
	f.Join(t, m.ID)

	accepted := atomic.NewInt64(0)

	var wg sync.WaitGroup

	for range 32 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := f.Registry.Join(context.Background(), m.ID, f.Ledger.NewAddress())
			if err == nil {
				accepted.Inc()
			} else {
				assert.ErrorIs(t, err, match.ErrMatchFull)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int64(1), accepted.Load())

	m, err := f.Registry.Get(m.ID)
	require.NoError(t, err)
	assert.Len(t, m.Players, 3)
	assert.Equal(t, match.StateFull, m.State)
}

func TestStartRequiresReady(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{})
	ctx := context.Background()
	m := f.Create(t, 100, 2)
	f.Fill(t, m.ID)

	_, err := f.Registry.Start(ctx, m.ID)
	require.ErrorIs(t, err, match.ErrInvalidState)

	f.MarkReady(t, m.ID)

	started, err := f.Registry.Start(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, match.StateStarted, started.State)

	_, err = f.Registry.Join(ctx, m.ID, f.Ledger.NewAddress())
	require.ErrorIs(t, err, match.ErrInvalidState)
}

func TestCommitRefusesIllegalChanges(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{})
	ctx := context.Background()
	m := f.Create(t, 100, 2)
	f.Fill(t, m.ID)

	for name, mutate := range map[string]func(*match.Match){
		"skip to started":   func(m *match.Match) { m.State = match.StateStarted },
		"ready undeposited": func(m *match.Match) { m.State = match.StateReady },
		"winner unsettled":  func(m *match.Match) { m.Winner = m.Players[0].Address; m.SettlementTxRef = "tx" },
		"change stake":      func(m *match.Match) { m.RequiredStake++ },
		"drop a player":     func(m *match.Match) { m.Players = m.Players[:1] },
		"short deposit": func(m *match.Match) {
			m.Players[0].Deposited = true
			m.Players[0].DepositAmount = 99
		},
		"duplicate player": func(m *match.Match) { m.Players[1].Address = m.Players[0].Address },
	} {
		txn, err := f.Registry.Acquire(ctx, m.ID)
		require.NoError(t, err)

		mutate(txn.Match)

		require.ErrorIs(t, txn.Commit(), match.ErrInvariant, name)
		txn.Release()
	}

	current, err := f.Registry.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, match.StateFull, current.State)
	assert.Equal(t, chain.Amount(100), current.RequiredStake)
}

func TestTerminalMatchIsFrozen(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{})
	ctx := context.Background()
	m := f.Create(t, 100, 2)

	txn, err := f.Registry.Acquire(ctx, m.ID)
	require.NoError(t, err)

	txn.Match.State = match.StateRefunded
	require.NoError(t, txn.Commit())

	txn.Match.State = match.StateWaiting
	require.ErrorIs(t, txn.Commit(), match.ErrInvariant)
	txn.Release()

	_, err = f.Registry.Join(ctx, m.ID, f.Ledger.NewAddress())
	require.ErrorIs(t, err, match.ErrInvalidState)
}

func TestReleaseDropsUncommittedChanges(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{})
	m := f.Create(t, 100, 2)

	txn, err := f.Registry.Acquire(context.Background(), m.ID)
	require.NoError(t, err)

	txn.Match.State = match.StateRefunded
	txn.Release()
	txn.Release()

	current, err := f.Registry.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, match.StateWaiting, current.State)
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{})
	m := f.Create(t, 100, 2)

	txn, err := f.Registry.Acquire(context.Background(), m.ID)
	require.NoError(t, err)
	defer txn.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = f.Registry.Acquire(ctx, m.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Other matches are not blocked.
	other := f.Create(t, 100, 2)
	f.Join(t, other.ID)
}

func TestGetReturnsCopy(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{})
	m := f.Create(t, 100, 2)
	f.Join(t, m.ID)

	got, err := f.Registry.Get(m.ID)
	require.NoError(t, err)

	got.Players[0].Deposited = true
	got.EncryptedSecret.Ciphertext[0] ^= 0xff

	again, err := f.Registry.Get(m.ID)
	require.NoError(t, err)
	assert.False(t, again.Players[0].Deposited)
	assert.NotEqual(t, got.EncryptedSecret.Ciphertext, again.EncryptedSecret.Ciphertext)
}

func TestCommitPublishesTransitions(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{})
	m := f.Create(t, 100, 2)
	f.Fill(t, m.ID)

	kinds := []match.EventKind{}

	var transition match.Event

	for _, ev := range f.Drain() {
		kinds = append(kinds, ev.Kind)

		if ev.Kind == match.EventTransition {
			transition = ev
		}
	}

	assert.Equal(t, []match.EventKind{
		match.EventCreated,
		match.EventJoined,
		match.EventTransition,
		match.EventJoined,
	}, kinds)
	assert.Equal(t, match.StateWaiting, transition.From)
	assert.Equal(t, match.StateFull, transition.State)
}

func TestListFiltersByState(t *testing.T) {
	t.Parallel()

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{})
	a := f.Create(t, 100, 2)
	b := f.Create(t, 100, 2)
	f.Fill(t, b.ID)

	all := f.Registry.List()
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)

	full := f.Registry.List(match.StateFull)
	require.Len(t, full, 1)
	assert.Equal(t, b.ID, full[0].ID)
}

func TestRestoreFromBolt(t *testing.T) {
	t.Parallel()

	db, err := common.OpenDatabase(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Shutdown() })

	store := match.NewBoltStore(db)

	//nolint:exhaustruct
	f := matchtest.New(t, memchain.Config{}, func(cfg *match.Config) {
		cfg.Store = store
	})

	m := f.Create(t, 100, 2)
	players := f.Fill(t, m.ID)

	//nolint:exhaustruct
	restored, err := match.NewRegistry(match.Config{
		Chains: f.Chains,
		Minter: f.Vault,
		Store:  store,
	}, zerolog.Nop())
	require.NoError(t, err)

	n, err := restored.Restore()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := restored.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, match.StateFull, got.State)
	assert.Equal(t, players[1], got.Players[1].Address)

	secret, err := f.Vault.Unseal(got.EscrowAccount, got.EncryptedSecret)
	require.NoError(t, err)
	secret.Destroy()

	n, err = restored.Restore()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestParseRefundPolicy(t *testing.T) {
	t.Parallel()

	policy, err := match.ParseRefundPolicy("")
	require.NoError(t, err)
	assert.Equal(t, match.RefundSplitDepositors, policy)

	policy, err = match.ParseRefundPolicy("reject-partial")
	require.NoError(t, err)
	assert.Equal(t, match.RefundRejectPartial, policy)

	_, err = match.ParseRefundPolicy("winner-takes-all")
	require.Error(t, err)
}

func TestTransitions(t *testing.T) {
	t.Parallel()

	assert.True(t, match.StateWaiting.CanTransition(match.StateFull))
	assert.True(t, match.StateReady.CanTransition(match.StateRefunded))
	assert.False(t, match.StateStarted.CanTransition(match.StateRefunded))
	assert.False(t, match.StateSettled.CanTransition(match.StateStarted))
	assert.True(t, match.StateFull.Refundable())
	assert.False(t, match.StateStarted.Refundable())
}
