// Package matchtest builds a registry on top of an in-memory devnet ledger
// for tests of the packages that drive matches.
package matchtest

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vreid/kakeru/internal/pkg/chain"
	"github.com/vreid/kakeru/internal/pkg/chain/memchain"
	"github.com/vreid/kakeru/internal/pkg/keys"
	"github.com/vreid/kakeru/internal/pkg/match"
	"github.com/vreid/kakeru/internal/pkg/vault"
)

type Fixture struct {
	Ledger   *memchain.Ledger
	Vault    *vault.Vault
	Chains   *chain.Directory
	Registry *match.Registry
	Events   chan match.Event
}

// New builds a fixture. A zero ledger config gives a fee-1 account chain
// with secp256k1 EVM addresses.
func New(t testing.TB, ledgerConfig memchain.Config, configure ...func(*match.Config)) *Fixture {
	t.Helper()

	if ledgerConfig.Family == "" {
		ledgerConfig.Family = chain.FamilyAccount
	}

	if ledgerConfig.Scheme == "" {
		ledgerConfig.Scheme = keys.SchemeEVM
	}

	ledger, err := memchain.New(ledgerConfig)
	require.NoError(t, err)

	master := make([]byte, 32)
	_, err = rand.Read(master)
	require.NoError(t, err)

	//nolint:exhaustruct
	v, err := vault.New(vault.Config{Master: master, Kind: vault.MasterKey}, zerolog.Nop())
	require.NoError(t, err)

	chains, err := chain.NewDirectory(ledger)
	require.NoError(t, err)

	events := make(chan match.Event, 1024)

	//nolint:exhaustruct
	cfg := match.Config{
		Chains: chains,
		Minter: v,
		Events: events,
	}

	for _, c := range configure {
		c(&cfg)
	}

	registry, err := match.NewRegistry(cfg, zerolog.Nop())
	require.NoError(t, err)

	return &Fixture{
		Ledger:   ledger,
		Vault:    v,
		Chains:   chains,
		Registry: registry,
		Events:   events,
	}
}

func (f *Fixture) Create(t testing.TB, stake chain.Amount, players int) *match.Match {
	t.Helper()

	//nolint:exhaustruct
	m, err := f.Registry.Create(context.Background(), match.CreateParams{
		RequiredStake: stake,
		MaxPlayers:    players,
	})
	require.NoError(t, err)

	return m
}

// Join adds a fresh player to the match and returns its address.
func (f *Fixture) Join(t testing.TB, id string) string {
	t.Helper()

	address := f.Ledger.NewAddress()

	_, err := f.Registry.Join(context.Background(), id, address)
	require.NoError(t, err)

	return address
}

// Fill joins players until the roster is full.
func (f *Fixture) Fill(t testing.TB, id string) []string {
	t.Helper()

	m, err := f.Registry.Get(id)
	require.NoError(t, err)

	players := make([]string, 0, m.MaxPlayers)
	for _, p := range m.Players {
		players = append(players, p.Address)
	}

	for len(players) < m.MaxPlayers {
		players = append(players, f.Join(t, id))
	}

	return players
}

// Fund deposits the stake into the escrow from every player.
func (f *Fixture) Fund(t testing.TB, id string, players ...string) {
	t.Helper()

	m, err := f.Registry.Get(id)
	require.NoError(t, err)

	for _, p := range players {
		f.Ledger.Deposit(p, m.EscrowAccount, m.RequiredStake)
	}
}

// MarkReady records every deposit and moves a full match to READY without
// asking the chain.
func (f *Fixture) MarkReady(t testing.TB, id string) {
	t.Helper()

	txn, err := f.Registry.Acquire(context.Background(), id)
	require.NoError(t, err)
	defer txn.Release()

	for i := range txn.Match.Players {
		txn.Match.Players[i].Deposited = true
		txn.Match.Players[i].DepositAmount = txn.Match.RequiredStake
	}

	txn.Match.State = match.StateReady

	require.NoError(t, txn.Commit())
}

// Started creates a funded match with the given players in STARTED.
func (f *Fixture) Started(t testing.TB, stake chain.Amount, players int) (*match.Match, []string) {
	t.Helper()

	m := f.Create(t, stake, players)
	addresses := f.Fill(t, m.ID)
	f.Fund(t, m.ID, addresses...)
	f.MarkReady(t, m.ID)

	m, err := f.Registry.Start(context.Background(), m.ID)
	require.NoError(t, err)

	return m, addresses
}

// Drain returns the events published so far.
func (f *Fixture) Drain() []match.Event {
	out := []match.Event{}

	for {
		select {
		case ev := <-f.Events:
			out = append(out, ev)
		default:
			return out
		}
	}
}
