// Package match owns the in-flight escrow matches. Every mutation goes
// through Acquire, which hands out an exclusive working copy of one match,
// and Commit, which validates the lifecycle before swapping the copy in.
package match

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/kakeru/internal/pkg/chain"
	"github.com/vreid/kakeru/internal/pkg/common"
	"github.com/vreid/kakeru/internal/pkg/keys"
	"github.com/vreid/kakeru/internal/pkg/vault"
	"go.uber.org/atomic"
)

// Store persists committed matches. A nil Store keeps matches in memory only.
type Store interface {
	SaveMatch(m *Match) error
	LoadMatches() ([]*Match, error)
}

// Minter creates an escrow account and returns its sealed secret.
type Minter interface {
	GenerateAccount(scheme string) (string, vault.Sealed, error)
}

type Config struct {
	Chains  *chain.Directory
	Minter  Minter
	Store   Store
	Events  chan<- Event
	Metrics *common.Metrics

	// DefaultRefundPolicy applies to matches created without one.
	DefaultRefundPolicy RefundPolicy
	// DefaultExpiry sets ExpiresAt on new matches. Zero disables it.
	DefaultExpiry time.Duration

	Now func() time.Time
}

type CreateParams struct {
	Chain         string        `json:"chain"`
	RequiredStake chain.Amount  `json:"required_stake"`
	MaxPlayers    int           `json:"max_players"`
	Quorum        *Quorum       `json:"quorum,omitempty"`
	RefundPolicy  RefundPolicy  `json:"refund_policy,omitempty"`
	ExpiresIn     time.Duration `json:"expires_in,omitempty"`
}

type entry struct {
	// lock is a one-slot semaphore so that waiting for a match honours ctx.
	lock    chan struct{}
	current *atomic.Pointer[Match]
}

type Registry struct {
	cfg Config
	log zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistryService(i do.Injector) (*Registry, error) {
	chains := do.MustInvoke[*chain.Directory](i)
	minter := do.MustInvoke[*vault.Vault](i)
	metrics := do.MustInvoke[*common.Metrics](i)
	logger := do.MustInvoke[zerolog.Logger](i)
	events := do.MustInvokeNamed[chan<- Event](i, "event-sink")
	persist := do.MustInvokeNamed[bool](i, "persist")
	refundPolicy := do.MustInvokeNamed[string](i, "refund-policy")
	refundAfter := do.MustInvokeNamed[time.Duration](i, "refund-after")

	policy, err := ParseRefundPolicy(refundPolicy)
	if err != nil {
		return nil, err
	}

	var store Store

	if persist {
		databaseService, err := do.Invoke[*common.DatabaseService](i)
		if err != nil {
			return nil, fmt.Errorf("failed to create database service: %w", err)
		}

		store = NewBoltStore(databaseService)
	}

	//nolint:exhaustruct
	registry, err := NewRegistry(Config{
		Chains:              chains,
		Minter:              minter,
		Store:               store,
		Events:              events,
		Metrics:             metrics,
		DefaultRefundPolicy: policy,
		DefaultExpiry:       refundAfter,
	}, logger)
	if err != nil {
		return nil, err
	}

	restored, err := registry.Restore()
	if err != nil {
		return nil, fmt.Errorf("failed to restore matches: %w", err)
	}

	if restored > 0 {
		registry.log.Info().Int("matches", restored).Msg("restored matches")
	}

	return registry, nil
}

func NewRegistry(cfg Config, logger zerolog.Logger) (*Registry, error) {
	if cfg.Chains == nil {
		return nil, errors.New("registry needs a chain directory")
	}

	if cfg.Minter == nil {
		return nil, errors.New("registry needs a minter")
	}

	if cfg.DefaultRefundPolicy == "" {
		cfg.DefaultRefundPolicy = RefundSplitDepositors
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Registry{
		cfg:     cfg,
		log:     logger.With().Str("component", "registry").Logger(),
		entries: map[string]*entry{},
	}, nil
}

// Chains resolves the adapter a match was created on.
func (r *Registry) Chains() *chain.Directory {
	return r.cfg.Chains
}

func (r *Registry) Adapter(m *Match) (chain.Adapter, error) {
	//nolint:wrapcheck
	return r.cfg.Chains.Get(m.Chain)
}

func (r *Registry) Now() time.Time {
	return r.cfg.Now().UTC()
}

//nolint:cyclop,funlen
func (r *Registry) Create(_ context.Context, params CreateParams) (*Match, error) {
	if params.RequiredStake == 0 {
		return nil, ErrInvalidStake
	}

	if params.MaxPlayers < 2 { //nolint:mnd
		return nil, ErrInvalidPlayers
	}

	adapter, err := r.cfg.Chains.Get(params.Chain)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chain: %w", err)
	}

	quorum, err := normalizeQuorum(params.Quorum)
	if err != nil {
		return nil, err
	}

	switch {
	case adapter.Family() == chain.FamilyContract && quorum == nil:
		return nil, fmt.Errorf("%w: chain %s needs co-signers", ErrInvalidQuorum, adapter.Name())
	case adapter.Family() != chain.FamilyContract && quorum != nil:
		return nil, fmt.Errorf("%w: chain %s has no co-signer support", ErrInvalidQuorum, adapter.Name())
	}

	policy := params.RefundPolicy
	if policy == "" {
		policy = r.cfg.DefaultRefundPolicy
	}

	policy, err = ParseRefundPolicy(string(policy))
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate match ID: %w", err)
	}

	escrow, sealed, err := r.cfg.Minter.GenerateAccount(adapter.KeyScheme())
	if err != nil {
		return nil, fmt.Errorf("failed to mint escrow account: %w", err)
	}

	now := r.Now()

	//nolint:exhaustruct
	m := &Match{
		ID:              id.String(),
		Chain:           adapter.Name(),
		State:           StateWaiting,
		RequiredStake:   params.RequiredStake,
		MaxPlayers:      params.MaxPlayers,
		RefundPolicy:    policy,
		Quorum:          quorum,
		EscrowAccount:   escrow,
		EncryptedSecret: sealed,
		Players:         []Player{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	expiry := params.ExpiresIn
	if expiry == 0 {
		expiry = r.cfg.DefaultExpiry
	}

	if expiry > 0 {
		m.ExpiresAt = now.Add(expiry)
	}

	m = m.Clone()

	if r.cfg.Store != nil {
		err = r.cfg.Store.SaveMatch(m)
		if err != nil {
			return nil, fmt.Errorf("failed to persist match: %w", err)
		}
	}

	r.insert(m)

	r.cfg.Metrics.MatchCreated(m.Chain)
	r.publish(Event{
		MatchID: m.ID,
		Kind:    EventCreated,
		State:   m.State,
		Detail:  m.EscrowAccount,
		At:      now,
	})

	r.log.Info().
		Str("match", m.ID).
		Str("chain", m.Chain).
		Str("escrow", m.EscrowAccount).
		Uint64("stake", uint64(m.RequiredStake)).
		Int("max_players", m.MaxPlayers).
		Msg("match created")

	return m.Clone(), nil
}

func normalizeQuorum(q *Quorum) (*Quorum, error) {
	if q == nil {
		return nil, nil //nolint:nilnil
	}

	if q.M < 1 || q.M > len(q.CoSigners) {
		return nil, fmt.Errorf("%w: need 1 <= m <= n, got m=%d n=%d", ErrInvalidQuorum, q.M, len(q.CoSigners))
	}

	out := &Quorum{M: q.M, CoSigners: make([]string, 0, len(q.CoSigners))}

	for _, cosigner := range q.CoSigners {
		key, err := keys.CompressedPublicKey(cosigner)
		if err != nil {
			return nil, fmt.Errorf("%w: co-signer %q: %w", ErrInvalidQuorum, cosigner, err)
		}

		if slices.Contains(out.CoSigners, key) {
			return nil, fmt.Errorf("%w: duplicate co-signer %s", ErrInvalidQuorum, key)
		}

		out.CoSigners = append(out.CoSigners, key)
	}

	return out, nil
}

// CanonicalAddress returns the chain's canonical spelling of address, or the
// trimmed input when the chain does not accept it.
func (r *Registry) CanonicalAddress(m *Match, address string) string {
	address = strings.TrimSpace(address)

	adapter, err := r.Adapter(m)
	if err != nil {
		return address
	}

	canonical, err := adapter.NormalizeAddress(address)
	if err != nil {
		return address
	}

	return canonical
}

//nolint:cyclop
func (r *Registry) Join(ctx context.Context, id, address string) (*Match, error) {
	address = strings.TrimSpace(address)

	txn, err := r.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer txn.Release()

	m := txn.Match

	if m.State != StateWaiting && m.State != StateFull {
		return nil, Precondition("join", m, "match must be waiting for players", ErrInvalidState)
	}

	if m.Refund != nil {
		return nil, Precondition("join", m, "no refund may be in progress", ErrInvalidState)
	}

	adapter, err := r.Adapter(m)
	if err != nil {
		return nil, err
	}

	canonical, addressErr := adapter.NormalizeAddress(address)
	if addressErr == nil {
		address = canonical
	}

	if _, ok := m.PlayerIndex(address); ok {
		return nil, Precondition("join", m, "player must not have joined", ErrDuplicatePlayer)
	}

	if m.State == StateFull || len(m.Players) >= m.MaxPlayers {
		return nil, Precondition("join", m, "match must have a free slot", ErrMatchFull)
	}

	if addressErr != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidAddress, address, addressErr)
	}

	if address == m.EscrowAccount {
		return nil, fmt.Errorf("%w: the escrow account cannot join", ErrInvalidAddress)
	}

	//nolint:exhaustruct
	m.Players = append(m.Players, Player{
		Address:  address,
		JoinedAt: r.Now(),
	})

	if len(m.Players) == m.MaxPlayers {
		m.State = StateFull
	}

	txn.Note(EventJoined, address, "")

	err = txn.Commit()
	if err != nil {
		return nil, err
	}

	return txn.Match.Clone(), nil
}

func (r *Registry) Start(ctx context.Context, id string) (*Match, error) {
	txn, err := r.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer txn.Release()

	m := txn.Match

	if m.State != StateReady {
		return nil, Precondition("start", m, "match must be ready", ErrInvalidState)
	}

	if m.Refund != nil {
		return nil, Precondition("start", m, "no refund may be in progress", ErrInvalidState)
	}

	m.State = StateStarted

	err = txn.Commit()
	if err != nil {
		return nil, err
	}

	return txn.Match.Clone(), nil
}

func (r *Registry) Get(id string) (*Match, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	return e.current.Load().Clone(), nil
}

// List returns matches ordered by creation. With no states given it returns
// every match.
func (r *Registry) List(states ...State) []*Match {
	r.mu.RLock()
	snapshot := make([]*Match, 0, len(r.entries))

	for _, e := range r.entries {
		snapshot = append(snapshot, e.current.Load())
	}
	r.mu.RUnlock()

	out := make([]*Match, 0, len(snapshot))

	for _, m := range snapshot {
		if len(states) > 0 && !slices.Contains(states, m.State) {
			continue
		}

		out = append(out, m.Clone())
	}

	slices.SortFunc(out, func(a, b *Match) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	return out
}

// Restore loads persisted matches. Matches already in the registry are kept.
func (r *Registry) Restore() (int, error) {
	if r.cfg.Store == nil {
		return 0, nil
	}

	matches, err := r.cfg.Store.LoadMatches()
	if err != nil {
		return 0, fmt.Errorf("failed to load matches: %w", err)
	}

	restored := 0

	for _, m := range matches {
		if _, err := r.cfg.Chains.Get(m.Chain); err != nil {
			r.log.Warn().Err(err).Str("match", m.ID).Msg("skipping match on unknown chain")

			continue
		}

		if r.insertIfAbsent(m.Clone()) {
			restored++
		}
	}

	return restored, nil
}

// Acquire locks the match for exclusive use. The caller must Release the
// returned Txn; Commit makes the working copy visible.
func (r *Registry) Acquire(ctx context.Context, id string) (*Txn, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to lock match %s: %w", id, ctx.Err())
	}

	base := e.current.Load()

	//nolint:exhaustruct
	return &Txn{
		Match:    base.Clone(),
		registry: r,
		entry:    e,
		base:     base,
	}, nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return e, nil
}

func (r *Registry) insert(m *Match) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[m.ID] = &entry{
		lock:    make(chan struct{}, 1),
		current: atomic.NewPointer(m),
	}
}

func (r *Registry) insertIfAbsent(m *Match) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[m.ID]; ok {
		return false
	}

	r.entries[m.ID] = &entry{
		lock:    make(chan struct{}, 1),
		current: atomic.NewPointer(m),
	}

	return true
}

func (r *Registry) publish(ev Event) {
	if r.cfg.Events == nil {
		return
	}

	select {
	case r.cfg.Events <- ev:
	default:
		r.log.Warn().Str("match", ev.MatchID).Str("kind", string(ev.Kind)).Msg("event sink is full, dropping event")
	}
}
