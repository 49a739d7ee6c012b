package match

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/vreid/kakeru/internal/pkg/chain"
)

var errReleased = errors.New("transaction already released")

// Txn is an exclusive working copy of one match. Mutate Match, then Commit.
// Commit may be called more than once, for example to record a pending
// broadcast before the broadcast is attempted.
type Txn struct {
	Match *Match

	registry *Registry
	entry    *entry
	base     *Match
	notes    []Event
	released bool
}

// Note queues an event that is published with the next successful commit.
func (t *Txn) Note(kind EventKind, detail string, ref chain.TxRef) {
	//nolint:exhaustruct
	t.notes = append(t.notes, Event{
		MatchID: t.base.ID,
		Kind:    kind,
		Detail:  detail,
		TxRef:   ref,
	})
}

func (t *Txn) Commit() error {
	if t.released {
		return errReleased
	}

	next := t.Match.Clone()
	next.UpdatedAt = t.base.UpdatedAt

	if reflect.DeepEqual(t.base, next) && len(t.notes) == 0 {
		return nil
	}

	err := Validate(t.base, next)
	if err != nil {
		t.registry.log.Error().Err(err).Str("match", next.ID).Msg("refusing commit")

		return err
	}

	now := t.registry.Now()
	next.UpdatedAt = now

	if t.registry.cfg.Store != nil {
		err = t.registry.cfg.Store.SaveMatch(next)
		if err != nil {
			return fmt.Errorf("failed to persist match %s: %w", next.ID, err)
		}
	}

	t.entry.current.Store(next)

	if t.base.State != next.State {
		t.registry.cfg.Metrics.Transition(string(t.base.State), string(next.State))
		t.registry.publish(Event{
			MatchID: next.ID,
			Kind:    EventTransition,
			State:   next.State,
			From:    t.base.State,
			Detail:  "",
			TxRef:   "",
			At:      now,
		})
		t.registry.log.Info().
			Str("match", next.ID).
			Str("from", string(t.base.State)).
			Str("to", string(next.State)).
			Msg("match state changed")
	}

	for _, ev := range t.notes {
		ev.State = next.State
		ev.At = now
		t.registry.publish(ev)
	}

	t.notes = nil
	t.base = next
	t.Match = next.Clone()

	return nil
}

// Release unlocks the match and drops uncommitted changes. It is safe to call
// more than once.
func (t *Txn) Release() {
	if t.released {
		return
	}

	t.released = true
	<-t.entry.lock
}

// Validate checks that next is a legal successor of prev.
//
//nolint:cyclop,funlen
func Validate(prev, next *Match) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: match %s: %s", ErrInvariant, prev.ID, fmt.Sprintf(format, args...))
	}

	if prev.ID != next.ID ||
		prev.Chain != next.Chain ||
		prev.RequiredStake != next.RequiredStake ||
		prev.MaxPlayers != next.MaxPlayers ||
		prev.RefundPolicy != next.RefundPolicy ||
		prev.EscrowAccount != next.EscrowAccount ||
		!prev.CreatedAt.Equal(next.CreatedAt) ||
		!reflect.DeepEqual(prev.Quorum, next.Quorum) ||
		!reflect.DeepEqual(prev.EncryptedSecret, next.EncryptedSecret) {
		return fail("immutable field changed")
	}

	if prev.State.Terminal() {
		frozen := next.Clone()
		frozen.UpdatedAt = prev.UpdatedAt

		if !reflect.DeepEqual(prev, frozen) {
			return fail("%s match cannot change", prev.State)
		}

		return nil
	}

	if !prev.State.CanTransition(next.State) {
		return fail("illegal transition %s -> %s", prev.State, next.State)
	}

	if prev.Fault != "" && next.Fault != prev.Fault {
		return fail("fault cannot be cleared")
	}

	if len(next.Players) > next.MaxPlayers {
		return fail("%d players exceed capacity %d", len(next.Players), next.MaxPlayers)
	}

	if len(next.Players) < len(prev.Players) {
		return fail("players cannot leave")
	}

	if len(next.Players) > len(prev.Players) && prev.State != StateWaiting {
		return fail("players can only join a waiting match")
	}

	seen := make(map[string]struct{}, len(next.Players))

	for i, p := range next.Players {
		if _, ok := seen[p.Address]; ok {
			return fail("duplicate player %s", p.Address)
		}

		seen[p.Address] = struct{}{}

		if p.Deposited && p.DepositAmount < next.RequiredStake {
			return fail("player %s deposited %d below stake %d", p.Address, p.DepositAmount, next.RequiredStake)
		}

		if i >= len(prev.Players) {
			continue
		}

		old := prev.Players[i]

		switch {
		case old.Address != p.Address || !old.JoinedAt.Equal(p.JoinedAt):
			return fail("player %d was replaced", i)
		case old.Deposited && !p.Deposited:
			return fail("player %s deposit was withdrawn", p.Address)
		case p.DepositAmount < old.DepositAmount:
			return fail("player %s deposit decreased", p.Address)
		}
	}

	switch next.State {
	case StateWaiting:
		if len(next.Players) >= next.MaxPlayers {
			return fail("waiting match has a full roster")
		}
	case StateFull, StateStarted:
		if len(next.Players) != next.MaxPlayers {
			return fail("%s match needs a full roster", next.State)
		}
	case StateReady:
		if !next.AllDeposited() {
			return fail("ready match needs every deposit")
		}
	case StateSettled, StateRefunded:
	}

	if (next.Winner == "") != (next.SettlementTxRef == "") {
		return fail("winner and settlement reference must be set together")
	}

	if next.Winner != "" {
		if next.State != StateSettled {
			return fail("winner set on a %s match", next.State)
		}

		if _, ok := next.PlayerIndex(next.Winner); !ok {
			return fail("winner %s never joined", next.Winner)
		}
	}

	if next.State == StateSettled && !next.Settled() {
		return fail("settled match needs a winner and settlement reference")
	}

	if next.State == StateRefunded && next.Refund != nil && !next.Refund.Complete() {
		return fail("refunded match has unpaid refund legs")
	}

	if next.Pending != nil && next.State.Terminal() {
		return fail("terminal match has a pending broadcast")
	}

	return nil
}
