// Package tracker observes escrow deposits and moves full matches to READY.
package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/kakeru/internal/pkg/match"
	"github.com/vreid/kakeru/internal/pkg/settlement"
)

// Refunder refunds a match whose deadline passed.
type Refunder interface {
	Refund(ctx context.Context, id string) (*settlement.Result, error)
}

type TrackerService struct {
	Registry *match.Registry
	Refunder Refunder

	PollInterval time.Duration

	log zerolog.Logger
}

func NewTrackerService(i do.Injector) (*TrackerService, error) {
	registry := do.MustInvoke[*match.Registry](i)
	engine := do.MustInvoke[*settlement.Engine](i)
	pollInterval := do.MustInvokeNamed[time.Duration](i, "poll-interval")
	logger := do.MustInvoke[zerolog.Logger](i)

	return New(registry, engine, pollInterval, logger), nil
}

func New(registry *match.Registry, refunder Refunder, pollInterval time.Duration, logger zerolog.Logger) *TrackerService {
	return &TrackerService{
		Registry:     registry,
		Refunder:     refunder,
		PollInterval: pollInterval,
		log:          logger.With().Str("component", "tracker").Logger(),
	}
}

// CheckDeposits records the deposits the chain shows for the match and
// reports whether the match is ready. Every chain read happens before the
// match is touched, so a failing adapter leaves it unchanged. Calling it
// again once the match is ready changes nothing.
func (s *TrackerService) CheckDeposits(ctx context.Context, id string) (bool, error) {
	txn, err := s.Registry.Acquire(ctx, id)
	if err != nil {
		return false, err
	}
	defer txn.Release()

	m := txn.Match

	switch m.State {
	case match.StateReady, match.StateStarted, match.StateSettled:
		return true, nil
	case match.StateRefunded:
		return false, match.Precondition("check deposits", m, "match must not be refunded", match.ErrInvalidState)
	case match.StateWaiting, match.StateFull:
	}

	if m.Refund != nil {
		return false, match.Precondition("check deposits", m, "no refund may be in progress", match.ErrInvalidState)
	}

	adapter, err := s.Registry.Adapter(m)
	if err != nil {
		return false, err
	}

	observed, err := match.ObserveDeposits(ctx, adapter, m)
	if err != nil {
		return false, fmt.Errorf("failed to check deposits for match %s: %w", id, err)
	}

	for _, player := range m.RecordDeposits(observed.Amounts) {
		txn.Note(match.EventDeposit, player, "")
		s.log.Info().Str("match", m.ID).Str("player", player).Msg("deposit confirmed")
	}

	if m.State == match.StateFull && m.AllDeposited() {
		m.State = match.StateReady
	}

	err = txn.Commit()
	if err != nil {
		return false, err
	}

	return txn.Match.State == match.StateReady, nil
}

// Start polls open matches until ctx is done.
func (s *TrackerService) Start(ctx context.Context) {
	if s.PollInterval <= 0 {
		s.log.Info().Msg("deposit polling disabled")

		return
	}

	go s.run(ctx)
}

func (s *TrackerService) run(ctx context.Context) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll checks deposits on every open match and refunds the ones whose
// deadline has passed.
func (s *TrackerService) Poll(ctx context.Context) {
	now := s.Registry.Now()

	for _, m := range s.Registry.List(match.StateWaiting, match.StateFull, match.StateReady) {
		if ctx.Err() != nil {
			return
		}

		if !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt) {
			s.refundExpired(ctx, m)

			continue
		}

		if m.State == match.StateReady {
			continue
		}

		_, err := s.CheckDeposits(ctx, m.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("match", m.ID).Msg("deposit check failed")
		}
	}
}

func (s *TrackerService) refundExpired(ctx context.Context, m *match.Match) {
	if s.Refunder == nil {
		return
	}

	log := s.log.With().Str("match", m.ID).Time("expired_at", m.ExpiresAt).Logger()

	result, err := s.Refunder.Refund(ctx, m.ID)
	if err != nil {
		log.Warn().Err(err).Msg("timeout refund failed")

		return
	}

	log.Info().Int("transactions", len(result.TxRefs)).Msg("timeout refund completed")
}
