package match

import (
	"context"
	"errors"
	"fmt"

	"github.com/vreid/kakeru/internal/pkg/chain"
	"golang.org/x/sync/errgroup"
)

const attributionConcurrency = 4

// Deposits is what the chain shows each player deposited, in join order.
type Deposits struct {
	Amounts []chain.Amount
	// Attributed is false when only the escrow balance could be read. The
	// amounts then say how many stakes arrived, not who sent them.
	Attributed bool
}

// ObserveDeposits reads the players' deposits. With per-sender attribution
// the amounts are exact. Otherwise the escrow balance is read once and the
// Nth player counts as paid in full once the balance reaches N stakes.
func ObserveDeposits(ctx context.Context, adapter chain.Adapter, m *Match) (Deposits, error) {
	if attributor, ok := chain.AsDepositAttributor(adapter); ok {
		observed, err := attributed(ctx, attributor, m)
		if err == nil {
			return Deposits{Amounts: observed, Attributed: true}, nil
		}

		if !errors.Is(err, chain.ErrUnsupported) {
			return Deposits{}, err
		}
	}

	balance, err := adapter.Balance(ctx, m.EscrowAccount)
	if err != nil {
		return Deposits{}, fmt.Errorf("failed to read escrow balance: %w", err)
	}

	observed := make([]chain.Amount, len(m.Players))

	for i := range m.Players {
		if uint64(balance)/uint64(m.RequiredStake) >= uint64(i+1) {
			observed[i] = m.RequiredStake
		}
	}

	return Deposits{Amounts: observed, Attributed: false}, nil
}

func attributed(ctx context.Context, attributor chain.DepositAttributor, m *Match) ([]chain.Amount, error) {
	observed := make([]chain.Amount, len(m.Players))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(attributionConcurrency)

	for i, p := range m.Players {
		g.Go(func() error {
			amount, err := attributor.CreditedFrom(ctx, m.EscrowAccount, p.Address)
			if err != nil {
				return fmt.Errorf("failed to read deposit from %s: %w", p.Address, err)
			}

			observed[i] = amount

			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	return observed, nil
}

// RecordDeposits raises each player's deposit to what was observed and
// returns the players whose deposit became confirmed. Deposits never go
// down.
func (m *Match) RecordDeposits(observed []chain.Amount) []string {
	confirmed := []string{}

	for i := range m.Players {
		if i >= len(observed) {
			break
		}

		p := &m.Players[i]
		p.DepositAmount = max(p.DepositAmount, observed[i])

		if !p.Deposited && p.DepositAmount >= m.RequiredStake {
			p.Deposited = true
			confirmed = append(confirmed, p.Address)
		}
	}

	return confirmed
}
