// Package settlement pays a match's escrow to its winner or back to its
// players. Every operation runs under the match lock, so at most one
// transaction is in flight per match, and a broadcast whose outcome is
// unknown is always reconciled before anything new is signed.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/kakeru/internal/pkg/chain"
	"github.com/vreid/kakeru/internal/pkg/common"
	"github.com/vreid/kakeru/internal/pkg/match"
	"github.com/vreid/kakeru/internal/pkg/vault"
)

const DefaultBroadcastTimeout = 30 * time.Second

// SecretOpener lends the escrow secret to fn and wipes it afterwards.
type SecretOpener interface {
	WithSecret(address string, sealed vault.Sealed, fn func(secret []byte) error) error
}

type Engine struct {
	Registry *match.Registry
	Vault    SecretOpener

	// BroadcastTimeout bounds a broadcast once it is detached from the
	// caller's context.
	BroadcastTimeout time.Duration

	metrics *common.Metrics
	log     zerolog.Logger
}

func NewSettlementService(i do.Injector) (*Engine, error) {
	registry := do.MustInvoke[*match.Registry](i)
	v := do.MustInvoke[*vault.Vault](i)
	metrics := do.MustInvoke[*common.Metrics](i)
	logger := do.MustInvoke[zerolog.Logger](i)
	broadcastTimeout := do.MustInvokeNamed[time.Duration](i, "broadcast-timeout")

	return New(registry, v, broadcastTimeout, metrics, logger), nil
}

func New(
	registry *match.Registry,
	opener SecretOpener,
	broadcastTimeout time.Duration,
	metrics *common.Metrics,
	logger zerolog.Logger,
) *Engine {
	if broadcastTimeout <= 0 {
		broadcastTimeout = DefaultBroadcastTimeout
	}

	return &Engine{
		Registry:         registry,
		Vault:            opener,
		BroadcastTimeout: broadcastTimeout,
		metrics:          metrics,
		log:              logger.With().Str("component", "settlement").Logger(),
	}
}

// Distribute pays the escrow balance, less reserve and fee, to winner. On a
// settled match it returns the original result: with Replayed set for the
// same winner, or with ErrAlreadySettled for another one. Threshold matches
// get a payout proposal instead, which Approve completes.
//
//nolint:cyclop
func (e *Engine) Distribute(ctx context.Context, id, winner string) (*Result, error) {
	txn, err := e.Registry.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer txn.Release()

	m := txn.Match
	winner = e.Registry.CanonicalAddress(m, winner)

	if m.State == match.StateSettled {
		result := settledResult(m)
		result.Replayed = true

		if m.Winner != winner {
			return result, match.Precondition("distribute", m, "winner was already declared as "+m.Winner, match.ErrAlreadySettled)
		}

		e.metrics.Settlement("payout", "replay")

		return result, nil
	}

	if m.State != match.StateStarted {
		return nil, match.Precondition("distribute", m, "match must be started", match.ErrInvalidState)
	}

	if _, ok := m.PlayerIndex(winner); !ok {
		return nil, match.Precondition("distribute", m, "winner must have joined", fmt.Errorf("%w: %s", match.ErrUnknownPlayer, winner))
	}

	if m.Fault != "" {
		return nil, match.Precondition("distribute", m, "escrow secret must be intact", match.ErrFaulted)
	}

	adapter, err := e.Registry.Adapter(m)
	if err != nil {
		return nil, err
	}

	if m.Pending != nil {
		return e.reconcilePayout(ctx, txn, adapter, winner)
	}

	if m.Threshold() {
		return e.propose(ctx, txn, adapter, winner)
	}

	f, err := e.fund(ctx, adapter, m.EscrowAccount, 1)
	if err != nil {
		return nil, err
	}

	payout, ok := f.Available()
	if !ok {
		e.metrics.Settlement("payout", "insufficient")

		return nil, match.Precondition("distribute", m, f.Describe(), ErrInsufficientFunds)
	}

	req := f.Request(m.EscrowAccount, []chain.Output{{Address: winner, Amount: payout}})

	tx, err := e.sign(ctx, txn, adapter, "payout", req)
	if err != nil {
		return nil, err
	}

	//nolint:exhaustruct
	return e.submitPayout(ctx, txn, adapter, match.PendingBroadcast{
		Purpose: match.PurposePayout,
		Winner:  winner,
		Payout:  payout,
		Fee:     f.Fee,
		Tx:      *tx,
	})
}

func (e *Engine) submitPayout(ctx context.Context, txn *match.Txn, adapter chain.Adapter, pending match.PendingBroadcast) (*Result, error) {
	ref, err := e.submit(ctx, txn, adapter, pending)
	if err != nil {
		if txn.Match.Pending == nil && txn.Match.Proposal != nil {
			// The proposed transfer was refused; a new Distribute proposes again.
			txn.Match.Proposal = nil

			if cerr := txn.Commit(); cerr != nil {
				e.log.Error().Err(cerr).Str("match", txn.Match.ID).Msg("failed to drop rejected proposal")
			}
		}

		return nil, err
	}

	return e.settle(txn, pending, ref)
}

func (e *Engine) settle(txn *match.Txn, pending match.PendingBroadcast, ref chain.TxRef) (*Result, error) {
	m := txn.Match

	m.Pending = nil
	m.Winner = pending.Winner
	m.SettlementTxRef = ref
	m.Payout = pending.Payout
	m.SettlementFee = pending.Fee
	m.State = match.StateSettled

	err := txn.Commit()
	if err != nil {
		return nil, err
	}

	e.metrics.Settlement("payout", "ok")
	e.log.Info().
		Str("match", m.ID).
		Str("winner", pending.Winner).
		Uint64("payout", uint64(pending.Payout)).
		Str("tx", string(ref)).
		Msg("match settled")

	return settledResult(txn.Match), nil
}

// reconcilePayout resolves a payout whose broadcast outcome is unknown. The
// same signed transaction is re-broadcast only if the chain has never seen
// it, and only when the caller names the same winner.
func (e *Engine) reconcilePayout(ctx context.Context, txn *match.Txn, adapter chain.Adapter, winner string) (*Result, error) {
	pending := *txn.Match.Pending

	status, err := e.status(ctx, txn, adapter)
	if err != nil {
		return nil, err
	}

	switch {
	case status.Landed():
		txn.Note(match.EventReconciled, pending.Winner, pending.Tx.ID)

		result, err := e.settle(txn, pending, pending.Tx.ID)
		if err != nil {
			return nil, err
		}

		if pending.Winner != winner {
			return result, match.Precondition("distribute", txn.Match, "winner was already paid as "+pending.Winner, match.ErrAlreadySettled)
		}

		return result, nil
	case status == chain.TxNotFound && pending.Winner == winner:
		return e.submitPayout(ctx, txn, adapter, pending)
	default:
		return nil, match.Precondition("distribute", txn.Match,
			fmt.Sprintf("payout %s to %s is %s", pending.Tx.ID, pending.Winner, status),
			ErrReconciliationPending)
	}
}

func (e *Engine) status(ctx context.Context, txn *match.Txn, adapter chain.Adapter) (chain.TxStatus, error) {
	ref := txn.Match.Pending.Tx.ID

	status, err := adapter.TransactionStatus(ctx, ref)
	if err != nil {
		return chain.TxUnknown, match.Precondition("reconcile", txn.Match,
			fmt.Sprintf("status of %s must be known", ref),
			fmt.Errorf("%w: %w", ErrReconciliationPending, err))
	}

	e.log.Info().Str("match", txn.Match.ID).Str("tx", string(ref)).Stringer("status", status).Msg("reconciled pending broadcast")

	return status, nil
}

// submit records the transaction as pending, broadcasts it and clears the
// pending record unless the outcome is unknown. On success the caller
// commits the effect of the transaction.
func (e *Engine) submit(ctx context.Context, txn *match.Txn, adapter chain.Adapter, pending match.PendingBroadcast) (chain.TxRef, error) {
	pending.Attempts++
	pending.SubmittedAt = e.Registry.Now()
	txn.Match.Pending = &pending

	err := txn.Commit()
	if err != nil {
		return "", fmt.Errorf("failed to record broadcast intent: %w", err)
	}

	log := e.log.With().
		Str("match", txn.Match.ID).
		Str("purpose", string(pending.Purpose)).
		Str("tx", string(pending.Tx.ID)).
		Int("attempt", pending.Attempts).
		Logger()

	ref, err := e.broadcast(ctx, adapter, &pending.Tx)
	if err == nil {
		txn.Match.Pending = nil
		txn.Note(match.EventBroadcast, string(pending.Purpose), ref)
		log.Info().Msg("broadcast accepted")

		return ref, nil
	}

	txn.Note(match.EventBroadcastFail, err.Error(), pending.Tx.ID)

	if errors.Is(err, chain.ErrRejected) {
		e.metrics.BroadcastFailure("rejected")
		log.Warn().Err(err).Msg("broadcast rejected")

		txn.Match.Pending = nil

		if cerr := txn.Commit(); cerr != nil {
			log.Error().Err(cerr).Msg("failed to clear rejected broadcast")
		}

		return "", match.Precondition(string(pending.Purpose), txn.Match, "chain must accept the transaction", fmt.Errorf("%w: %w", ErrBroadcast, err))
	}

	e.metrics.BroadcastFailure("ambiguous")
	log.Warn().Err(err).Msg("broadcast outcome unknown, reconciling on next attempt")

	if cerr := txn.Commit(); cerr != nil {
		log.Error().Err(cerr).Msg("failed to record broadcast failure")
	}

	return "", match.Precondition(string(pending.Purpose), txn.Match, "broadcast outcome must be known",
		fmt.Errorf("%w: %w: %w", ErrBroadcast, ErrReconciliationPending, err))
}

// broadcast is detached from the caller's cancellation: once submitted, the
// engine must learn the outcome.
func (e *Engine) broadcast(ctx context.Context, adapter chain.Adapter, tx *chain.SignedTx) (chain.TxRef, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.BroadcastTimeout)
	defer cancel()

	//nolint:wrapcheck
	return adapter.Broadcast(ctx, tx)
}

// sign opens the escrow secret for the duration of the build only. A secret
// that fails authentication faults the match.
func (e *Engine) sign(ctx context.Context, txn *match.Txn, adapter chain.Adapter, kind string, req chain.TransferRequest) (*chain.SignedTx, error) {
	m := txn.Match

	var tx *chain.SignedTx

	err := e.Vault.WithSecret(m.EscrowAccount, m.EncryptedSecret, func(secret []byte) error {
		signed, err := adapter.BuildAndSignTransfer(ctx, secret, req)
		if err != nil {
			return err //nolint:wrapcheck
		}

		tx = signed

		return nil
	})

	switch {
	case errors.Is(err, vault.ErrIntegrity):
		e.metrics.Settlement(kind, "integrity")
		e.log.Error().Err(err).Str("match", m.ID).Str("escrow", m.EscrowAccount).Msg("escrow secret failed authentication, faulting match")

		m.Fault = err.Error()
		txn.Note(match.EventFault, err.Error(), "")

		if cerr := txn.Commit(); cerr != nil {
			e.log.Error().Err(cerr).Str("match", m.ID).Msg("failed to record fault")
		}

		return nil, fmt.Errorf("failed to open escrow secret for match %s: %w", m.ID, err)
	case err != nil:
		return nil, fmt.Errorf("failed to sign %s for match %s: %w", kind, m.ID, err)
	}

	return tx, nil
}

// funding is what the chain shows the escrow can spend.
type funding struct {
	Balance chain.Amount
	Reserve chain.Amount
	Fee     chain.Amount
	Inputs  []chain.Unit
	Nonce   uint64
}

func (e *Engine) fund(ctx context.Context, adapter chain.Adapter, escrow string, outputs int) (funding, error) {
	//nolint:exhaustruct
	f := funding{Reserve: adapter.MinimumReserve()}

	fee, err := adapter.EstimateFee(ctx, outputs)
	if err != nil {
		return f, fmt.Errorf("failed to estimate fee: %w", err)
	}

	f.Fee = fee

	switch {
	case isUTXO(adapter):
		src, _ := chain.AsUTXOSource(adapter)

		units, err := src.SpendableUnits(ctx, escrow)
		if err != nil {
			return f, fmt.Errorf("failed to read spendable units: %w", err)
		}

		f.Inputs = units
		for _, u := range units {
			f.Balance += u.Amount
		}
	case isAccount(adapter):
		src, _ := chain.AsAccountSource(adapter)

		state, err := src.AccountState(ctx, escrow)
		if err != nil {
			return f, fmt.Errorf("failed to read account state: %w", err)
		}

		f.Balance = state.Balance
		f.Nonce = state.Nonce
	default:
		balance, err := adapter.Balance(ctx, escrow)
		if err != nil {
			return f, fmt.Errorf("failed to read escrow balance: %w", err)
		}

		f.Balance = balance
	}

	return f, nil
}

func isUTXO(adapter chain.Adapter) bool {
	_, ok := chain.AsUTXOSource(adapter)

	return ok && adapter.Family() == chain.FamilyUTXO
}

func isAccount(adapter chain.Adapter) bool {
	_, ok := chain.AsAccountSource(adapter)

	return ok && adapter.Family() != chain.FamilyUTXO
}

// Available is what is left to pay out after the reserve and fee.
func (f funding) Available() (chain.Amount, bool) {
	if f.Balance <= f.Reserve+f.Fee {
		return 0, false
	}

	return f.Balance - f.Reserve - f.Fee, true
}

func (f funding) Describe() string {
	return fmt.Sprintf("balance %d must exceed reserve %d plus fee %d", f.Balance, f.Reserve, f.Fee)
}

func (f funding) Request(escrow string, outputs []chain.Output) chain.TransferRequest {
	//nolint:exhaustruct
	return chain.TransferRequest{
		From:    escrow,
		Inputs:  f.Inputs,
		Outputs: outputs,
		Fee:     f.Fee,
		Nonce:   f.Nonce,
	}
}
