package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/hashicorp/go-multierror"
	"github.com/vreid/kakeru/internal/pkg/chain"
	"github.com/vreid/kakeru/internal/pkg/match"
)

// Refund returns the escrow to the players who deposited, following the
// match's refund policy. The plan is fixed on the first attempt and each leg
// is recorded as it lands, so a retry after a partial failure pays only the
// legs still outstanding.
//
//nolint:cyclop,funlen
func (e *Engine) Refund(ctx context.Context, id string) (*Result, error) {
	txn, err := e.Registry.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer txn.Release()

	m := txn.Match

	if m.State == match.StateRefunded {
		result := refundedResult(m)
		result.Replayed = true

		return result, nil
	}

	if !m.State.Refundable() {
		return nil, match.Precondition("refund", m, "match must not have started", match.ErrInvalidState)
	}

	if m.Fault != "" {
		return nil, match.Precondition("refund", m, "escrow secret must be intact", match.ErrFaulted)
	}

	adapter, err := e.Registry.Adapter(m)
	if err != nil {
		return nil, err
	}

	if m.Pending != nil {
		err = e.reconcileRefund(ctx, txn, adapter)
		if err != nil {
			return nil, err
		}
	}

	if txn.Match.Refund == nil {
		// Deposits the tracker has not seen yet still belong to their senders.
		observed, err := match.ObserveDeposits(ctx, adapter, txn.Match)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh deposits for match %s: %w", m.ID, err)
		}

		for _, player := range txn.Match.RecordDeposits(observed.Amounts) {
			txn.Note(match.EventDeposit, player, "")
		}

		if !observed.Attributed && partiallyDeposited(txn.Match) {
			return nil, match.Precondition("refund", m,
				"chain cannot tell which players deposited, so every player must have", ErrRefundRejected)
		}

		plan, err := e.planRefund(ctx, adapter, txn.Match)
		if err != nil {
			return nil, err
		}

		txn.Match.Refund = plan

		e.log.Info().
			Str("match", m.ID).
			Str("policy", string(plan.Policy)).
			Int("legs", len(plan.Legs)).
			Msg("refund planned")
	}

	var errs *multierror.Error

	for i := range txn.Match.Refund.Legs {
		if txn.Match.Refund.Legs[i].Paid() {
			continue
		}

		err := e.payLeg(ctx, txn, adapter, i)
		if err == nil {
			continue
		}

		errs = multierror.Append(errs, fmt.Errorf("refund leg %d: %w", i, err))

		if !errors.Is(err, chain.ErrRejected) {
			// Ambiguous or local failure: later legs wait for reconciliation.
			break
		}
	}

	if txn.Match.Refund.Complete() {
		txn.Match.State = match.StateRefunded
	}

	cerr := txn.Commit()
	if cerr != nil {
		errs = multierror.Append(errs, cerr)
	}

	if err := errs.ErrorOrNil(); err != nil {
		e.metrics.Settlement("refund", "partial")

		return nil, fmt.Errorf("refund of match %s is incomplete: %w", m.ID, err)
	}

	e.metrics.Settlement("refund", "ok")
	e.log.Info().Str("match", m.ID).Int("transactions", len(txn.Match.RefundTxRefs)).Msg("match refunded")

	return refundedResult(txn.Match), nil
}

func partiallyDeposited(m *match.Match) bool {
	deposited := 0

	for _, p := range m.Players {
		if p.Deposited {
			deposited++
		}
	}

	return deposited > 0 && deposited < len(m.Players)
}

func (e *Engine) payLeg(ctx context.Context, txn *match.Txn, adapter chain.Adapter, i int) error {
	leg := txn.Match.Refund.Legs[i]

	f, err := e.fund(ctx, adapter, txn.Match.EscrowAccount, len(leg.Outputs))
	if err != nil {
		return err
	}

	req := f.Request(txn.Match.EscrowAccount, leg.Outputs)
	req.Fee = leg.Fee

	if f.Balance < f.Reserve+leg.Fee+req.Total() {
		return match.Precondition("refund", txn.Match, f.Describe(), ErrInsufficientFunds)
	}

	tx, err := e.sign(ctx, txn, adapter, "refund", req)
	if err != nil {
		return err
	}

	//nolint:exhaustruct
	ref, err := e.submit(ctx, txn, adapter, match.PendingBroadcast{
		Purpose: match.PurposeRefund,
		Leg:     i,
		Fee:     leg.Fee,
		Tx:      *tx,
	})
	if err != nil {
		return err
	}

	e.markPaid(txn, i, ref)

	return txn.Commit()
}

func (e *Engine) markPaid(txn *match.Txn, i int, ref chain.TxRef) {
	txn.Match.Pending = nil
	txn.Match.Refund.Legs[i].TxRef = ref
	txn.Match.RefundTxRefs = append(txn.Match.RefundTxRefs, ref)
}

// reconcileRefund resolves a refund leg whose broadcast outcome is unknown.
func (e *Engine) reconcileRefund(ctx context.Context, txn *match.Txn, adapter chain.Adapter) error {
	pending := *txn.Match.Pending

	status, err := e.status(ctx, txn, adapter)
	if err != nil {
		return err
	}

	switch {
	case status.Landed():
		txn.Note(match.EventReconciled, fmt.Sprintf("refund leg %d", pending.Leg), pending.Tx.ID)
		e.markPaid(txn, pending.Leg, pending.Tx.ID)

		return txn.Commit()
	case status == chain.TxNotFound:
		ref, err := e.submit(ctx, txn, adapter, pending)
		if err != nil {
			if errors.Is(err, chain.ErrRejected) {
				// The leg is unpaid and nothing is in flight; build it afresh.
				return nil
			}

			return err
		}

		e.markPaid(txn, pending.Leg, ref)

		return txn.Commit()
	default:
		return match.Precondition("refund", txn.Match,
			fmt.Sprintf("refund leg %d (%s) is %s", pending.Leg, pending.Tx.ID, status),
			ErrReconciliationPending)
	}
}

// planRefund decides who is paid what. Outputs are grouped into as few
// transactions as the adapter allows.
//
//nolint:cyclop,funlen
func (e *Engine) planRefund(ctx context.Context, adapter chain.Adapter, m *match.Match) (*match.RefundPlan, error) {
	plan := &match.RefundPlan{
		Policy:    m.RefundPolicy,
		Legs:      []match.RefundLeg{},
		CreatedAt: e.Registry.Now(),
	}

	if m.RefundPolicy == match.RefundRejectPartial {
		for _, p := range m.Players {
			if !p.Deposited {
				return nil, match.Precondition("refund", m, "every player must have deposited, "+p.Address+" has not", ErrRefundRejected)
			}
		}
	}

	depositors := m.Depositors()
	if len(depositors) == 0 {
		return plan, nil
	}

	perLeg := 1
	if multi, ok := chain.AsMultiOutput(adapter); ok {
		perLeg = max(1, multi.MaxOutputs())
	}

	groups := [][]match.Player{}
	for start := 0; start < len(depositors); start += perLeg {
		groups = append(groups, depositors[start:min(start+perLeg, len(depositors))])
	}

	fees := make([]chain.Amount, len(groups))

	var totalFee chain.Amount

	for i, g := range groups {
		fee, err := adapter.EstimateFee(ctx, len(g))
		if err != nil {
			return nil, fmt.Errorf("failed to estimate fee: %w", err)
		}

		fees[i] = fee
		totalFee += fee
	}

	balance, err := adapter.Balance(ctx, m.EscrowAccount)
	if err != nil {
		return nil, fmt.Errorf("failed to read escrow balance: %w", err)
	}

	reserve := adapter.MinimumReserve()
	if balance <= reserve+totalFee {
		return nil, match.Precondition("refund", m,
			fmt.Sprintf("balance %d must exceed reserve %d plus fees %d", balance, reserve, totalFee),
			ErrInsufficientFunds)
	}

	amounts := Split(m.RefundPolicy, balance-reserve-totalFee, depositors)

	for i, g := range groups {
		leg := match.RefundLeg{Outputs: []chain.Output{}, Fee: fees[i], TxRef: ""}

		for _, p := range g {
			amount := amounts[p.Address]
			if amount == 0 {
				continue
			}

			leg.Outputs = append(leg.Outputs, chain.Output{Address: p.Address, Amount: amount})
		}

		if len(leg.Outputs) > 0 {
			plan.Legs = append(plan.Legs, leg)
		}
	}

	if len(plan.Legs) == 0 {
		return nil, match.Precondition("refund", m, "refund amounts must be positive", ErrInsufficientFunds)
	}

	return plan, nil
}

// Split divides available among depositors according to policy.
//
// split-depositors pays equal shares with the remainder to the first
// depositor. own-deposit pays each depositor their recorded deposit, scaled
// down pro rata when available cannot cover them all.
func Split(policy match.RefundPolicy, available chain.Amount, depositors []match.Player) map[string]chain.Amount {
	out := make(map[string]chain.Amount, len(depositors))
	if len(depositors) == 0 {
		return out
	}

	switch policy {
	case match.RefundOwnDeposit:
		var total chain.Amount
		for _, p := range depositors {
			total += p.DepositAmount
		}

		if total <= available {
			for _, p := range depositors {
				out[p.Address] = p.DepositAmount
			}

			return out
		}

		var paid chain.Amount

		for _, p := range depositors {
			hi, lo := bits.Mul64(uint64(p.DepositAmount), uint64(available))
			share, _ := bits.Div64(hi, lo, uint64(total))
			out[p.Address] = chain.Amount(share)
			paid += chain.Amount(share)
		}

		out[depositors[0].Address] += available - paid
	case match.RefundSplitDepositors, match.RefundRejectPartial:
		n := chain.Amount(len(depositors))
		share := available / n

		for _, p := range depositors {
			out[p.Address] = share
		}

		out[depositors[0].Address] += available - share*n
	}

	return out
}
