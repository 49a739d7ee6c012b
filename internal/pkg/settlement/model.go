package settlement

import (
	"errors"

	"github.com/vreid/kakeru/internal/pkg/chain"
	"github.com/vreid/kakeru/internal/pkg/match"
)

var (
	ErrInsufficientFunds = errors.New("insufficient escrow balance")
	ErrBroadcast         = errors.New("broadcast failed")
	// ErrReconciliationPending means an earlier broadcast may have landed.
	// Nothing new is signed for the match until the chain answers.
	ErrReconciliationPending = errors.New("earlier broadcast awaits reconciliation")
	ErrRefundRejected        = errors.New("refund rejected by policy")
	ErrNotThreshold          = errors.New("match has no co-signer quorum")
	ErrNoProposal            = errors.New("no payout proposal")
	ErrProposalConflict      = errors.New("a payout proposal for another winner is open")
	ErrNotCoSigner           = errors.New("not a designated co-signer")
	ErrInvalidSignature      = errors.New("invalid co-signer signature")
)

type Status string

const (
	StatusSettled        Status = "settled"
	StatusRefunded       Status = "refunded"
	StatusAwaitingQuorum Status = "awaiting-quorum"
)

type Result struct {
	MatchID string      `json:"match_id"`
	Status  Status      `json:"status"`
	State   match.State `json:"state"`

	Winner string       `json:"winner,omitempty"`
	Payout chain.Amount `json:"payout,omitempty"`
	Fee    chain.Amount `json:"fee,omitempty"`
	TxRef  chain.TxRef  `json:"tx_ref,omitempty"`

	// TxRefs lists refund transactions.
	TxRefs []chain.TxRef `json:"tx_refs,omitempty"`

	Digest    string `json:"digest,omitempty"`
	Approvals int    `json:"approvals,omitempty"`
	Required  int    `json:"required,omitempty"`

	// Replayed is set when the call repeated an operation that had already
	// completed and nothing was broadcast.
	Replayed bool `json:"replayed,omitempty"`
}

func settledResult(m *match.Match) *Result {
	//nolint:exhaustruct
	return &Result{
		MatchID: m.ID,
		Status:  StatusSettled,
		State:   m.State,
		Winner:  m.Winner,
		Payout:  m.Payout,
		Fee:     m.SettlementFee,
		TxRef:   m.SettlementTxRef,
	}
}

func refundedResult(m *match.Match) *Result {
	//nolint:exhaustruct
	return &Result{
		MatchID: m.ID,
		Status:  StatusRefunded,
		State:   m.State,
		TxRefs:  append([]chain.TxRef(nil), m.RefundTxRefs...),
	}
}

func proposalResult(m *match.Match) *Result {
	//nolint:exhaustruct
	return &Result{
		MatchID:   m.ID,
		Status:    StatusAwaitingQuorum,
		State:     m.State,
		Winner:    m.Proposal.Winner,
		Payout:    m.Proposal.Payout,
		Fee:       m.Proposal.Fee,
		Digest:    m.Proposal.Digest,
		Approvals: len(m.Proposal.Approvals),
		Required:  m.Quorum.M,
	}
}
