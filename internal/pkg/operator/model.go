package operator

import (
	"time"

	"github.com/vreid/kakeru/internal/pkg/chain"
	"github.com/vreid/kakeru/internal/pkg/match"
)

type JoinRequest struct {
	Address string `json:"address"`
}

type WinnerRequest struct {
	Winner string `json:"winner"`
}

type ApprovalRequest struct {
	CoSigner  string `json:"co_signer"`
	Signature string `json:"signature"`
}

type ReadinessResponse struct {
	MatchID string      `json:"match_id"`
	Ready   bool        `json:"ready"`
	State   match.State `json:"state"`
}

type ErrorResponse struct {
	State match.State `json:"state,omitempty"`
	Error string      `json:"error"`
}

type ProposalView struct {
	Winner    string       `json:"winner"`
	Payout    chain.Amount `json:"payout"`
	Fee       chain.Amount `json:"fee"`
	Digest    string       `json:"digest"`
	Approvals []string     `json:"approvals"`
	Required  int          `json:"required"`
}

type PendingView struct {
	Purpose     match.Purpose `json:"purpose"`
	TxRef       chain.TxRef   `json:"tx_ref"`
	SubmittedAt time.Time     `json:"submitted_at"`
	Attempts    int           `json:"attempts"`
}

// MatchView is what the API shows of a match. The sealed escrow secret and
// signed transaction bytes stay inside the engine.
type MatchView struct {
	ID    string      `json:"id"`
	Chain string      `json:"chain"`
	State match.State `json:"state"`

	RequiredStake chain.Amount       `json:"required_stake"`
	MaxPlayers    int                `json:"max_players"`
	RefundPolicy  match.RefundPolicy `json:"refund_policy"`
	Quorum        *match.Quorum      `json:"quorum,omitempty"`
	EscrowAccount string             `json:"escrow_account"`

	Players []match.Player `json:"players"`

	Winner          string        `json:"winner,omitempty"`
	SettlementTxRef chain.TxRef   `json:"settlement_tx_ref,omitempty"`
	Payout          chain.Amount  `json:"payout,omitempty"`
	SettlementFee   chain.Amount  `json:"settlement_fee,omitempty"`
	RefundTxRefs    []chain.TxRef `json:"refund_tx_refs,omitempty"`

	Pending  *PendingView      `json:"pending,omitempty"`
	Proposal *ProposalView     `json:"proposal,omitempty"`
	Refund   *match.RefundPlan `json:"refund,omitempty"`
	Fault    string            `json:"fault,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func NewMatchView(m *match.Match) MatchView {
	view := MatchView{
		ID:              m.ID,
		Chain:           m.Chain,
		State:           m.State,
		RequiredStake:   m.RequiredStake,
		MaxPlayers:      m.MaxPlayers,
		RefundPolicy:    m.RefundPolicy,
		Quorum:          m.Quorum,
		EscrowAccount:   m.EscrowAccount,
		Players:         m.Players,
		Winner:          m.Winner,
		SettlementTxRef: m.SettlementTxRef,
		Payout:          m.Payout,
		SettlementFee:   m.SettlementFee,
		RefundTxRefs:    m.RefundTxRefs,
		Pending:         nil,
		Proposal:        nil,
		Refund:          m.Refund,
		Fault:           m.Fault,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		ExpiresAt:       m.ExpiresAt,
	}

	if p := m.Pending; p != nil {
		view.Pending = &PendingView{
			Purpose:     p.Purpose,
			TxRef:       p.Tx.ID,
			SubmittedAt: p.SubmittedAt,
			Attempts:    p.Attempts,
		}
	}

	if p := m.Proposal; p != nil {
		approvals := make([]string, 0, len(p.Approvals))
		for _, a := range p.Approvals {
			approvals = append(approvals, a.CoSigner)
		}

		view.Proposal = &ProposalView{
			Winner:    p.Winner,
			Payout:    p.Payout,
			Fee:       p.Fee,
			Digest:    p.Digest,
			Approvals: approvals,
			Required:  m.Quorum.M,
		}
	}

	return view
}
