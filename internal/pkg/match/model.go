package match

import (
	"fmt"
	"slices"
	"time"

	"github.com/vreid/kakeru/internal/pkg/chain"
	"github.com/vreid/kakeru/internal/pkg/vault"
)

type State string

const (
	StateWaiting  State = "waiting"
	StateFull     State = "full"
	StateReady    State = "ready"
	StateStarted  State = "started"
	StateSettled  State = "settled"
	StateRefunded State = "refunded"
)

func (s State) Terminal() bool {
	return s == StateSettled || s == StateRefunded
}

func (s State) Refundable() bool {
	return s == StateWaiting || s == StateFull || s == StateReady
}

//nolint:gochecknoglobals
var transitions = map[State][]State{
	StateWaiting: {StateFull, StateRefunded},
	StateFull:    {StateReady, StateRefunded},
	StateReady:   {StateStarted, StateRefunded},
	StateStarted: {StateSettled},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s State) CanTransition(next State) bool {
	return s == next || slices.Contains(transitions[s], next)
}

func ParseState(value string) (State, error) {
	s := State(value)
	switch s {
	case StateWaiting, StateFull, StateReady, StateStarted, StateSettled, StateRefunded:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownState, value)
	}
}

// RefundPolicy decides who gets what when a match is refunded.
type RefundPolicy string

const (
	// RefundSplitDepositors splits the escrow balance evenly across the
	// players who deposited.
	RefundSplitDepositors RefundPolicy = "split-depositors"
	// RefundOwnDeposit returns each depositor their recorded deposit.
	RefundOwnDeposit RefundPolicy = "own-deposit"
	// RefundRejectPartial refuses to refund while any player has not deposited.
	RefundRejectPartial RefundPolicy = "reject-partial"
)

func ParseRefundPolicy(value string) (RefundPolicy, error) {
	p := RefundPolicy(value)
	switch p {
	case RefundSplitDepositors, RefundOwnDeposit, RefundRejectPartial:
		return p, nil
	case "":
		return RefundSplitDepositors, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRefundPolicy, value)
	}
}

type Player struct {
	Address       string       `json:"address"`
	Deposited     bool         `json:"deposited"`
	DepositAmount chain.Amount `json:"deposit_amount"`
	JoinedAt      time.Time    `json:"joined_at"`
}

// Quorum is the m-of-n rule for threshold escrows. CoSigners holds
// compressed secp256k1 public keys in hex.
type Quorum struct {
	M         int      `json:"m"`
	CoSigners []string `json:"co_signers"`
}

type Approval struct {
	CoSigner  string    `json:"co_signer"`
	Signature string    `json:"signature"`
	At        time.Time `json:"at"`
}

// Proposal is a threshold payout waiting for co-signer approvals.
type Proposal struct {
	Winner    string                `json:"winner"`
	Payout    chain.Amount          `json:"payout"`
	Fee       chain.Amount          `json:"fee"`
	Digest    string                `json:"digest"`
	Request   chain.TransferRequest `json:"request"`
	Approvals []Approval            `json:"approvals"`
	CreatedAt time.Time             `json:"created_at"`
}

func (p *Proposal) ApprovedBy(coSigner string) bool {
	for _, a := range p.Approvals {
		if a.CoSigner == coSigner {
			return true
		}
	}

	return false
}

type Purpose string

const (
	PurposePayout Purpose = "payout"
	PurposeRefund Purpose = "refund"
)

// PendingBroadcast is a signed transaction whose broadcast outcome is not
// known. It must be reconciled before anything else is signed for the match.
type PendingBroadcast struct {
	Purpose     Purpose        `json:"purpose"`
	Winner      string         `json:"winner,omitempty"`
	Leg         int            `json:"leg"`
	Payout      chain.Amount   `json:"payout,omitempty"`
	Fee         chain.Amount   `json:"fee,omitempty"`
	Tx          chain.SignedTx `json:"tx"`
	SubmittedAt time.Time      `json:"submitted_at"`
	Attempts    int            `json:"attempts"`
}

type RefundLeg struct {
	Outputs []chain.Output `json:"outputs"`
	Fee     chain.Amount   `json:"fee"`
	TxRef   chain.TxRef    `json:"tx_ref,omitempty"`
}

func (l RefundLeg) Paid() bool {
	return l.TxRef != ""
}

// RefundPlan is fixed on the first refund attempt so that retries pay the
// same recipients the same amounts.
type RefundPlan struct {
	Policy    RefundPolicy `json:"policy"`
	Legs      []RefundLeg  `json:"legs"`
	CreatedAt time.Time    `json:"created_at"`
}

func (p *RefundPlan) Complete() bool {
	for _, leg := range p.Legs {
		if !leg.Paid() {
			return false
		}
	}

	return true
}

type Match struct {
	ID    string `json:"id"`
	Chain string `json:"chain"`
	State State  `json:"state"`

	RequiredStake chain.Amount `json:"required_stake"`
	MaxPlayers    int          `json:"max_players"`
	RefundPolicy  RefundPolicy `json:"refund_policy"`
	Quorum        *Quorum      `json:"quorum,omitempty"`

	EscrowAccount   string       `json:"escrow_account"`
	EncryptedSecret vault.Sealed `json:"encrypted_secret"`

	Players []Player `json:"players"`

	Winner          string       `json:"winner,omitempty"`
	SettlementTxRef chain.TxRef  `json:"settlement_tx_ref,omitempty"`
	Payout          chain.Amount `json:"payout,omitempty"`
	SettlementFee   chain.Amount `json:"settlement_fee,omitempty"`

	RefundTxRefs []chain.TxRef `json:"refund_tx_refs,omitempty"`

	Pending  *PendingBroadcast `json:"pending,omitempty"`
	Proposal *Proposal         `json:"proposal,omitempty"`
	Refund   *RefundPlan       `json:"refund,omitempty"`

	// Fault is set once the escrow secret failed authentication. Nothing is
	// signed for a faulted match again.
	Fault string `json:"fault,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Clone returns a deep copy.
func (m *Match) Clone() *Match {
	c := *m
	c.EncryptedSecret = m.EncryptedSecret.Clone()
	c.Players = slices.Clone(m.Players)
	c.RefundTxRefs = slices.Clone(m.RefundTxRefs)

	if m.Quorum != nil {
		q := *m.Quorum
		q.CoSigners = slices.Clone(m.Quorum.CoSigners)
		c.Quorum = &q
	}

	if m.Pending != nil {
		p := *m.Pending
		p.Tx.Raw = slices.Clone(m.Pending.Tx.Raw)
		c.Pending = &p
	}

	if m.Proposal != nil {
		p := *m.Proposal
		p.Approvals = slices.Clone(m.Proposal.Approvals)
		p.Request = cloneRequest(m.Proposal.Request)
		c.Proposal = &p
	}

	if m.Refund != nil {
		r := *m.Refund
		r.Legs = make([]RefundLeg, len(m.Refund.Legs))

		for i, leg := range m.Refund.Legs {
			leg.Outputs = slices.Clone(leg.Outputs)
			r.Legs[i] = leg
		}

		c.Refund = &r
	}

	return &c
}

func cloneRequest(r chain.TransferRequest) chain.TransferRequest {
	r.Inputs = slices.Clone(r.Inputs)
	r.Outputs = slices.Clone(r.Outputs)
	r.CoSignatures = slices.Clone(r.CoSignatures)

	return r
}

// PlayerIndex returns the position of address in join order.
func (m *Match) PlayerIndex(address string) (int, bool) {
	for i, p := range m.Players {
		if p.Address == address {
			return i, true
		}
	}

	return -1, false
}

func (m *Match) Depositors() []Player {
	out := []Player{}

	for _, p := range m.Players {
		if p.Deposited {
			out = append(out, p)
		}
	}

	return out
}

// AllDeposited reports whether the roster is full and every player deposited.
func (m *Match) AllDeposited() bool {
	if len(m.Players) < m.MaxPlayers {
		return false
	}

	for _, p := range m.Players {
		if !p.Deposited {
			return false
		}
	}

	return true
}

func (m *Match) Threshold() bool {
	return m.Quorum != nil
}

func (m *Match) Settled() bool {
	return m.Winner != "" && m.SettlementTxRef != ""
}
