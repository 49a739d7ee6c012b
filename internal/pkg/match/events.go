package match

import (
	"time"

	"github.com/vreid/kakeru/internal/pkg/chain"
)

type EventKind string

const (
	EventCreated       EventKind = "created"
	EventJoined        EventKind = "joined"
	EventDeposit       EventKind = "deposit"
	EventTransition    EventKind = "transition"
	EventProposal      EventKind = "proposal"
	EventApproval      EventKind = "approval"
	EventBroadcast     EventKind = "broadcast"
	EventBroadcastFail EventKind = "broadcast-failed"
	EventReconciled    EventKind = "reconciled"
	EventFault         EventKind = "fault"
)

// Event is published after a commit. Consumers only observe; nothing in the
// engine waits for them.
type Event struct {
	MatchID string      `json:"match_id"`
	Kind    EventKind   `json:"kind"`
	State   State       `json:"state"`
	From    State       `json:"from,omitempty"`
	Detail  string      `json:"detail,omitempty"`
	TxRef   chain.TxRef `json:"tx_ref,omitempty"`
	At      time.Time   `json:"at"`
}
