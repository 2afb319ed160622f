// Package call coordinates the signaling lifecycle of one-to-one calls and
// relays offers, answers and ICE candidates between the two parties' live
// sessions. Media never passes through this package.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Tyrowin/nexus-realtime/internal/directory"
)

// State is the lifecycle state of a call.
type State string

const (
	StateInitiated State = "INITIATED"
	StateRinging   State = "RINGING"
	StateAnswered  State = "ANSWERED"
	StateRejected  State = "REJECTED"
	StateCancelled State = "CANCELLED"
	StateMissed    State = "MISSED"
	StateEnded     State = "ENDED"
)

// Terminal reports whether no further transition is accepted from s.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateCancelled, StateMissed, StateEnded:
		return true
	default:
		return false
	}
}

// LogStatus maps a terminal state to the status stored in the call log. A
// call that was answered and then hung up is logged as ANSWERED.
func (s State) LogStatus() string {
	if s == StateEnded {
		return string(StateAnswered)
	}
	return string(s)
}

var (
	ErrConflict       = errors.New("call: conversation already has an active call")
	ErrUnknownCall    = errors.New("call: unknown call")
	ErrIllegalState   = errors.New("call: illegal state for operation")
	ErrNotParticipant = errors.New("call: sender is not a participant")
	ErrSelfCall       = errors.New("call: caller and callee are the same user")
)

// Call is a snapshot of an active call.
type Call struct {
	ID             string    `json:"callId"`
	WorkspaceID    string    `json:"workspaceId"`
	ConversationID int64     `json:"conversationId"`
	CallerID       int64     `json:"callerId"`
	CalleeID       int64     `json:"calleeId"`
	IsVideo        bool      `json:"isVideo"`
	State          State     `json:"state"`
	StartedAt      time.Time `json:"startedAt"`
	AnsweredAt     time.Time `json:"answeredAt,omitzero"`
	EndedAt        time.Time `json:"endedAt,omitzero"`
}

// Peer returns the other party of userID, or false if userID is not in the
// call.
func (c Call) Peer(userID int64) (int64, bool) {
	switch userID {
	case c.CallerID:
		return c.CalleeID, true
	case c.CalleeID:
		return c.CallerID, true
	default:
		return 0, false
	}
}

// Outcome is handed to the Recorder when a call reaches a terminal state.
type Outcome struct {
	Call
	Status       string
	Participants []int64
}

func newOutcome(c Call) Outcome {
	return Outcome{
		Call:         c,
		Status:       c.State.LogStatus(),
		Participants: []int64{c.CallerID, c.CalleeID},
	}
}

// Recorder persists terminal call outcomes. Record must not block on slow
// storage; failures are the recorder's own concern.
type Recorder interface {
	Record(ctx context.Context, outcome Outcome)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, outcome Outcome)

func (f RecorderFunc) Record(ctx context.Context, outcome Outcome) { f(ctx, outcome) }

// Outbound envelope types.
const (
	TypeIncoming     = "call/incoming"
	TypeInitiated    = "call/initiated"
	TypeAnswer       = "call/answer"
	TypeICECandidate = "call/ice-candidate"
	TypeEnd          = "call/end"
	TypeReject       = "call/reject"
)

// Incoming is the offer relayed to every session of the callee.
type Incoming struct {
	CallID         string            `json:"callId"`
	ConversationID int64             `json:"conversationId"`
	SDP            string            `json:"sdp"`
	IsVideo        bool              `json:"isVideo"`
	Caller         directory.Profile `json:"caller"`
}

// Answer is relayed to every session of the caller.
type Answer struct {
	CallID         string `json:"callId"`
	ConversationID int64  `json:"conversationId"`
	SDP            string `json:"sdp"`
	UserID         int64  `json:"userId"`
}

// Candidate carries an ICE candidate exactly as the sender produced it.
type Candidate struct {
	CallID         string          `json:"callId"`
	ConversationID int64           `json:"conversationId"`
	Candidate      json.RawMessage `json:"candidate"`
	UserID         int64           `json:"userId"`
}

type candidateFields struct {
	CallID         string `json:"callId"`
	ConversationID int64  `json:"conversationId"`
	UserID         int64  `json:"userId"`
}

// VerbatimField lets delivery.Encode copy the candidate onto the wire
// unchanged.
func (c Candidate) VerbatimField() (any, string, json.RawMessage) {
	return candidateFields{CallID: c.CallID, ConversationID: c.ConversationID, UserID: c.UserID}, "candidate", c.Candidate
}

// Notice announces that a call was ended, cancelled, missed or rejected.
type Notice struct {
	CallID         string `json:"callId"`
	ConversationID int64  `json:"conversationId"`
	Status         State  `json:"status"`
	UserID         int64  `json:"userId,omitempty"`
}
