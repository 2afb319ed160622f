package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/Tyrowin/nexus-realtime/internal/delivery"
	"github.com/Tyrowin/nexus-realtime/internal/directory"
	"github.com/Tyrowin/nexus-realtime/internal/identity"
	"github.com/Tyrowin/nexus-realtime/internal/logger"
	"github.com/Tyrowin/nexus-realtime/internal/session"
	"github.com/Tyrowin/nexus-realtime/internal/telemetry"
)

// Sessions looks up the live sessions of a user.
type Sessions interface {
	SessionsForUser(workspaceID string, userID int64) []session.Key
}

// ProfileSource supplies caller metadata for incoming call notifications.
type ProfileSource interface {
	Profile(ctx context.Context, workspaceID string, userID int64) (directory.Profile, error)
}

// Observer is told when a call starts ringing and when it stops ringing,
// either because it was answered or because it reached a terminal state.
type Observer interface {
	CallRinging(c Call)
	CallSettled(c Call)
}

// Options configures a Coordinator. Sessions and Deliverer are required.
type Options struct {
	Sessions  Sessions
	Deliverer delivery.Deliverer
	Recorder  Recorder
	Profiles  ProfileSource
	Clock     clock.Clock
	Metrics   *telemetry.Metrics
	Logger    *logger.Logger
}

// Initiation describes a new outgoing call.
type Initiation struct {
	Caller         identity.Principal
	ConversationID int64
	CalleeID       int64
	IsVideo        bool
	SDP            string
}

type conversationKey struct {
	workspaceID    string
	conversationID int64
}

// activeCall serializes every mutation of one call. done is set under mu
// when the call reaches a terminal state, after which the entry is evicted.
type activeCall struct {
	mu   sync.Mutex
	call Call
	done bool
}

// Coordinator owns all active calls of the process.
type Coordinator struct {
	sessions  Sessions
	deliverer delivery.Deliverer
	recorder  Recorder
	profiles  ProfileSource
	clock     clock.Clock
	metrics   *telemetry.Metrics
	log       *logger.Logger

	mu             sync.RWMutex
	calls          map[string]*activeCall
	byConversation map[conversationKey]*activeCall
	observers      []Observer
}

// NewCoordinator returns a Coordinator with no active calls.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Recorder == nil {
		opts.Recorder = RecorderFunc(func(context.Context, Outcome) {})
	}
	return &Coordinator{
		sessions:       opts.Sessions,
		deliverer:      opts.Deliverer,
		recorder:       opts.Recorder,
		profiles:       opts.Profiles,
		clock:          opts.Clock,
		metrics:        opts.Metrics,
		log:            opts.Logger.With("component", "CallCoordinator"),
		calls:          make(map[string]*activeCall),
		byConversation: make(map[conversationKey]*activeCall),
	}
}

// Observe registers an observer. It must be called before the first call is
// initiated.
func (c *Coordinator) Observe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Initiate creates a call in the caller's conversation and rings every live
// session of the callee. It fails with ErrConflict while another call of the
// same conversation is not terminal.
func (c *Coordinator) Initiate(ctx context.Context, in Initiation) (Call, error) {
	if in.Caller.UserID == in.CalleeID {
		return Call{}, ErrSelfCall
	}
	caller := c.callerProfile(ctx, in.Caller)

	key := conversationKey{workspaceID: in.Caller.WorkspaceID, conversationID: in.ConversationID}
	ac := &activeCall{call: Call{
		ID:             uuid.NewString(),
		WorkspaceID:    in.Caller.WorkspaceID,
		ConversationID: in.ConversationID,
		CallerID:       in.Caller.UserID,
		CalleeID:       in.CalleeID,
		IsVideo:        in.IsVideo,
		State:          StateInitiated,
		StartedAt:      c.clock.Now(),
	}}

	c.mu.Lock()
	if _, busy := c.byConversation[key]; busy {
		c.mu.Unlock()
		return Call{}, ErrConflict
	}
	// Locked before publication so no other operation sees INITIATED.
	ac.mu.Lock()
	defer ac.mu.Unlock()
	c.calls[ac.call.ID] = ac
	c.byConversation[key] = ac
	c.mu.Unlock()
	c.metrics.CallTransition(ctx, string(StateInitiated))

	delivered := c.relay(ctx, ac.call, ac.call.CalleeID, delivery.Envelope{
		Type: TypeIncoming,
		Payload: Incoming{
			CallID:         ac.call.ID,
			ConversationID: ac.call.ConversationID,
			SDP:            in.SDP,
			IsVideo:        ac.call.IsVideo,
			Caller:         caller,
		},
	})

	ac.call.State = StateRinging
	c.metrics.CallTransition(ctx, string(StateRinging))
	c.log.Info("Call ringing",
		"call_id", ac.call.ID,
		"workspace_id", ac.call.WorkspaceID,
		"conversation_id", ac.call.ConversationID,
		"caller_id", ac.call.CallerID,
		"callee_id", ac.call.CalleeID,
		"sessions", delivered,
	)
	for _, o := range c.snapshotObservers() {
		o.CallRinging(ac.call)
	}
	return ac.call, nil
}

// Answer accepts a ringing call on behalf of the callee and relays the SDP
// answer to the caller.
func (c *Coordinator) Answer(ctx context.Context, callID string, from identity.Principal, sdp string) error {
	return c.mutate(callID, from, func(ac *activeCall) error {
		if from.UserID != ac.call.CalleeID {
			return ErrNotParticipant
		}
		if ac.call.State != StateRinging {
			return ErrIllegalState
		}
		ac.call.State = StateAnswered
		ac.call.AnsweredAt = c.clock.Now()
		c.metrics.CallTransition(ctx, string(StateAnswered))

		c.relay(ctx, ac.call, ac.call.CallerID, delivery.Envelope{
			Type: TypeAnswer,
			Payload: Answer{
				CallID:         ac.call.ID,
				ConversationID: ac.call.ConversationID,
				SDP:            sdp,
				UserID:         from.UserID,
			},
		})
		for _, o := range c.snapshotObservers() {
			o.CallSettled(ac.call)
		}
		return nil
	})
}

// ForwardICECandidate relays candidate unchanged to the other party while
// the call is ringing or answered.
func (c *Coordinator) ForwardICECandidate(ctx context.Context, callID string, from identity.Principal, candidate json.RawMessage) error {
	return c.mutate(callID, from, func(ac *activeCall) error {
		peer, ok := ac.call.Peer(from.UserID)
		if !ok {
			return ErrNotParticipant
		}
		if ac.call.State != StateRinging && ac.call.State != StateAnswered {
			return ErrIllegalState
		}
		c.relay(ctx, ac.call, peer, delivery.Envelope{
			Type: TypeICECandidate,
			Payload: Candidate{
				CallID:         ac.call.ID,
				ConversationID: ac.call.ConversationID,
				Candidate:      candidate,
				UserID:         from.UserID,
			},
		})
		return nil
	})
}

// End hangs up. An answered call becomes ENDED. A ringing call becomes
// CANCELLED when the caller hangs up and REJECTED when the callee does.
func (c *Coordinator) End(ctx context.Context, callID string, from identity.Principal) (State, error) {
	var final State
	err := c.mutate(callID, from, func(ac *activeCall) error {
		peer, ok := ac.call.Peer(from.UserID)
		if !ok {
			return ErrNotParticipant
		}
		switch {
		case ac.call.State == StateAnswered:
			final = StateEnded
		case ac.call.State == StateRinging && from.UserID == ac.call.CallerID:
			final = StateCancelled
		case ac.call.State == StateRinging:
			final = StateRejected
		default:
			return ErrIllegalState
		}
		c.finish(ctx, ac, final)
		c.relay(ctx, ac.call, peer, delivery.Envelope{Type: TypeEnd, Payload: c.notice(ac.call, from.UserID)})
		return nil
	})
	return final, err
}

// Reject declines a ringing call on behalf of the callee.
func (c *Coordinator) Reject(ctx context.Context, callID string, from identity.Principal) error {
	return c.mutate(callID, from, func(ac *activeCall) error {
		if from.UserID != ac.call.CalleeID {
			return ErrNotParticipant
		}
		if ac.call.State != StateRinging {
			return ErrIllegalState
		}
		c.finish(ctx, ac, StateRejected)
		c.relay(ctx, ac.call, ac.call.CallerID, delivery.Envelope{Type: TypeReject, Payload: c.notice(ac.call, from.UserID)})
		return nil
	})
}

// MarkMissed moves a call that is still ringing to MISSED and notifies both
// parties. It is driven by an external timeout policy such as RingTimeout.
func (c *Coordinator) MarkMissed(ctx context.Context, callID string) error {
	c.mu.RLock()
	ac, ok := c.calls[callID]
	c.mu.RUnlock()
	if !ok {
		return ErrUnknownCall
	}

	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.done {
		return ErrUnknownCall
	}
	if ac.call.State != StateRinging {
		return ErrIllegalState
	}
	c.finish(ctx, ac, StateMissed)
	env := delivery.Envelope{Type: TypeEnd, Payload: c.notice(ac.call, 0)}
	c.relay(ctx, ac.call, ac.call.CallerID, env)
	c.relay(ctx, ac.call, ac.call.CalleeID, env)
	return nil
}

// Get returns a snapshot of an active call.
func (c *Coordinator) Get(callID string) (Call, bool) {
	c.mu.RLock()
	ac, ok := c.calls[callID]
	c.mu.RUnlock()
	if !ok {
		return Call{}, false
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.call, !ac.done
}

// Active returns the non-terminal call of a conversation, if any.
func (c *Coordinator) Active(workspaceID string, conversationID int64) (Call, bool) {
	c.mu.RLock()
	ac, ok := c.byConversation[conversationKey{workspaceID: workspaceID, conversationID: conversationID}]
	c.mu.RUnlock()
	if !ok {
		return Call{}, false
	}
	return c.Get(ac.call.ID)
}

// Len returns the number of active calls.
func (c *Coordinator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.calls)
}

// mutate runs fn under the call's lock after checking that the call exists,
// is not terminal and belongs to the sender's workspace.
func (c *Coordinator) mutate(callID string, from identity.Principal, fn func(ac *activeCall) error) error {
	c.mu.RLock()
	ac, ok := c.calls[callID]
	c.mu.RUnlock()
	if !ok {
		return ErrUnknownCall
	}

	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.done {
		return ErrIllegalState
	}
	if ac.call.WorkspaceID != from.WorkspaceID {
		return ErrUnknownCall
	}
	return fn(ac)
}

// finish applies a terminal state, hands the outcome to the recorder and
// evicts the call. The caller holds ac.mu.
func (c *Coordinator) finish(ctx context.Context, ac *activeCall, final State) {
	ac.call.State = final
	ac.call.EndedAt = c.clock.Now()
	ac.done = true
	c.metrics.CallTransition(ctx, string(final))

	c.record(ctx, newOutcome(ac.call))

	c.mu.Lock()
	delete(c.calls, ac.call.ID)
	key := conversationKey{workspaceID: ac.call.WorkspaceID, conversationID: ac.call.ConversationID}
	if c.byConversation[key] == ac {
		delete(c.byConversation, key)
	}
	observers := c.observers
	c.mu.Unlock()

	c.log.Info("Call finished",
		"call_id", ac.call.ID,
		"workspace_id", ac.call.WorkspaceID,
		"conversation_id", ac.call.ConversationID,
		"state", string(final),
	)
	for _, o := range observers {
		o.CallSettled(ac.call)
	}
}

func (c *Coordinator) record(ctx context.Context, outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Recovered from panic in call recorder", "call_id", outcome.ID, "panic", r)
		}
	}()
	c.recorder.Record(ctx, outcome)
}

// relay sends env to every live session of userID and returns how many
// deliveries succeeded. Failures are isolated per session.
func (c *Coordinator) relay(ctx context.Context, call Call, userID int64, env delivery.Envelope) int {
	keys := c.sessions.SessionsForUser(call.WorkspaceID, userID)
	delivered := 0
	var errs []error
	for _, key := range keys {
		target := delivery.Target{WorkspaceID: call.WorkspaceID, UserID: userID, SessionKey: key}
		if err := delivery.Safe(ctx, c.deliverer, target, env); err != nil {
			errs = append(errs, err)
			c.metrics.DeliveryFailed(ctx, env.Type)
			continue
		}
		delivered++
	}
	if len(errs) > 0 {
		c.log.Warn("Call relay partially failed",
			"call_id", call.ID,
			"type", env.Type,
			"user_id", userID,
			"error", errors.Join(errs...),
		)
	}
	if len(keys) == 0 {
		c.log.Debug("No live session for call relay", "call_id", call.ID, "type", env.Type, "user_id", userID)
	}
	return delivered
}

func (c *Coordinator) notice(call Call, by int64) Notice {
	return Notice{CallID: call.ID, ConversationID: call.ConversationID, Status: call.State, UserID: by}
}

func (c *Coordinator) callerProfile(ctx context.Context, caller identity.Principal) directory.Profile {
	if c.profiles == nil {
		return directory.Profile{UserID: caller.UserID}
	}
	p, err := c.profiles.Profile(ctx, caller.WorkspaceID, caller.UserID)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			c.log.Warn("Failed to load caller profile", "user_id", caller.UserID, "error", err)
		}
		return directory.Profile{UserID: caller.UserID}
	}
	return p
}

func (c *Coordinator) snapshotObservers() []Observer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.observers
}
