// Package dispatch routes inbound realtime frames of a connection to the
// session registry, the presence tracker and the call coordinator.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Tyrowin/nexus-realtime/internal/call"
	"github.com/Tyrowin/nexus-realtime/internal/delivery"
	"github.com/Tyrowin/nexus-realtime/internal/directory"
	"github.com/Tyrowin/nexus-realtime/internal/identity"
	"github.com/Tyrowin/nexus-realtime/internal/logger"
	"github.com/Tyrowin/nexus-realtime/internal/presence"
	"github.com/Tyrowin/nexus-realtime/internal/session"
	"github.com/Tyrowin/nexus-realtime/internal/telemetry"
	"github.com/Tyrowin/nexus-realtime/internal/typing"
)

// Inbound frame types.
const (
	TypeSubscribe      = "subscribe-conversations"
	TypeTyping         = "typing"
	TypeCallInitiate   = "call/initiate"
	TypeCallAnswer     = "call/answer"
	TypeCallICE        = "call/ice-candidate"
	TypeCallEnd        = "call/end"
	TypeCallReject     = "call/reject"
	TypePresenceActive = "presence/active"
	TypePresenceIdle   = "presence/idle"
	TypePresenceStatus = "presence/status"
)

// TypeError is the envelope type of errors returned to the sender.
const TypeError = "error"

// Error codes.
const (
	CodeBadRequest  = "bad-request"
	CodeUnknownType = "unknown-type"
	CodeConflict    = "conflict"
)

// Frame is the wire shape of every inbound message.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Error is returned to the sending session only.
type Error struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	Type           string `json:"type,omitempty"`
	ConversationID int64  `json:"conversationId,omitempty"`
	CallID         string `json:"callId,omitempty"`
}

type subscribePayload struct {
	VisibleConversations []int64 `json:"visibleConversations"`
	OpenedConversation   *int64  `json:"openedConversation"`
	DeviceType           string  `json:"deviceType"`
}

type typingPayload struct {
	ConversationID int64  `json:"conversationId"`
	Typing         bool   `json:"typing"`
	DeviceType     string `json:"deviceType"`
	DeviceID       string `json:"deviceId"`
}

// Typing is relayed to the other participants' sessions.
type Typing struct {
	ConversationID int64               `json:"conversationId"`
	UserID         int64               `json:"userId"`
	Typing         bool                `json:"typing"`
	DeviceType     identity.DeviceType `json:"deviceType"`
}

type initiatePayload struct {
	ConversationID int64  `json:"conversationId"`
	SDP            string `json:"sdp"`
	IsVideo        bool   `json:"isVideo"`
}

type callPayload struct {
	CallID    string          `json:"callId"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type statusPayload struct {
	Status string `json:"status"`
}

// Options wires a Dispatcher to its collaborators. Every field except
// Metrics and Logger is required.
type Options struct {
	Registry  *session.Registry
	Tracker   *presence.Tracker
	Calls     *call.Coordinator
	Directory directory.Directory
	Throttle  *typing.Throttle
	Deliverer delivery.Deliverer
	Metrics   *telemetry.Metrics
	Logger    *logger.Logger
}

// Dispatcher implements delivery.FrameHandler.
type Dispatcher struct {
	registry  *session.Registry
	tracker   *presence.Tracker
	calls     *call.Coordinator
	directory directory.Directory
	throttle  *typing.Throttle
	deliverer delivery.Deliverer
	metrics   *telemetry.Metrics
	log       *logger.Logger
}

func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Dispatcher{
		registry:  opts.Registry,
		tracker:   opts.Tracker,
		calls:     opts.Calls,
		directory: opts.Directory,
		throttle:  opts.Throttle,
		deliverer: opts.Deliverer,
		metrics:   opts.Metrics,
		log:       opts.Logger.With("component", "Dispatcher"),
	}
}

// Connect registers the session of p and marks the user active.
func (d *Dispatcher) Connect(ctx context.Context, p identity.Principal) {
	key := session.NewKey(p)
	if !d.registry.Register(key, p) {
		d.log.Debug("Session already registered", "session", string(key))
	}
	d.metrics.ConnectionOpened(ctx, string(p.DeviceType))
	d.tracker.Activity(ctx, p)
}

// Disconnect removes the session of p. When it was the user's last session
// in the workspace the user becomes inactive.
func (d *Dispatcher) Disconnect(ctx context.Context, p identity.Principal) {
	_, remaining, removed := d.registry.Remove(session.NewKey(p))
	if !removed {
		return
	}
	if remaining == 0 {
		d.tracker.Inactivity(ctx, p)
	}
}

// HandleFrame processes one inbound frame and returns the envelopes to send
// back to the same session.
func (d *Dispatcher) HandleFrame(ctx context.Context, p identity.Principal, raw []byte) []delivery.Envelope {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
		return reply(Error{Code: CodeBadRequest, Message: "Invalid message format"})
	}

	switch frame.Type {
	case TypeSubscribe:
		return d.subscribe(p, frame)
	case TypeTyping:
		return d.typing(ctx, p, frame)
	case TypeCallInitiate:
		return d.initiate(ctx, p, frame)
	case TypeCallAnswer, TypeCallICE, TypeCallEnd, TypeCallReject:
		return d.signal(ctx, p, frame)
	case TypePresenceActive:
		d.tracker.Activity(ctx, p)
		return nil
	case TypePresenceIdle:
		d.tracker.Inactivity(ctx, p)
		return nil
	case TypePresenceStatus:
		return d.setStatus(ctx, p, frame)
	default:
		return reply(Error{Code: CodeUnknownType, Message: "Unknown message type", Type: frame.Type})
	}
}

func (d *Dispatcher) subscribe(p identity.Principal, frame Frame) []delivery.Envelope {
	var payload subscribePayload
	if err := decode(frame, &payload); err != nil {
		return badRequest(frame.Type, err)
	}
	key := session.NewKey(p)
	if !d.registry.UpdateVisibility(key, payload.VisibleConversations, payload.OpenedConversation) {
		d.log.Debug("Ignoring subscription of unknown session", "session", string(key))
	}
	return nil
}

func (d *Dispatcher) typing(ctx context.Context, p identity.Principal, frame Frame) []delivery.Envelope {
	var payload typingPayload
	if err := decode(frame, &payload); err != nil || payload.ConversationID == 0 {
		return badRequest(frame.Type, err)
	}

	device := firstNonEmpty(payload.DeviceID, p.DeviceID, string(p.DeviceType))
	if payload.Typing && !d.throttle.ShouldSend(typing.Key(p.WorkspaceID, p.UserID, device)) {
		d.metrics.TypingSuppressed(ctx)
		return nil
	}

	env := delivery.Envelope{Type: TypeTyping, Payload: Typing{
		ConversationID: payload.ConversationID,
		UserID:         p.UserID,
		Typing:         payload.Typing,
		DeviceType:     p.DeviceType,
	}}
	for key := range d.registry.FindMatching(p.WorkspaceID, []int64{payload.ConversationID}) {
		info, ok := d.registry.Get(key)
		if !ok || info.UserID == p.UserID {
			continue
		}
		if err := delivery.Safe(ctx, d.deliverer, delivery.TargetOf(info), env); err != nil {
			d.metrics.DeliveryFailed(ctx, TypeTyping)
			d.log.Debug("Typing relay failed", "session", string(key), "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) initiate(ctx context.Context, p identity.Principal, frame Frame) []delivery.Envelope {
	var payload initiatePayload
	if err := decode(frame, &payload); err != nil || payload.ConversationID == 0 {
		return badRequest(frame.Type, err)
	}

	callee, err := d.directory.Counterpart(ctx, p.WorkspaceID, payload.ConversationID, p.UserID)
	if err != nil {
		d.log.Info("Rejecting call initiation",
			"principal", p.String(),
			"conversation_id", payload.ConversationID,
			"error", err,
		)
		return reply(Error{
			Code:           CodeBadRequest,
			Message:        "Calls are only supported in one-to-one conversations you take part in",
			Type:           frame.Type,
			ConversationID: payload.ConversationID,
		})
	}

	c, err := d.calls.Initiate(ctx, call.Initiation{
		Caller:         p,
		ConversationID: payload.ConversationID,
		CalleeID:       callee,
		IsVideo:        payload.IsVideo,
		SDP:            payload.SDP,
	})
	switch {
	case errors.Is(err, call.ErrConflict):
		active, _ := d.calls.Active(p.WorkspaceID, payload.ConversationID)
		return reply(Error{
			Code:           CodeConflict,
			Message:        "A call is already in progress in this conversation",
			Type:           frame.Type,
			ConversationID: payload.ConversationID,
			CallID:         active.ID,
		})
	case err != nil:
		return badRequest(frame.Type, err)
	}
	return []delivery.Envelope{{Type: call.TypeInitiated, Payload: c}}
}

func (d *Dispatcher) signal(ctx context.Context, p identity.Principal, frame Frame) []delivery.Envelope {
	var payload callPayload
	if err := decode(frame, &payload); err != nil || payload.CallID == "" {
		return badRequest(frame.Type, err)
	}

	var err error
	switch frame.Type {
	case TypeCallAnswer:
		err = d.calls.Answer(ctx, payload.CallID, p, payload.SDP)
	case TypeCallICE:
		err = d.calls.ForwardICECandidate(ctx, payload.CallID, p, payload.Candidate)
	case TypeCallEnd:
		_, err = d.calls.End(ctx, payload.CallID, p)
	case TypeCallReject:
		err = d.calls.Reject(ctx, payload.CallID, p)
	}
	if err != nil {
		// Signaling races with the other party; the sender is not told.
		d.log.Debug("Dropping call signal",
			"type", frame.Type,
			"call_id", payload.CallID,
			"principal", p.String(),
			"error", err,
		)
	}
	return nil
}

func (d *Dispatcher) setStatus(ctx context.Context, p identity.Principal, frame Frame) []delivery.Envelope {
	var payload statusPayload
	if err := decode(frame, &payload); err != nil {
		return badRequest(frame.Type, err)
	}
	status, err := presence.ParseUserStatus(payload.Status)
	if err != nil {
		return badRequest(frame.Type, err)
	}
	if err := d.tracker.SetStatus(ctx, p, status); err != nil {
		return badRequest(frame.Type, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func decode(frame Frame, v any) error {
	if len(frame.Payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(frame.Payload, v)
}

func reply(e Error) []delivery.Envelope {
	return []delivery.Envelope{{Type: TypeError, Payload: e}}
}

func badRequest(frameType string, err error) []delivery.Envelope {
	msg := "Invalid payload"
	if err != nil {
		msg = err.Error()
	}
	return reply(Error{Code: CodeBadRequest, Message: msg, Type: frameType})
}
