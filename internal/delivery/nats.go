package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Tyrowin/nexus-realtime/internal/identity"
	"github.com/Tyrowin/nexus-realtime/internal/logger"
	"github.com/Tyrowin/nexus-realtime/internal/session"
)

// Header names carried on NATS messages in both directions.
const (
	HeaderSessionKey  = "Session-Key"
	HeaderMessageType = "Message-Type"
	HeaderWorkspace   = "Workspace-Id"
	HeaderUser        = "User-Id"
	HeaderDevice      = "Device-Type"
	HeaderDeviceID    = "Device-Id"
)

// Lifecycle frame types sent by an external gateway on the inbound subject.
const (
	FrameSessionConnect    = "session/connect"
	FrameSessionDisconnect = "session/disconnect"
)

// Connect dials NATS with reconnect handling.
func Connect(url, name string, log *logger.Logger) (*nats.Conn, error) {
	log = log.With("component", "NATS")
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
}

// NATSPublisher publishes envelopes on the per-user subject of the external
// messaging layer: <prefix>.out.<workspace>.<user>. The session key travels
// in a header so the gateway can pick the exact connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// UserSubject returns the private subject of a user within a workspace.
func UserSubject(prefix, workspaceID string, userID int64) string {
	return prefix + ".out." + subjectToken(workspaceID) + "." + strconv.FormatInt(userID, 10)
}

// InboundSubject returns the subject external gateways publish frames to.
func InboundSubject(prefix string) string {
	return prefix + ".in"
}

func (p *NATSPublisher) Deliver(_ context.Context, target Target, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(UserSubject(p.prefix, target.WorkspaceID, target.UserID))
	msg.Data = data
	msg.Header.Set(HeaderSessionKey, string(target.SessionKey))
	msg.Header.Set(HeaderMessageType, env.Type)
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// FrameHandler processes inbound frames on behalf of a principal.
type FrameHandler interface {
	Connect(ctx context.Context, p identity.Principal)
	Disconnect(ctx context.Context, p identity.Principal)
	HandleFrame(ctx context.Context, p identity.Principal, raw []byte) []Envelope
}

// NATSSubscriber feeds frames published by an external WebSocket gateway on
// <prefix>.in into a FrameHandler. Replies go back through the deliverer.
type NATSSubscriber struct {
	nc      *nats.Conn
	prefix  string
	handler FrameHandler
	replies Deliverer
	log     *logger.Logger
	sub     *nats.Subscription
}

func NewNATSSubscriber(nc *nats.Conn, prefix string, handler FrameHandler, replies Deliverer, log *logger.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		nc:      nc,
		prefix:  prefix,
		handler: handler,
		replies: replies,
		log:     log.With("component", "NATSSubscriber"),
	}
}

// Start subscribes to the inbound subject. Sessions, presence and active
// calls live in this process, so every frame of every connection must reach
// the same instance: inbound mode runs exactly one subscriber per prefix and
// never joins a queue group.
func (s *NATSSubscriber) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe(InboundSubject(s.prefix), func(msg *nats.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	s.sub = sub
	s.log.Info("Subscribed to inbound frames", "subject", sub.Subject)
	return nil
}

// Stop drains the subscription.
func (s *NATSSubscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

func (s *NATSSubscriber) handle(ctx context.Context, msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Recovered from panic handling inbound frame", "panic", r)
		}
	}()

	p, err := principalFromHeader(msg.Header)
	if err != nil {
		s.log.Warn("Dropping inbound frame without identity", "error", err)
		return
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg.Data, &head); err != nil {
		s.log.Warn("Dropping malformed inbound frame", "principal", p.String(), "error", err)
		return
	}

	switch head.Type {
	case FrameSessionConnect:
		s.handler.Connect(ctx, p)
	case FrameSessionDisconnect:
		s.handler.Disconnect(ctx, p)
	default:
		target := Target{WorkspaceID: p.WorkspaceID, UserID: p.UserID, SessionKey: session.NewKey(p)}
		for _, reply := range s.handler.HandleFrame(ctx, p, msg.Data) {
			if err := Safe(ctx, s.replies, target, reply); err != nil {
				s.log.Warn("Failed to deliver reply", "type", reply.Type, "error", err)
			}
		}
	}
}

func principalFromHeader(h nats.Header) (identity.Principal, error) {
	if h == nil {
		return identity.Principal{}, identity.ErrMissingWorkspace
	}
	userID, err := strconv.ParseInt(h.Get(HeaderUser), 10, 64)
	if err != nil {
		return identity.Principal{}, identity.ErrMissingUser
	}
	p := identity.Principal{
		WorkspaceID: h.Get(HeaderWorkspace),
		UserID:      userID,
		DeviceType:  identity.ParseDeviceType(h.Get(HeaderDevice)),
		DeviceID:    h.Get(HeaderDeviceID),
	}
	return p, p.Validate()
}

func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}
