// Package delivery addresses outbound realtime messages to a single session
// of a user, through the local WebSocket hub and/or an external NATS layer.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tyrowin/nexus-realtime/internal/session"
)

// Target is the private address of one live session.
type Target struct {
	WorkspaceID string
	UserID      int64
	SessionKey  session.Key
}

// TargetOf builds the address of a registered session.
func TargetOf(info session.Info) Target {
	return Target{WorkspaceID: info.WorkspaceID, UserID: info.UserID, SessionKey: info.Key}
}

func (t Target) String() string {
	return string(t.SessionKey)
}

// Envelope is the wire shape of every outbound message.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Deliverer sends an envelope to one session. Implementations must not block
// on slow consumers.
type Deliverer interface {
	Deliver(ctx context.Context, target Target, env Envelope) error
}

// ErrNoSession is returned when the addressed session is not connected.
var ErrNoSession = errors.New("delivery: session not connected")

// Fanout delivers every envelope through all of its deliverers.
type Fanout []Deliverer

// Deliver tries every deliverer; failures are joined, successes are kept.
func (f Fanout) Deliver(ctx context.Context, target Target, env Envelope) error {
	var errs []error
	for _, d := range f {
		if err := d.Deliver(ctx, target, env); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(f) && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Func adapts a function to the Deliverer interface.
type Func func(ctx context.Context, target Target, env Envelope) error

func (f Func) Deliver(ctx context.Context, target Target, env Envelope) error {
	return f(ctx, target, env)
}

// Safe calls d.Deliver and converts a panic into an error so one bad target
// never aborts a fan-out loop.
func Safe(ctx context.Context, d Deliverer, target Target, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery to %s panicked: %v", target, r)
		}
	}()
	return d.Deliver(ctx, target, env)
}
