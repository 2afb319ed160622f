// Package presence tracks the online/away/offline state of every user and
// fans state changes out to the sessions that can see them.
package presence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Tyrowin/nexus-realtime/internal/identity"
)

// Status is the presence status of a user.
type Status string

const (
	StatusOnline    Status = "ONLINE"
	StatusAway      Status = "AWAY"
	StatusOffline   Status = "OFFLINE"
	StatusBusy      Status = "BUSY"
	StatusAvailable Status = "AVAILABLE"
)

// Online reports whether s belongs to the online family. BUSY and AVAILABLE
// are user-chosen variants of ONLINE.
func (s Status) Online() bool {
	switch s {
	case StatusOnline, StatusBusy, StatusAvailable:
		return true
	default:
		return false
	}
}

// ParseUserStatus parses a status a user may choose explicitly.
func ParseUserStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusOnline, StatusBusy, StatusAvailable:
		return st, nil
	default:
		return "", ErrInvalidStatus
	}
}

var ErrInvalidStatus = errors.New("presence: status cannot be set by the user")

// Record is the stored presence of one user.
type Record struct {
	Status      Status
	LastUpdated time.Time
	DeviceType  identity.DeviceType
}

// Change describes one applied transition.
type Change struct {
	WorkspaceID string
	UserID      int64
	Status      Status
	Previous    Status
	DeviceType  identity.DeviceType
	At          time.Time
}

// Listener receives presence changes. OnChange is called while the user's
// state is locked, so implementations must hand work off and return.
type Listener interface {
	OnChange(ctx context.Context, change Change)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, change Change)

func (f ListenerFunc) OnChange(ctx context.Context, change Change) { f(ctx, change) }
