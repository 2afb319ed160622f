package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/Tyrowin/nexus-realtime/internal/logger"
)

// Invalidator drops cached directory data of one user.
type Invalidator interface {
	Invalidate(ctx context.Context, workspaceID string, userID int64) error
}

// MembershipChange is published by the chat product when users join or leave
// conversations, or edit their profile.
type MembershipChange struct {
	WorkspaceID string  `json:"workspaceId"`
	UserIDs     []int64 `json:"userIds"`
}

// MembershipSubject is the subject membership changes are published on.
func MembershipSubject(prefix string) string {
	return prefix + ".directory.membership"
}

// ApplyMembershipChange decodes a change and invalidates every user it names.
// It returns the number of users invalidated.
func ApplyMembershipChange(ctx context.Context, inv Invalidator, data []byte) (int, error) {
	var change MembershipChange
	if err := json.Unmarshal(data, &change); err != nil {
		return 0, fmt.Errorf("decode membership change: %w", err)
	}
	if strings.TrimSpace(change.WorkspaceID) == "" {
		return 0, errors.New("membership change without workspace")
	}

	var errs []error
	n := 0
	for _, userID := range change.UserIDs {
		if userID <= 0 {
			continue
		}
		if err := inv.Invalidate(ctx, change.WorkspaceID, userID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// ListenMembershipChanges invalidates cached entries whenever a membership
// change arrives.
func ListenMembershipChanges(ctx context.Context, nc *nats.Conn, prefix string, inv Invalidator, log *logger.Logger) (*nats.Subscription, error) {
	log = log.With("component", "DirectoryInvalidation")
	sub, err := nc.Subscribe(MembershipSubject(prefix), func(msg *nats.Msg) {
		n, err := ApplyMembershipChange(ctx, inv, msg.Data)
		if err != nil {
			log.Warn("Membership change not fully applied", "invalidated", n, "error", err)
			return
		}
		log.Debug("Directory cache invalidated", "users", n)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", MembershipSubject(prefix), err)
	}
	return sub, nil
}
