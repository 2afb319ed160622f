package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/Tyrowin/nexus-realtime/internal/delivery"
	"github.com/Tyrowin/nexus-realtime/internal/identity"
	"github.com/Tyrowin/nexus-realtime/internal/logger"
	"github.com/Tyrowin/nexus-realtime/internal/session"
	"github.com/Tyrowin/nexus-realtime/internal/telemetry"
	"github.com/Tyrowin/nexus-realtime/internal/workpool"
)

// TypePresence is the envelope type of presence deltas.
const TypePresence = "presence"

// Delta is the payload delivered to each matched session.
type Delta struct {
	ConversationID int64               `json:"conversationId"`
	UserID         int64               `json:"userId"`
	Status         Status              `json:"status"`
	DeviceType     identity.DeviceType `json:"deviceType"`
}

// Conversations resolves the one-to-one conversations of a user.
type Conversations interface {
	OneToOneConversationIDs(ctx context.Context, workspaceID string, userID int64) ([]int64, error)
}

// Sessions is the read side of the session registry used for fan-out.
type Sessions interface {
	FindMatching(workspaceID string, conversationIDs []int64) map[session.Key][]int64
	Get(key session.Key) (session.Info, bool)
}

// Broadcaster delivers presence changes to every session of other users that
// has one of the user's one-to-one conversations visible.
type Broadcaster struct {
	conversations Conversations
	sessions      Sessions
	deliverer     delivery.Deliverer
	pool          *workpool.Pool
	metrics       *telemetry.Metrics
	log           *logger.Logger
}

func NewBroadcaster(conversations Conversations, sessions Sessions, deliverer delivery.Deliverer, pool *workpool.Pool, metrics *telemetry.Metrics, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		conversations: conversations,
		sessions:      sessions,
		deliverer:     deliverer,
		pool:          pool,
		metrics:       metrics,
		log:           log.With("component", "PresenceBroadcaster"),
	}
}

// OnChange hands the change to the worker pool. Changes of one user are
// published in the order they were applied.
func (b *Broadcaster) OnChange(_ context.Context, change Change) {
	key := "presence:" + change.WorkspaceID + ":" + strconv.FormatInt(change.UserID, 10)
	if !b.pool.Submit(key, func(ctx context.Context) {
		if _, err := b.Publish(ctx, change); err != nil {
			b.log.Warn("Presence broadcast incomplete",
				"workspace_id", change.WorkspaceID,
				"user_id", change.UserID,
				"status", string(change.Status),
				"error", err,
			)
		}
	}) {
		b.log.Warn("Dropping presence broadcast; work pool unavailable",
			"workspace_id", change.WorkspaceID,
			"user_id", change.UserID,
			"status", string(change.Status),
		)
	}
}

// Publish performs the fan-out synchronously and returns the number of
// sessions reached. Per-session failures do not stop the loop; they are
// joined into the returned error.
func (b *Broadcaster) Publish(ctx context.Context, change Change) (int, error) {
	ids, err := b.conversations.OneToOneConversationIDs(ctx, change.WorkspaceID, change.UserID)
	if err != nil {
		return 0, fmt.Errorf("resolve conversations of user %d: %w", change.UserID, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	matches := b.sessions.FindMatching(change.WorkspaceID, ids)
	keys := make([]session.Key, 0, len(matches))
	for key := range matches {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	delivered := 0
	var errs []error
	for _, key := range keys {
		info, ok := b.sessions.Get(key)
		if !ok || info.UserID == change.UserID {
			continue
		}
		// A session seeing several of the user's conversations is addressed
		// through the lowest matched id only.
		env := delivery.Envelope{
			Type: TypePresence,
			Payload: Delta{
				ConversationID: matches[key][0],
				UserID:         change.UserID,
				Status:         change.Status,
				DeviceType:     change.DeviceType,
			},
		}
		if err := delivery.Safe(ctx, b.deliverer, delivery.TargetOf(info), env); err != nil {
			b.metrics.DeliveryFailed(ctx, TypePresence)
			errs = append(errs, err)
			continue
		}
		b.metrics.PresenceDelivered(ctx)
		delivered++
	}
	return delivered, errors.Join(errs...)
}
