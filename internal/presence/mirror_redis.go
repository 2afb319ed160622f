package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/nexus-realtime/internal/identity"
	"github.com/Tyrowin/nexus-realtime/internal/logger"
	"github.com/Tyrowin/nexus-realtime/internal/workpool"
)

// RedisMirror copies every presence change into redis so that other
// services can read presence without talking to this process.
type RedisMirror struct {
	rdb       redis.UniversalClient
	pool      *workpool.Pool
	retention time.Duration
	log       *logger.Logger
}

func NewRedisMirror(rdb redis.UniversalClient, pool *workpool.Pool, retention time.Duration, log *logger.Logger) *RedisMirror {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisMirror{rdb: rdb, pool: pool, retention: retention, log: log.With("component", "PresenceMirror")}
}

func mirrorKey(workspaceID string, userID int64) string {
	return "presence:" + workspaceID + ":" + strconv.FormatInt(userID, 10)
}

func (m *RedisMirror) OnChange(_ context.Context, change Change) {
	key := mirrorKey(change.WorkspaceID, change.UserID)
	if !m.pool.Submit(key, func(ctx context.Context) {
		if err := m.Write(ctx, change); err != nil {
			m.log.Warn("Failed to mirror presence", "key", key, "error", err)
		}
	}) {
		m.log.Warn("Dropping presence mirror write; work pool unavailable", "key", key)
	}
}

// Write stores the change. OFFLINE entries expire after the retention
// period, matching the in-memory reaper.
func (m *RedisMirror) Write(ctx context.Context, change Change) error {
	key := mirrorKey(change.WorkspaceID, change.UserID)
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"status", string(change.Status),
		"lastUpdated", change.At.UTC().Format(time.RFC3339Nano),
		"deviceType", string(change.DeviceType),
	)
	if change.Status == StatusOffline {
		pipe.Expire(ctx, key, m.retention)
	} else {
		pipe.Persist(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror presence %s: %w", key, err)
	}
	return nil
}

// Lookup reads a mirrored record.
func (m *RedisMirror) Lookup(ctx context.Context, workspaceID string, userID int64) (Record, bool, error) {
	values, err := m.rdb.HGetAll(ctx, mirrorKey(workspaceID, userID)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup presence: %w", err)
	}
	if len(values) == 0 {
		return Record{}, false, nil
	}
	updated, err := time.Parse(time.RFC3339Nano, values["lastUpdated"])
	if err != nil {
		return Record{}, false, fmt.Errorf("parse lastUpdated: %w", err)
	}
	return Record{
		Status:      Status(values["status"]),
		LastUpdated: updated,
		DeviceType:  identity.DeviceType(values["deviceType"]),
	}, true, nil
}
