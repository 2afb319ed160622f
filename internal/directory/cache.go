package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/nexus-realtime/internal/logger"
)

// emptyMarker keeps "user has no one-to-one conversations" cacheable, since
// redis cannot store an empty set.
const emptyMarker = "-"

// Cache is a read-through redis cache in front of another Directory. Redis
// failures fall back to the underlying directory.
type Cache struct {
	next Directory
	rdb  redis.UniversalClient
	ttl  time.Duration
	log  *logger.Logger
}

func NewCache(next Directory, rdb redis.UniversalClient, ttl time.Duration, log *logger.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{next: next, rdb: rdb, ttl: ttl, log: log.With("component", "DirectoryCache")}
}

func oneToOneKey(workspaceID string, userID int64) string {
	return "dir:o2o:" + workspaceID + ":" + strconv.FormatInt(userID, 10)
}

func counterpartKey(workspaceID string, conversationID, userID int64) string {
	return "dir:peer:" + workspaceID + ":" + strconv.FormatInt(conversationID, 10) + ":" + strconv.FormatInt(userID, 10)
}

func profileKey(workspaceID string, userID int64) string {
	return "dir:profile:" + workspaceID + ":" + strconv.FormatInt(userID, 10)
}

func (c *Cache) OneToOneConversationIDs(ctx context.Context, workspaceID string, userID int64) ([]int64, error) {
	key := oneToOneKey(workspaceID, userID)

	members, err := c.rdb.SMembers(ctx, key).Result()
	if err == nil && len(members) > 0 {
		ids := make([]int64, 0, len(members))
		for _, m := range members {
			if m == emptyMarker {
				continue
			}
			if id, convErr := strconv.ParseInt(m, 10, 64); convErr == nil {
				ids = append(ids, id)
			}
		}
		return ids, nil
	}
	if err != nil {
		c.log.Warn("Directory cache read failed", "key", key, "error", err)
	}

	ids, err := c.next.OneToOneConversationIDs(ctx, workspaceID, userID)
	if err != nil {
		return nil, err
	}

	values := make([]interface{}, 0, len(ids)+1)
	values = append(values, emptyMarker)
	for _, id := range ids {
		values = append(values, strconv.FormatInt(id, 10))
	}
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SAdd(ctx, key, values...)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("Directory cache write failed", "key", key, "error", err)
	}
	return ids, nil
}

func (c *Cache) Counterpart(ctx context.Context, workspaceID string, conversationID, userID int64) (int64, error) {
	key := counterpartKey(workspaceID, conversationID, userID)

	peer, err := c.rdb.Get(ctx, key).Int64()
	if err == nil {
		return peer, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.log.Warn("Directory cache read failed", "key", key, "error", err)
	}

	peer, err = c.next.Counterpart(ctx, workspaceID, conversationID, userID)
	if err != nil {
		return 0, err
	}
	if err := c.rdb.Set(ctx, key, peer, c.ttl).Err(); err != nil {
		c.log.Warn("Directory cache write failed", "key", key, "error", err)
	}
	return peer, nil
}

func (c *Cache) Profile(ctx context.Context, workspaceID string, userID int64) (Profile, error) {
	key := profileKey(workspaceID, userID)

	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err == nil && len(fields) > 0 {
		return Profile{UserID: userID, DisplayName: fields["displayName"], AvatarRef: fields["avatar"]}, nil
	}
	if err != nil {
		c.log.Warn("Directory cache read failed", "key", key, "error", err)
	}

	p, err := c.next.Profile(ctx, workspaceID, userID)
	if err != nil {
		return p, err
	}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, "displayName", p.DisplayName, "avatar", p.AvatarRef)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("Directory cache write failed", "key", key, "error", err)
	}
	return p, nil
}

// Invalidate drops the cached conversation ids and profile of a user.
// Counterpart entries are keyed by conversation and expire with the TTL.
func (c *Cache) Invalidate(ctx context.Context, workspaceID string, userID int64) error {
	if err := c.rdb.Del(ctx, oneToOneKey(workspaceID, userID), profileKey(workspaceID, userID)).Err(); err != nil {
		return fmt.Errorf("invalidate directory cache: %w", err)
	}
	return nil
}
