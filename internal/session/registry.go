// Package session tracks live connections and the conversations each of them
// currently has visible.
package session

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/Tyrowin/nexus-realtime/internal/identity"
)

const shardCount = 64

// Key identifies one live connection. It is derived from workspace, user and
// device and is otherwise opaque.
type Key string

// NewKey derives the session key of a principal. Without a device id every
// connection of one device type shares a key, so a newer one replaces the
// older.
func NewKey(p identity.Principal) Key {
	key := p.WorkspaceID + ":" + strconv.FormatInt(p.UserID, 10) + ":" + string(p.DeviceType)
	if p.DeviceID != "" {
		key += ":" + p.DeviceID
	}
	return Key(key)
}

// Info is an immutable snapshot of one live connection.
type Info struct {
	Key         Key
	WorkspaceID string
	UserID      int64
	DeviceType  identity.DeviceType
	DeviceID    string
	Visible     map[int64]struct{}
	Opened      *int64
}

// Principal returns the identity owning the session.
func (i Info) Principal() identity.Principal {
	return identity.Principal{WorkspaceID: i.WorkspaceID, UserID: i.UserID, DeviceType: i.DeviceType, DeviceID: i.DeviceID}
}

type userKey struct {
	workspaceID string
	userID      int64
}

type shard struct {
	mu       sync.RWMutex
	sessions map[Key]*Info
}

type userShard struct {
	mu    sync.RWMutex
	users map[userKey]map[Key]struct{}
}

// Registry is a sharded concurrent map of live sessions. Unrelated sessions
// never contend on the same lock unless they hash to the same shard.
type Registry struct {
	shards     [shardCount]shard
	userShards [shardCount]userShard
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[Key]*Info)
		r.userShards[i].users = make(map[userKey]map[Key]struct{})
	}
	return r
}

func (r *Registry) shardFor(key Key) *shard {
	return &r.shards[xxhash.Sum64String(string(key))%shardCount]
}

func (r *Registry) userShardFor(u userKey) *userShard {
	return &r.userShards[xxhash.Sum64String(u.workspaceID+"/"+strconv.FormatInt(u.userID, 10))%shardCount]
}

// Register creates an entry with an empty visible set. Repeated calls for the
// same key leave the existing entry untouched and return false.
func (r *Registry) Register(key Key, p identity.Principal) bool {
	s := r.shardFor(key)
	s.mu.Lock()
	if _, exists := s.sessions[key]; exists {
		s.mu.Unlock()
		return false
	}
	s.sessions[key] = &Info{
		Key:         key,
		WorkspaceID: p.WorkspaceID,
		UserID:      p.UserID,
		DeviceType:  p.DeviceType,
		DeviceID:    p.DeviceID,
		Visible:     map[int64]struct{}{},
	}

	// The user index is updated under the session shard lock so that a
	// concurrent Remove of the same key observes both or neither.
	u := userKey{workspaceID: p.WorkspaceID, userID: p.UserID}
	us := r.userShardFor(u)
	us.mu.Lock()
	keys, ok := us.users[u]
	if !ok {
		keys = make(map[Key]struct{})
		us.users[u] = keys
	}
	keys[key] = struct{}{}
	us.mu.Unlock()
	s.mu.Unlock()
	return true
}

// UpdateVisibility replaces the visible set and the opened conversation of a
// session. Unknown sessions are ignored; the result reports whether an entry
// was updated.
func (r *Registry) UpdateVisibility(key Key, visible []int64, opened *int64) bool {
	set := make(map[int64]struct{}, len(visible))
	for _, id := range visible {
		set[id] = struct{}{}
	}
	var openedCopy *int64
	if opened != nil {
		v := *opened
		openedCopy = &v
	}

	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[key]
	if !ok {
		return false
	}
	next := *current
	next.Visible = set
	next.Opened = openedCopy
	s.sessions[key] = &next
	return true
}

// Remove deletes a session. It is safe to call more than once. remaining is
// the number of sessions the same user still has in the workspace.
func (r *Registry) Remove(key Key) (info Info, remaining int, removed bool) {
	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[key]
	if !ok {
		return Info{}, 0, false
	}
	delete(s.sessions, key)

	u := userKey{workspaceID: current.WorkspaceID, userID: current.UserID}
	us := r.userShardFor(u)
	us.mu.Lock()
	if keys, exists := us.users[u]; exists {
		delete(keys, key)
		remaining = len(keys)
		if remaining == 0 {
			delete(us.users, u)
		}
	}
	us.mu.Unlock()
	return *current, remaining, true
}

// Get returns the current snapshot of a session.
func (r *Registry) Get(key Key) (Info, bool) {
	s := r.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.sessions[key]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// FindMatching returns every session of the workspace whose visible set
// intersects conversationIDs, mapped to the sorted intersection.
func (r *Registry) FindMatching(workspaceID string, conversationIDs []int64) map[Key][]int64 {
	result := make(map[Key][]int64)
	if len(conversationIDs) == 0 {
		return result
	}
	wanted := make(map[int64]struct{}, len(conversationIDs))
	for _, id := range conversationIDs {
		wanted[id] = struct{}{}
	}

	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for key, info := range s.sessions {
			if info.WorkspaceID != workspaceID {
				continue
			}
			if matched := intersect(info.Visible, wanted); len(matched) > 0 {
				result[key] = matched
			}
		}
		s.mu.RUnlock()
	}
	return result
}

// SessionsForUser returns the keys of all live sessions of a user.
func (r *Registry) SessionsForUser(workspaceID string, userID int64) []Key {
	u := userKey{workspaceID: workspaceID, userID: userID}
	us := r.userShardFor(u)
	us.mu.RLock()
	defer us.mu.RUnlock()

	keys := make([]Key, 0, len(us.users[u]))
	for key := range us.users[u] {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.sessions)
		s.mu.RUnlock()
	}
	return n
}

func intersect(visible, wanted map[int64]struct{}) []int64 {
	small, large := visible, wanted
	if len(large) < len(small) {
		small, large = large, small
	}
	var out []int64
	for id := range small {
		if _, ok := large[id]; ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
