// Package directory resolves conversation membership and user profiles for
// the realtime components. The chat product owns the data; this package only
// reads it.
package directory

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Profile is the caller metadata attached to call notifications.
type Profile struct {
	UserID      int64  `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatar,omitempty"`
}

// Directory is the read side of conversations and users.
type Directory interface {
	// OneToOneConversationIDs returns the ids of the two-participant
	// conversations the user takes part in.
	OneToOneConversationIDs(ctx context.Context, workspaceID string, userID int64) ([]int64, error)
	// Counterpart returns the other participant of a one-to-one conversation.
	Counterpart(ctx context.Context, workspaceID string, conversationID, userID int64) (int64, error)
	// Profile returns display metadata of a user.
	Profile(ctx context.Context, workspaceID string, userID int64) (Profile, error)
}

var (
	ErrNotFound       = errors.New("directory: not found")
	ErrNotOneToOne    = errors.New("directory: conversation is not one-to-one")
	ErrNotParticipant = errors.New("directory: user is not a participant")
)

type memoryConversation struct {
	participants []int64
}

type memoryKey struct {
	workspaceID string
	id          int64
}

// Memory is an in-process Directory used in tests and local runs.
type Memory struct {
	mu            sync.RWMutex
	conversations map[memoryKey]memoryConversation
	profiles      map[memoryKey]Profile
}

func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[memoryKey]memoryConversation),
		profiles:      make(map[memoryKey]Profile),
	}
}

// AddConversation registers a conversation and its participants.
func (m *Memory) AddConversation(workspaceID string, conversationID int64, participants ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[memoryKey{workspaceID, conversationID}] = memoryConversation{
		participants: append([]int64(nil), participants...),
	}
}

// AddProfile registers a user profile.
func (m *Memory) AddProfile(workspaceID string, p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[memoryKey{workspaceID, p.UserID}] = p
}

func (m *Memory) OneToOneConversationIDs(_ context.Context, workspaceID string, userID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []int64
	for key, conv := range m.conversations {
		if key.workspaceID != workspaceID || len(conv.participants) != 2 {
			continue
		}
		for _, p := range conv.participants {
			if p == userID {
				ids = append(ids, key.id)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) Counterpart(_ context.Context, workspaceID string, conversationID, userID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[memoryKey{workspaceID, conversationID}]
	if !ok {
		return 0, ErrNotFound
	}
	return counterpartOf(conv.participants, userID)
}

func (m *Memory) Profile(_ context.Context, workspaceID string, userID int64) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[memoryKey{workspaceID, userID}]
	if !ok {
		return Profile{UserID: userID}, ErrNotFound
	}
	return p, nil
}

func counterpartOf(participants []int64, userID int64) (int64, error) {
	if len(participants) != 2 {
		return 0, ErrNotOneToOne
	}
	switch userID {
	case participants[0]:
		return participants[1], nil
	case participants[1]:
		return participants[0], nil
	default:
		return 0, ErrNotParticipant
	}
}
