package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Conversation kinds.
const (
	KindOneToOne = "ONE_TO_ONE"
	KindGroup    = "GROUP"
)

// Conversation mirrors the chat product's conversation table.
type Conversation struct {
	ID          int64  `gorm:"primaryKey"`
	WorkspaceID string `gorm:"index;not null"`
	Kind        string `gorm:"not null"`
	CreatedAt   time.Time
}

// ConversationParticipant links users to conversations.
type ConversationParticipant struct {
	ConversationID int64  `gorm:"primaryKey"`
	UserID         int64  `gorm:"primaryKey;index"`
	WorkspaceID    string `gorm:"index;not null"`
}

// UserProfile holds the display data used in call notifications.
type UserProfile struct {
	WorkspaceID string `gorm:"primaryKey"`
	UserID      int64  `gorm:"primaryKey"`
	DisplayName string
	AvatarRef   string
}

// Models lists the tables owned by the directory, for migrations.
func Models() []any {
	return []any{&Conversation{}, &ConversationParticipant{}, &UserProfile{}}
}

// Store is a Directory backed by the relational database.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) OneToOneConversationIDs(ctx context.Context, workspaceID string, userID int64) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).
		Model(&ConversationParticipant{}).
		Joins("JOIN conversations ON conversations.id = conversation_participants.conversation_id").
		Where("conversation_participants.workspace_id = ? AND conversation_participants.user_id = ? AND conversations.kind = ?",
			workspaceID, userID, KindOneToOne).
		Order("conversation_participants.conversation_id").
		Pluck("conversation_participants.conversation_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("load one-to-one conversations: %w", err)
	}
	return ids, nil
}

func (s *Store) Counterpart(ctx context.Context, workspaceID string, conversationID, userID int64) (int64, error) {
	var conv Conversation
	err := s.db.WithContext(ctx).
		Where("id = ? AND workspace_id = ?", conversationID, workspaceID).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load conversation %d: %w", conversationID, err)
	}
	if conv.Kind != KindOneToOne {
		return 0, ErrNotOneToOne
	}

	var participants []int64
	err = s.db.WithContext(ctx).
		Model(&ConversationParticipant{}).
		Where("conversation_id = ? AND workspace_id = ?", conversationID, workspaceID).
		Order("user_id").
		Pluck("user_id", &participants).Error
	if err != nil {
		return 0, fmt.Errorf("load participants of %d: %w", conversationID, err)
	}
	return counterpartOf(participants, userID)
}

func (s *Store) Profile(ctx context.Context, workspaceID string, userID int64) (Profile, error) {
	var row UserProfile
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{UserID: userID}, ErrNotFound
	}
	if err != nil {
		return Profile{UserID: userID}, fmt.Errorf("load profile %d: %w", userID, err)
	}
	return Profile{UserID: row.UserID, DisplayName: row.DisplayName, AvatarRef: row.AvatarRef}, nil
}
