// Package calllog persists the outcome of finished calls.
package calllog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Tyrowin/nexus-realtime/internal/call"
	"github.com/Tyrowin/nexus-realtime/internal/logger"
	"github.com/Tyrowin/nexus-realtime/internal/workpool"
)

// Participant roles.
const (
	RoleCaller = "CALLER"
	RoleCallee = "CALLEE"
)

// CallLog is one finished call.
type CallLog struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	CallID         string    `gorm:"uniqueIndex;not null"`
	WorkspaceID    string    `gorm:"index;not null"`
	ConversationID int64     `gorm:"index;not null"`
	CallerID       int64     `gorm:"not null"`
	IsVideo        bool
	Status         string `gorm:"not null"`
	StartedAt      time.Time
	AnsweredAt     *time.Time
	EndedAt        time.Time
	DurationMillis int64
	CreatedAt      time.Time

	Participants []CallParticipant `gorm:"foreignKey:CallLogID"`
}

// CallParticipant is one party of a logged call.
type CallParticipant struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CallLogID uuid.UUID `gorm:"type:uuid;index;not null"`
	UserID    int64     `gorm:"index;not null"`
	Role      string    `gorm:"not null"`
}

// Models lists the tables owned by the call log, for migrations.
func Models() []any {
	return []any{&CallLog{}, &CallParticipant{}}
}

// Store writes call logs through gorm.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Persist stores the outcome and its participants in one transaction.
// Persisting the same call twice is a no-op.
func (s *Store) Persist(ctx context.Context, outcome call.Outcome) (*CallLog, error) {
	entry := fromOutcome(outcome)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&CallLog{}).Where("call_id = ?", outcome.ID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}
		return tx.Create(entry).Error
	})
	if err != nil {
		return nil, fmt.Errorf("persist call log %s: %w", outcome.ID, err)
	}
	return entry, nil
}

// ForConversation returns the logged calls of a conversation, newest first.
func (s *Store) ForConversation(ctx context.Context, workspaceID string, conversationID int64, limit int) ([]CallLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []CallLog
	err := s.db.WithContext(ctx).
		Preload("Participants").
		Where("workspace_id = ? AND conversation_id = ?", workspaceID, conversationID).
		Order("started_at DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("load call logs: %w", err)
	}
	return logs, nil
}

func fromOutcome(o call.Outcome) *CallLog {
	id := uuid.New()
	entry := &CallLog{
		ID:             id,
		CallID:         o.ID,
		WorkspaceID:    o.WorkspaceID,
		ConversationID: o.ConversationID,
		CallerID:       o.CallerID,
		IsVideo:        o.IsVideo,
		Status:         o.Status,
		StartedAt:      o.StartedAt,
		EndedAt:        o.EndedAt,
	}
	if !o.AnsweredAt.IsZero() {
		answered := o.AnsweredAt
		entry.AnsweredAt = &answered
		entry.DurationMillis = o.EndedAt.Sub(answered).Milliseconds()
	}
	for _, userID := range o.Participants {
		role := RoleCallee
		if userID == o.CallerID {
			role = RoleCaller
		}
		entry.Participants = append(entry.Participants, CallParticipant{
			ID:        uuid.New(),
			CallLogID: id,
			UserID:    userID,
			Role:      role,
		})
	}
	return entry
}

// Persister is the storage side of the AsyncRecorder.
type Persister interface {
	Persist(ctx context.Context, outcome call.Outcome) (*CallLog, error)
}

// AsyncRecorder implements call.Recorder by persisting outcomes on the
// worker pool, so the signaling path never waits on the database.
type AsyncRecorder struct {
	store Persister
	pool  *workpool.Pool
	log   *logger.Logger
}

func NewAsyncRecorder(store Persister, pool *workpool.Pool, log *logger.Logger) *AsyncRecorder {
	return &AsyncRecorder{store: store, pool: pool, log: log.With("component", "CallLogRecorder")}
}

func (r *AsyncRecorder) Record(_ context.Context, outcome call.Outcome) {
	accepted := r.pool.Submit("calllog:"+outcome.ID, func(ctx context.Context) {
		entry, err := r.store.Persist(ctx, outcome)
		if err != nil {
			r.log.Error("Failed to persist call log", "call_id", outcome.ID, "error", err)
			return
		}
		r.log.Debug("Call log persisted",
			"call_id", outcome.ID,
			"log_id", entry.ID.String(),
			"status", entry.Status,
		)
	})
	if !accepted {
		r.log.Warn("Dropping call log; work pool unavailable", "call_id", outcome.ID, "status", outcome.Status)
	}
}
