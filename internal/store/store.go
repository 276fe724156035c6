// Package store is the persistence contract for the chat core. The gateway
// only ever talks to MessageStore, so a database outage degrades chat to
// memory-only instead of taking the realtime path down.
package store

import (
	"context"

	"github.com/Arthurb-96/Looking/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MessageStore interface {
	// InsertMessage persists a single message.
	InsertMessage(ctx context.Context, msg *models.Message) error

	// History returns messages exchanged between the two users in either
	// direction, oldest first. limit caps the result to the most recent
	// messages; limit <= 0 means no cap.
	History(ctx context.Context, userA, userB string, limit int) ([]models.Message, error)

	// MessagesByChatID returns messages for a room, oldest first, capped to
	// the most recent limit messages.
	MessagesByChatID(ctx context.Context, chatID string, limit int) ([]models.Message, error)

	// UpsertSummary writes the per-room metadata record. CreatedAt is only
	// set when the record is first inserted.
	UpsertSummary(ctx context.Context, s *models.ChatSummary) error

	// MarkRead flips read=true on unread messages in the room addressed to
	// recipient, returning how many rows changed.
	MarkRead(ctx context.Context, chatID, recipient string) (int64, error)

	// ListSummaries returns the chat summaries the user participates in,
	// most recent message first.
	ListSummaries(ctx context.Context, userEmail string) ([]models.ChatSummary, error)
}

// GormStore is the gorm-backed MessageStore.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	return s.db.WithContext(ctx).Create(msg).Error
}

func (s *GormStore) History(ctx context.Context, userA, userB string, limit int) ([]models.Message, error) {
	var msgs []models.Message

	q := s.db.WithContext(ctx).
		Where("(sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)",
			userA, userB, userB, userA).
		Order("timestamp desc")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}

	reverseMessages(msgs)
	return msgs, nil
}

func (s *GormStore) MessagesByChatID(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	var msgs []models.Message

	q := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("timestamp desc")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}

	reverseMessages(msgs)
	return msgs, nil
}

func (s *GormStore) UpsertSummary(ctx context.Context, sum *models.ChatSummary) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"participant_a", "participant_b", "last_message", "last_message_time", "job_context",
		}),
	}).Create(sum).Error
}

func (s *GormStore) MarkRead(ctx context.Context, chatID, recipient string) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("chat_id = ? AND recipient = ? AND `read` = ?", chatID, recipient, false).
		Update("read", true)
	return res.RowsAffected, res.Error
}

func (s *GormStore) ListSummaries(ctx context.Context, userEmail string) ([]models.ChatSummary, error) {
	var sums []models.ChatSummary
	err := s.db.WithContext(ctx).
		Where("participant_a = ? OR participant_b = ?", userEmail, userEmail).
		Order("last_message_time desc").
		Find(&sums).Error
	return sums, err
}

// Queries fetch newest-first so the limit keeps the most recent messages;
// callers want oldest-first for display.
func reverseMessages(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
