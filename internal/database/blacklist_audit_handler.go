package database

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"repsheet/internal/domain"
	"repsheet/internal/reputation"
)

const defaultAuditPageSize = 100

// AuditSink stores reputation.BlacklistEvent values as domain.BlacklistEvent rows.
type AuditSink struct {
	db *gorm.DB
}

func NewAuditSink(db *gorm.DB) *AuditSink {
	return &AuditSink{db: db}
}

func (a *AuditSink) RecordBlacklist(ctx context.Context, event reputation.BlacklistEvent) error {
	if a == nil || a.db == nil {
		return errors.New("database: audit sink has no connection")
	}

	row := domain.BlacklistEvent{
		Kind:       event.Kind.Namespace(),
		Actor:      event.Actor,
		Reason:     event.Reason,
		TTLSeconds: int64(event.TTL.Seconds()),
		CreatedAt:  event.At,
	}
	return a.db.WithContext(ctx).Create(&row).Error
}

// ListBlacklistEvents returns the newest events for an actor. An empty actor
// lists events for every actor of kind.
func (a *AuditSink) ListBlacklistEvents(ctx context.Context, kind reputation.Kind, actor string, limit int) ([]domain.BlacklistEvent, error) {
	if a == nil || a.db == nil {
		return nil, errors.New("database: audit sink has no connection")
	}
	if limit <= 0 {
		limit = defaultAuditPageSize
	}

	query := a.db.WithContext(ctx).
		Where("kind = ?", kind.Namespace()).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit)
	if actor != "" {
		query = query.Where("actor = ?", actor)
	}

	var events []domain.BlacklistEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
