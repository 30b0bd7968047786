package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	domainDeadLetter "github.com/warelay/warelay/domains/deadletter"
	"gorm.io/gorm"
)

// deadLetterModel is the persistence model for GORM. The domain struct
// stays free of GORM tags.
type deadLetterModel struct {
	ID          string    `gorm:"primaryKey"`
	MessageID   string    `gorm:"column:message_id;index"`
	Destination string    `gorm:"index"`
	Content     string    `gorm:"type:text"`
	ContentType string    `gorm:"column:content_type"`
	Priority    string    `gorm:"index"`
	Reason      string    `gorm:"type:text"`
	Attempts    int       `gorm:"default:0"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index"`
}

func (deadLetterModel) TableName() string {
	return "dead_letters"
}

// DeadLetterGormRepository implements deadletter.IRepository using GORM.
type DeadLetterGormRepository struct {
	db *gorm.DB
}

func NewDeadLetterGormRepository(db *gorm.DB) *DeadLetterGormRepository {
	return &DeadLetterGormRepository{db: db}
}

// Init initializes the schema using AutoMigrate.
func (r *DeadLetterGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&deadLetterModel{})
}

// Save inserts a new dead-letter record.
func (r *DeadLetterGormRepository) Save(ctx context.Context, record domainDeadLetter.Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	model := deadLetterModel{
		ID:          record.ID,
		MessageID:   record.MessageID,
		Destination: record.Destination,
		Content:     record.Content,
		ContentType: record.ContentType,
		Priority:    record.Priority,
		Reason:      record.Reason,
		Attempts:    record.Attempts,
	}
	return r.db.WithContext(ctx).Create(&model).Error
}

// List returns the most recent records, newest first.
func (r *DeadLetterGormRepository) List(ctx context.Context, limit int) ([]domainDeadLetter.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []deadLetterModel
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&models).Error
	if err != nil {
		return nil, err
	}

	result := make([]domainDeadLetter.Record, len(models))
	for i, m := range models {
		result[i] = domainDeadLetter.Record{
			ID:          m.ID,
			MessageID:   m.MessageID,
			Destination: m.Destination,
			Content:     m.Content,
			ContentType: m.ContentType,
			Priority:    m.Priority,
			Reason:      m.Reason,
			Attempts:    m.Attempts,
			CreatedAt:   m.CreatedAt,
		}
	}
	return result, nil
}

// Purge removes records older than the given age and reports how many.
func (r *DeadLetterGormRepository) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&deadLetterModel{})
	return res.RowsAffected, res.Error
}
