package chat

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateThread(ctx context.Context, t *Thread) error {
	return r.db.WithContext(ctx).Create(t).Error
}

// GetThread returns the thread including soft-deleted ones.
func (r *Repo) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	var t Thread
	if err := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// LatestActiveThread returns the most recently active non-deleted thread of the user.
func (r *Repo) LatestActiveThread(ctx context.Context, userID string) (*Thread, error) {
	var t Thread
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND deleted = ?", userID, false).
		Order("updated_at DESC").
		Order("id DESC").
		First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListThreads returns non-deleted threads newest first. beforeThreadID is an exclusive cursor.
func (r *Repo) ListThreads(ctx context.Context, userID string, limit int, beforeThreadID string) ([]Thread, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND deleted = ?", userID, false).
		Order("thread_id DESC").
		Limit(limit)

	if beforeThreadID != "" {
		q = q.Where("thread_id < ?", beforeThreadID)
	}

	var out []Thread
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) UpdateThreadTitle(ctx context.Context, threadID, title string) error {
	return r.db.WithContext(ctx).Model(&Thread{}).
		Where("thread_id = ?", threadID).
		Updates(map[string]any{"title": title, "updated_at": time.Now()}).Error
}

func (r *Repo) SoftDeleteThread(ctx context.Context, threadID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Thread{}).
		Where("thread_id = ?", threadID).
		Updates(map[string]any{"deleted": true, "deleted_at": at}).Error
}

func (r *Repo) GetTranscript(ctx context.Context, threadID string) (*Transcript, error) {
	var t Transcript
	if err := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertTranscript creates the first transcript row and bumps the owning
// thread's activity time in the same transaction.
func (r *Repo) InsertTranscript(ctx context.Context, t *Transcript) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(t).Error; err != nil {
			return err
		}
		return touchThread(tx, t.ThreadID, t.UpdatedAt)
	})
}

// SwapTranscript replaces the records only if the stored version is still prev.
// It also bumps the owning thread's activity time.
func (r *Repo) SwapTranscript(ctx context.Context, threadID string, prev int64, records datatypes.JSON, at time.Time) (bool, error) {
	swapped := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Transcript{}).
			Where("thread_id = ? AND version = ?", threadID, prev).
			Updates(map[string]any{
				"records":    records,
				"version":    prev + 1,
				"updated_at": at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}
		swapped = true
		return touchThread(tx, threadID, at)
	})
	return swapped, err
}

func touchThread(db *gorm.DB, threadID string, at time.Time) error {
	return db.Model(&Thread{}).
		Where("thread_id = ?", threadID).
		Update("updated_at", at).Error
}
