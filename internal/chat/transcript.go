package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultAppendRetries = 5

// TranscriptWriter appends records with optimistic concurrency. Appends to
// the same thread from any number of processes serialize through the version
// check, so no record is lost or reordered.
type TranscriptWriter struct {
	repo    *Repo
	retries int
	now     func() time.Time
}

func NewTranscriptWriter(repo *Repo) *TranscriptWriter {
	return &TranscriptWriter{repo: repo, retries: defaultAppendRetries, now: time.Now}
}

// Append adds rec to the end of the thread transcript and returns the stored
// record. Timestamps are forced strictly after the previous record.
func (w *TranscriptWriter) Append(ctx context.Context, threadID, userID string, rec Record) (Record, error) {
	for attempt := 0; attempt < w.retries; attempt++ {
		current, version, owner, err := w.load(ctx, threadID)
		if err != nil {
			return Record{}, err
		}
		if owner != "" && owner != userID {
			return Record{}, ErrForbidden
		}

		stored := rec
		if stored.Timestamp.IsZero() {
			stored.Timestamp = w.now()
		}
		stored.Timestamp = stored.Timestamp.UTC()
		if n := len(current); n > 0 && !stored.Timestamp.After(current[n-1].Timestamp) {
			stored.Timestamp = current[n-1].Timestamp.Add(time.Microsecond)
		}

		raw, err := json.Marshal(append(current, stored))
		if err != nil {
			return Record{}, fmt.Errorf("encode transcript: %w", err)
		}

		if version == 0 {
			err := w.repo.InsertTranscript(ctx, &Transcript{
				ThreadID:  threadID,
				UserID:    userID,
				Records:   datatypes.JSON(raw),
				Version:   1,
				UpdatedAt: stored.Timestamp,
			})
			if err == nil {
				return stored, nil
			}
			// lost the race to create the row; reload and retry
			if _, getErr := w.repo.GetTranscript(ctx, threadID); getErr == nil {
				continue
			}
			return Record{}, err
		}

		ok, err := w.repo.SwapTranscript(ctx, threadID, version, datatypes.JSON(raw), stored.Timestamp)
		if err != nil {
			return Record{}, err
		}
		if ok {
			return stored, nil
		}
	}
	return Record{}, ErrTranscriptConflict
}

// Read returns the full transcript in append order.
func (w *TranscriptWriter) Read(ctx context.Context, threadID string) ([]Record, error) {
	recs, _, _, err := w.load(ctx, threadID)
	return recs, err
}

// Recent returns at most n of the latest records in append order.
func (w *TranscriptWriter) Recent(ctx context.Context, threadID string, n int) ([]Record, error) {
	recs, err := w.Read(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if n >= 0 && len(recs) > n {
		recs = recs[len(recs)-n:]
	}
	return recs, nil
}

func (w *TranscriptWriter) load(ctx context.Context, threadID string) ([]Record, int64, string, error) {
	t, err := w.repo.GetTranscript(ctx, threadID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, "", nil
	}
	if err != nil {
		return nil, 0, "", err
	}
	var recs []Record
	if len(t.Records) > 0 {
		if err := json.Unmarshal(t.Records, &recs); err != nil {
			return nil, 0, "", fmt.Errorf("decode transcript %s: %w", threadID, err)
		}
	}
	return recs, t.Version, t.UserID, nil
}
