package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
)

const maxTitleChars = 200

// Service is the owner-checked thread management surface.
type Service struct {
	repo        *Repo
	transcripts *TranscriptWriter
}

func NewService(repo *Repo, transcripts *TranscriptWriter) *Service {
	return &Service{repo: repo, transcripts: transcripts}
}

func normalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleChars {
		return "", ErrInvalidTitle
	}
	return title, nil
}

func (s *Service) CreateThread(ctx context.Context, userID, title string) (*Thread, error) {
	if strings.TrimSpace(title) == "" {
		title = DefaultThreadTitle
	}
	title, err := normalizeTitle(title)
	if err != nil {
		return nil, err
	}
	t, err := newThread(userID, title)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateThread(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) ListThreads(ctx context.Context, userID string, limit int, before string) ([]Thread, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListThreads(ctx, userID, limit, before)
}

// OwnedThread loads a live thread and checks it belongs to userID.
func (s *Service) OwnedThread(ctx context.Context, userID, threadID string) (*Thread, error) {
	t, err := s.repo.GetThread(ctx, threadID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, ErrForbidden
	}
	if t.Deleted {
		return nil, ErrThreadNotFound
	}
	return t, nil
}

func (s *Service) RenameThread(ctx context.Context, userID, threadID, title string) (*Thread, error) {
	title, err := normalizeTitle(title)
	if err != nil {
		return nil, err
	}
	t, err := s.OwnedThread(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateThreadTitle(ctx, threadID, title); err != nil {
		return nil, err
	}
	t.Title = title
	return t, nil
}

// DeleteThread soft-deletes; the transcript stays for audit.
func (s *Service) DeleteThread(ctx context.Context, userID, threadID string) error {
	if _, err := s.OwnedThread(ctx, userID, threadID); err != nil {
		return err
	}
	return s.repo.SoftDeleteThread(ctx, threadID, time.Now())
}

func (s *Service) Transcript(ctx context.Context, userID, threadID string) ([]Record, error) {
	if _, err := s.OwnedThread(ctx, userID, threadID); err != nil {
		return nil, err
	}
	recs, err := s.transcripts.Read(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []Record{}
	}
	return recs, nil
}
