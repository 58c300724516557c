package chat

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/suPer8Hu/turn-orchestrator/internal/common"
)

const DefaultThreadTitle = "New conversation"

// resolveTimeout bounds a shared lookup-or-create once it is detached from the
// caller that started it.
const resolveTimeout = 10 * time.Second

// Resolver maps a turn to a thread. Concurrent first turns of one user in
// this process share a single lookup-or-create; across processes a duplicate
// thread is possible and harmless.
type Resolver struct {
	repo  *Repo
	group singleflight.Group
}

func NewResolver(repo *Repo) *Resolver {
	return &Resolver{repo: repo}
}

func (r *Resolver) Resolve(ctx context.Context, userID, threadID string) (string, error) {
	if threadID != "" {
		t, err := r.repo.GetThread(ctx, threadID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrThreadNotFound
		}
		if err != nil {
			return "", err
		}
		if t.UserID != userID {
			return "", ErrForbidden
		}
		if t.Deleted {
			return "", ErrThreadNotFound
		}
		return t.ThreadID, nil
	}

	// The flight outlives any single caller: one caller going away must not
	// fail the others joined to it.
	ch := r.group.DoChan(userID, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()

		t, err := r.repo.LatestActiveThread(ctx, userID)
		if err == nil {
			return t.ThreadID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
		created, err := newThread(userID, DefaultThreadTitle)
		if err != nil {
			return "", err
		}
		if err := r.repo.CreateThread(ctx, created); err != nil {
			return "", err
		}
		return created.ThreadID, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func newThread(userID, title string) (*Thread, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Thread{
		ThreadID:  id,
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
