package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&Thread{}, &Transcript{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestService_ThreadLifecycle(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	svc := NewService(repo, NewTranscriptWriter(repo))
	ctx := context.Background()

	th, err := svc.CreateThread(ctx, "alice", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if th.Title != DefaultThreadTitle || len(th.ThreadID) != 26 {
		t.Fatalf("unexpected thread: %+v", th)
	}

	if _, err := svc.RenameThread(ctx, "alice", th.ThreadID, "  Trip planning  "); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := svc.RenameThread(ctx, "alice", th.ThreadID, strings.Repeat("x", 201)); !errors.Is(err, ErrInvalidTitle) {
		t.Fatalf("expected ErrInvalidTitle, got %v", err)
	}
	if _, err := svc.RenameThread(ctx, "bob", th.ThreadID, "mine now"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	list, err := svc.ListThreads(ctx, "alice", 10, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Title != "Trip planning" {
		t.Fatalf("unexpected list: %+v", list)
	}

	if err := svc.DeleteThread(ctx, "bob", th.ThreadID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := svc.DeleteThread(ctx, "alice", th.ThreadID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Transcript(ctx, "alice", th.ThreadID); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound after delete, got %v", err)
	}
	list, _ = svc.ListThreads(ctx, "alice", 10, "")
	if len(list) != 0 {
		t.Fatalf("deleted thread still listed: %+v", list)
	}
}

func TestResolver_OwnershipAndReuse(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	r := NewResolver(repo)
	ctx := context.Background()

	first, err := r.Resolve(ctx, "alice", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	again, err := r.Resolve(ctx, "alice", "")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if first != again {
		t.Fatalf("expected most recent thread reuse, got %s then %s", first, again)
	}

	if _, err := r.Resolve(ctx, "bob", first); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := r.Resolve(ctx, "alice", "01HZZZZZZZZZZZZZZZZZZZZZZZ"); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}

	bobs, err := r.Resolve(ctx, "bob", "")
	if err != nil {
		t.Fatalf("resolve bob: %v", err)
	}
	if bobs == first {
		t.Fatalf("users must not share threads")
	}
}

func TestResolver_ConcurrentFirstTurnsShareThread(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	r := NewResolver(repo)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.Resolve(context.Background(), "carol", "")
			if err != nil {
				t.Errorf("resolve: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("expected one thread, got %v", ids)
		}
	}
}

func TestResolver_CancelledCallerDoesNotFailJoinedCallers(t *testing.T) {
	db := openTestDB(t)
	r := NewResolver(NewRepo(db))

	// hold the only connection so the shared lookup blocks
	tx := db.Begin()
	if tx.Error != nil {
		t.Fatalf("begin: %v", tx.Error)
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctxA, "alice", "")
		errA <- err
	}()
	time.Sleep(50 * time.Millisecond)

	type result struct {
		id  string
		err error
	}
	resB := make(chan result, 1)
	go func() {
		id, err := r.Resolve(context.Background(), "alice", "")
		resB <- result{id, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancelled caller to see context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	tx.Rollback()
	select {
	case res := <-resB:
		if res.err != nil {
			t.Fatalf("joined caller failed: %v", res.err)
		}
		if len(res.id) != 26 {
			t.Fatalf("unexpected thread id %q", res.id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("joined caller did not return")
	}
}

func TestTranscriptWriter_FirstAppendTouchesThread(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	svc := NewService(repo, NewTranscriptWriter(repo))
	ctx := context.Background()

	th, err := svc.CreateThread(ctx, "alice", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	at := th.UpdatedAt.Add(time.Hour).UTC().Truncate(time.Second)
	if _, err := svc.transcripts.Append(ctx, th.ThreadID, "alice", Record{Role: RoleUser, Content: "hi", Timestamp: at}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := repo.GetThread(ctx, th.ThreadID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if !got.UpdatedAt.Equal(at) {
		t.Fatalf("expected updated_at %v after first append, got %v", at, got.UpdatedAt)
	}
}

func TestTranscriptWriter_OrderAndTimestamps(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	w := NewTranscriptWriter(repo)
	ctx := context.Background()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if _, err := w.Append(ctx, "T1", "alice", Record{Role: RoleUser, Content: "hi", Timestamp: ts}); err != nil {
		t.Fatalf("append user: %v", err)
	}
	// same clock reading must still land strictly after
	got, err := w.Append(ctx, "T1", "alice", Record{Role: RoleAssistant, Content: "hello", Timestamp: ts})
	if err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	if !got.Timestamp.After(ts) {
		t.Fatalf("assistant timestamp %v not after user %v", got.Timestamp, ts)
	}

	recs, err := w.Read(ctx, "T1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 2 || recs[0].Role != RoleUser || recs[1].Role != RoleAssistant {
		t.Fatalf("unexpected records: %+v", recs)
	}

	if _, err := w.Append(ctx, "T1", "mallory", Record{Role: RoleUser, Content: "x"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	recent, err := w.Recent(ctx, "T1", 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Content != "hello" {
		t.Fatalf("unexpected recent: %+v", recent)
	}
}

func TestTranscriptWriter_ConcurrentAppendsLoseNothing(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	w := NewTranscriptWriter(repo)
	w.retries = 100

	const writers, each = 3, 10
	var wg sync.WaitGroup
	for g := 0; g < writers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := w.Append(context.Background(), "T2", "alice", Record{Role: RoleUser, Content: fmt.Sprintf("%d-%d", g, i)}); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	recs, err := w.Read(context.Background(), "T2")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != writers*each {
		t.Fatalf("expected %d records, got %d", writers*each, len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if !recs[i].Timestamp.After(recs[i-1].Timestamp) {
			t.Fatalf("timestamps not strictly increasing at %d", i)
		}
	}
}
