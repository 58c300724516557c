package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/turn-orchestrator/internal/metrics"
)

type Options struct {
	KUser        int
	KEpisodic    int
	MaxChars     int
	MaxUserFacts int
}

func DefaultOptions() Options {
	return Options{KUser: 4, KEpisodic: 4, MaxChars: 900, MaxUserFacts: 3}
}

// Orchestrator retrieves memory for a turn and writes new items after it.
type Orchestrator struct {
	store     Store
	extractor Extractor
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
}

func NewOrchestrator(store Store, extractor Extractor, opts Options, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{store: store, extractor: extractor, opts: opts, logger: logger, now: time.Now}
}

// Retrieve searches both namespaces of the user and renders the context
// block. An empty string means there is nothing to inject.
func (o *Orchestrator) Retrieve(ctx context.Context, userID, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", nil
	}

	var facts, episodic []ScoredItem
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		facts, err = o.search(gctx, Namespace{UserID: userID, Kind: KindUser}, query, o.opts.KUser)
		return err
	})
	g.Go(func() error {
		var err error
		episodic, err = o.search(gctx, Namespace{UserID: userID, Kind: KindEpisodic}, query, o.opts.KEpisodic)
		return err
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	return Render(facts, episodic, o.opts.MaxChars), nil
}

func (o *Orchestrator) search(ctx context.Context, ns Namespace, query string, limit int) ([]ScoredItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	items, err := o.store.Search(ctx, ns, query, limit)
	metrics.MemoryOperations.WithLabelValues("search", string(ns.Kind), metrics.StatusLabel(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", ns, err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Write extracts and stores memory for a completed exchange. The two
// extractions are independent: a failure in one does not stop the other.
// The returned error only aggregates what failed, for logging.
func (o *Orchestrator) Write(ctx context.Context, job Job) error {
	created := job.CreatedAt
	if created.IsZero() {
		created = o.now()
	}

	var g errgroup.Group
	var factsErr, summaryErr error
	g.Go(func() error {
		factsErr = o.writeFacts(ctx, job, created)
		return nil
	})
	g.Go(func() error {
		summaryErr = o.writeSummary(ctx, job, created)
		return nil
	})
	_ = g.Wait()

	err := errors.Join(factsErr, summaryErr)
	if err != nil {
		o.logger.Warn().Err(err).Str("user_id", job.UserID).Str("thread_id", job.ThreadID).Msg("memory write incomplete")
	}
	return err
}

func (o *Orchestrator) writeFacts(ctx context.Context, job Job, created time.Time) error {
	if o.opts.MaxUserFacts <= 0 {
		return nil
	}
	facts, err := o.extractor.ExtractFacts(ctx, job.UserMessage, o.opts.MaxUserFacts)
	if err != nil {
		return err
	}
	if len(facts) > o.opts.MaxUserFacts {
		facts = facts[:o.opts.MaxUserFacts]
	}

	ns := Namespace{UserID: job.UserID, Kind: KindUser}
	var errs []error
	for _, f := range facts {
		errs = append(errs, o.put(ctx, ns, Item{
			Text:         f,
			Kind:         KindUser,
			UserID:       job.UserID,
			SourceThread: job.ThreadID,
			CreatedAt:    created,
		}))
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) writeSummary(ctx context.Context, job Job, created time.Time) error {
	summary, err := o.extractor.Summarize(ctx, job.UserMessage, job.AssistantReply)
	if err != nil {
		return err
	}
	if strings.TrimSpace(summary) == "" {
		return errors.New("empty episodic summary")
	}
	return o.put(ctx, Namespace{UserID: job.UserID, Kind: KindEpisodic}, Item{
		Text:         summary,
		Kind:         KindEpisodic,
		UserID:       job.UserID,
		SourceThread: job.ThreadID,
		CreatedAt:    created,
	})
}

func (o *Orchestrator) put(ctx context.Context, ns Namespace, item Item) error {
	err := o.store.Put(ctx, ns, uuid.NewString(), item)
	metrics.MemoryOperations.WithLabelValues("put", string(ns.Kind), metrics.StatusLabel(err)).Inc()
	if err != nil {
		return fmt.Errorf("put %s: %w", ns, err)
	}
	return nil
}
