package turn

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/suPer8Hu/turn-orchestrator/internal/ai"
	"github.com/suPer8Hu/turn-orchestrator/internal/chat"
	"github.com/suPer8Hu/turn-orchestrator/internal/memory"
	"github.com/suPer8Hu/turn-orchestrator/internal/metrics"
	"github.com/suPer8Hu/turn-orchestrator/internal/moderation"
	"github.com/suPer8Hu/turn-orchestrator/internal/stream"
)

var tracer = otel.Tracer("github.com/suPer8Hu/turn-orchestrator/internal/turn")

type Moderator interface {
	Check(ctx context.Context, stage moderation.Stage, text string) (moderation.Verdict, error)
}

type ThreadResolver interface {
	Resolve(ctx context.Context, userID, threadID string) (string, error)
}

type Transcripts interface {
	Append(ctx context.Context, threadID, userID string, rec chat.Record) (chat.Record, error)
	Recent(ctx context.Context, threadID string, n int) ([]chat.Record, error)
}

type MemoryRetriever interface {
	Retrieve(ctx context.Context, userID, query string) (string, error)
}

type Request struct {
	UserID             string
	ThreadID           string
	Message            string
	ToolFlag           bool
	AttachmentsContext string
}

type Options struct {
	TurnTimeout             time.Duration
	OutputModerationTimeout time.Duration
	HistoryWindow           int
	MaxMessageChars         int
	MaxAttachmentChars      int
}

func DefaultOptions() Options {
	return Options{
		TurnTimeout:             2 * time.Minute,
		OutputModerationTimeout: 3 * time.Second,
		HistoryWindow:           20,
		MaxMessageChars:         8000,
		MaxAttachmentChars:      20000,
	}
}

type Deps struct {
	Moderator   Moderator
	Threads     ThreadResolver
	Transcripts Transcripts
	Memory      MemoryRetriever
	Selector    Selector
	Model       ai.StreamProvider
	Scheduler   MemoryScheduler
	Locker      Locker
	Logger      zerolog.Logger
}

// Pipeline runs one conversational turn end to end.
type Pipeline struct {
	Deps
	opts Options
}

func NewPipeline(deps Deps, opts Options) *Pipeline {
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	return &Pipeline{Deps: deps, opts: opts}
}

const recordTimeout = 5 * time.Second

// Run executes the turn and writes its events to em. A returned error with
// em still Idle means nothing was streamed and the caller must answer the
// request itself. In every other case em has already received done.
func (p *Pipeline) Run(ctx context.Context, req Request, em *stream.Emitter) (err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "turn", trace.WithAttributes(
		attribute.Bool("turn.tool_flag", req.ToolFlag),
	))
	defer span.End()

	defer func() {
		status := string(em.Status())
		if status == "" {
			status = "rejected"
		}
		metrics.TurnsTotal.WithLabelValues(status).Inc()
		metrics.TurnDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(KindOf(err)))
		}
	}()

	if verr := p.validate(&req); verr != nil {
		return verr
	}
	log := p.Logger.With().Str("user_id", req.UserID).Logger()

	clientCtx := ctx
	ctx, cancel := context.WithTimeout(ctx, p.opts.TurnTimeout)
	defer cancel()

	verdict, merr := p.Moderator.Check(ctx, moderation.StageInput, inputText(req))
	if merr != nil {
		log.Error().Err(merr).Msg("input moderation unavailable")
		return newError(KindModerationUnavailable, "input_moderation", merr)
	}
	if verdict.Flagged {
		log.Info().Str("reason", verdict.Reason).Msg("turn blocked by input moderation")
		_ = em.Block(string(moderation.StageInput), verdict.Reason)
		return nil
	}

	threadID, rerr := p.Threads.Resolve(ctx, req.UserID, req.ThreadID)
	switch {
	case errors.Is(rerr, chat.ErrForbidden):
		return newError(KindForbidden, "thread_not_owned", rerr)
	case errors.Is(rerr, chat.ErrThreadNotFound):
		return newError(KindNotFound, "thread_not_found", rerr)
	case rerr != nil:
		return p.fail(ctx, em, log, KindUpstream, "thread_resolve", rerr)
	}
	em.SetThreadID(threadID)
	span.SetAttributes(attribute.String("turn.thread_id", threadID))
	log = log.With().Str("thread_id", threadID).Logger()

	unlock, lerr := p.Locker.Lock(ctx, threadID)
	if lerr != nil {
		return p.fail(ctx, em, log, KindUpstream, "thread_busy", lerr)
	}
	defer unlock()

	history, herr := p.Transcripts.Recent(ctx, threadID, p.opts.HistoryWindow)
	if herr != nil {
		return p.fail(ctx, em, log, KindUpstream, "transcript_read", herr)
	}

	block, memErr := p.retrieve(ctx, req)
	if memErr != nil {
		return p.fail(ctx, em, log, KindUpstream, "memory_retrieve", memErr)
	}

	messages, binding := p.Selector.Apply(req.ToolFlag, buildMessages(block, req.AttachmentsContext, history, req.Message))

	if _, aerr := p.Transcripts.Append(ctx, threadID, req.UserID, chat.Record{
		Role:    chat.RoleUser,
		Content: req.Message,
	}); aerr != nil {
		return p.fail(ctx, em, log, KindUpstream, "transcript_write", aerr)
	}

	_ = em.Start()
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()
	em.OnFirstToken(func() { metrics.FirstTokenLatency.Observe(time.Since(start).Seconds()) })

	genErr := p.generate(ctx, em, ai.GenerateRequest{Messages: messages, Binding: binding})
	reply := em.Text()

	if genErr != nil {
		p.record(ctx, log, threadID, req.UserID, chat.Record{Role: chat.RoleAssistant, Content: reply, Incomplete: true})
		if clientCtx.Err() != nil {
			log.Info().Int("partial_chars", len(reply)).Msg("client went away mid-stream")
			_ = em.Fail(string(KindUpstream), "turn cancelled")
			return newError(KindUpstream, "client_cancelled", clientCtx.Err())
		}
		kind := KindUpstream
		if errors.Is(genErr, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return p.fail(ctx, em, log, kind, "model_stream", genErr)
	}

	flagged, oerr := p.moderateOutput(ctx, log, reply)
	if oerr != nil {
		p.record(ctx, log, threadID, req.UserID, chat.Record{Role: chat.RoleAssistant, Content: reply})
		return p.fail(ctx, em, log, KindModerationUnavailable, "output_moderation", oerr)
	}
	if flagged.Flagged {
		_ = em.Policy(string(moderation.StageOutput), flagged.Reason)
	}

	p.record(ctx, log, threadID, req.UserID, chat.Record{Role: chat.RoleAssistant, Content: reply, Flagged: flagged.Flagged})
	_ = em.Complete()

	if !flagged.Flagged && p.Scheduler != nil {
		p.Scheduler.Schedule(memory.Job{
			UserID:         req.UserID,
			ThreadID:       threadID,
			UserMessage:    req.Message,
			AssistantReply: reply,
			CreatedAt:      time.Now(),
		})
	}

	log.Info().Dur("took", time.Since(start)).Int("reply_chars", len(reply)).Bool("tool_bound", binding.Bound()).Msg("turn completed")
	return nil
}

func (p *Pipeline) validate(req *Request) *Error {
	if strings.TrimSpace(req.UserID) == "" {
		return newError(KindUnauthorized, "missing_identity", nil)
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return newError(KindValidation, "message_required", nil)
	}
	if p.opts.MaxMessageChars > 0 && utf8.RuneCountInString(req.Message) > p.opts.MaxMessageChars {
		return newError(KindValidation, "message_too_long", nil)
	}
	if p.opts.MaxAttachmentChars > 0 && utf8.RuneCountInString(req.AttachmentsContext) > p.opts.MaxAttachmentChars {
		return newError(KindValidation, "attachments_too_long", nil)
	}
	req.ThreadID = strings.TrimSpace(req.ThreadID)
	return nil
}

func inputText(req Request) string {
	if strings.TrimSpace(req.AttachmentsContext) == "" {
		return req.Message
	}
	return req.Message + "\n\n" + req.AttachmentsContext
}

func (p *Pipeline) retrieve(ctx context.Context, req Request) (string, error) {
	ctx, span := tracer.Start(ctx, "memory.retrieve")
	defer span.End()
	block, err := p.Memory.Retrieve(ctx, req.UserID, req.Message)
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.Int("memory.block_chars", utf8.RuneCountInString(block)))
	return block, err
}

// generate relays model chunks as token events until the provider closes its channels.
func (p *Pipeline) generate(ctx context.Context, em *stream.Emitter, req ai.GenerateRequest) error {
	ctx, span := tracer.Start(ctx, "model.stream", trace.WithAttributes(
		attribute.String("tool.choice", string(req.Binding.Choice)),
	))
	defer span.End()

	chunks, errs := p.Model.StreamChat(ctx, req)
	for chunk := range chunks {
		// a failed write means the client is gone; keep draining so the
		// provider goroutine can finish and the partial text is kept
		_ = em.Token(chunk)
	}
	err := <-errs
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model stream failed")
	}
	return err
}

// moderateOutput waits a bounded time. A timeout is logged and treated as
// not flagged so the stream is never held open.
func (p *Pipeline) moderateOutput(ctx context.Context, log zerolog.Logger, reply string) (moderation.Verdict, error) {
	if strings.TrimSpace(reply) == "" {
		return moderation.Verdict{}, nil
	}
	octx, cancel := context.WithTimeout(ctx, p.opts.OutputModerationTimeout)
	defer cancel()

	v, err := p.Moderator.Check(octx, moderation.StageOutput, reply)
	if err != nil && errors.Is(octx.Err(), context.DeadlineExceeded) {
		log.Warn().Dur("timeout", p.opts.OutputModerationTimeout).Msg("output moderation timed out, closing without policy event")
		return moderation.Verdict{}, nil
	}
	return v, err
}

// record writes a transcript entry on a context detached from the request,
// so that cancellation still leaves the partial reply on record.
func (p *Pipeline) record(ctx context.Context, log zerolog.Logger, threadID, userID string, rec chat.Record) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if _, err := p.Transcripts.Append(wctx, threadID, userID, rec); err != nil {
		log.Error().Err(err).Bool("incomplete", rec.Incomplete).Msg("assistant record not written")
	}
}

func (p *Pipeline) fail(ctx context.Context, em *stream.Emitter, log zerolog.Logger, kind Kind, reason string, err error) error {
	if kind == KindUpstream && errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	log.Error().Err(err).Str("kind", string(kind)).Str("reason", reason).Msg("turn failed")
	trace.SpanFromContext(ctx).AddEvent("turn.failed", trace.WithAttributes(attribute.String("reason", reason)))
	_ = em.Fail(string(kind), PublicMessage(kind))
	return newError(kind, reason, err)
}

// PublicMessage is the client-facing text for a kind. Internal detail stays in logs.
func PublicMessage(kind Kind) string {
	switch kind {
	case KindValidation:
		return "invalid request"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "thread is not accessible"
	case KindNotFound:
		return "thread not found"
	case KindModerationUnavailable:
		return "content safety check is unavailable, please retry"
	case KindUpstream:
		return "the assistant is temporarily unavailable"
	case KindTimeout:
		return "the response took too long"
	default:
		return "internal error"
	}
}

const attachmentsPreamble = "Context attached by the user for this message:\n"

// buildMessages orders the context: memory block, attachments, recent
// history, then the user message.
func buildMessages(memoryBlock, attachments string, history []chat.Record, message string) []ai.Message {
	out := make([]ai.Message, 0, len(history)+3)
	if memoryBlock != "" {
		out = append(out, ai.Message{Role: ai.RoleSystem, Content: memoryBlock})
	}
	if a := strings.TrimSpace(attachments); a != "" {
		out = append(out, ai.Message{Role: ai.RoleSystem, Content: attachmentsPreamble + a})
	}
	for _, r := range history {
		if r.Content == "" {
			continue
		}
		role := ai.RoleUser
		if r.Role == chat.RoleAssistant {
			role = ai.RoleAssistant
		}
		out = append(out, ai.Message{Role: role, Content: r.Content})
	}
	return append(out, ai.Message{Role: ai.RoleUser, Content: message})
}
