package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/turn-orchestrator/internal/memory"
)

// ErrBadMessage marks a delivery that can never succeed and goes straight to the DLQ.
var ErrBadMessage = errors.New("bad job message")

type JobHandler func(ctx context.Context, job memory.Job) error

type ConsumerConfig struct {
	URL         string
	Queue       string
	Concurrency int
	MaxRetries  int
	RetryDelay  time.Duration
}

type Consumer struct {
	cfg    ConsumerConfig
	queues Queues
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger zerolog.Logger

	// pubMu guards publishes to the retry queue from worker goroutines
	pubMu sync.Mutex
}

func NewConsumer(cfg ConsumerConfig, logger zerolog.Logger) (*Consumer, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.Concurrency > 50 {
		cfg.Concurrency = 50
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	q := QueuesFor(cfg.Queue)
	conn, ch, err := dial(cfg.URL, q)
	if err != nil {
		return nil, err
	}
	// strict concurrency control
	if err := ch.Qos(cfg.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{cfg: cfg, queues: q, conn: conn, ch: ch, logger: logger}, nil
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// Run dispatches deliveries to a fixed worker pool until ctx is done, then
// waits for in-flight jobs.
func (c *Consumer) Run(ctx context.Context, handle JobHandler) error {
	msgs, err := c.ch.Consume(c.queues.Main, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.logger.Info().Str("queue", c.queues.Main).Int("concurrency", c.cfg.Concurrency).Msg("worker started")

	jobs := make(chan amqp.Delivery, c.cfg.Concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.cfg.Concurrency)
	for i := 0; i < c.cfg.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			log := c.logger.With().Int("worker", workerID).Logger()
			for d := range jobs {
				c.process(ctx, log, d, handle)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("worker shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) process(ctx context.Context, log zerolog.Logger, d amqp.Delivery, handle JobHandler) {
	start := time.Now()
	job, err := decodeJob(d.Body)
	if err == nil {
		log = log.With().Str("user_id", job.UserID).Str("thread_id", job.ThreadID).Logger()
		err = handle(ctx, job)
	}
	if err == nil {
		if aerr := d.Ack(false); aerr != nil {
			log.Error().Err(aerr).Msg("ack failed")
		}
		log.Debug().Dur("took", time.Since(start)).Msg("job done")
		return
	}

	attempt := retryCount(d.Headers)
	if errors.Is(err, ErrBadMessage) || attempt >= c.cfg.MaxRetries {
		log.Error().Err(err).Int("attempt", attempt).Msg("job dead-lettered")
		_ = d.Nack(false, false)
		return
	}
	if perr := c.retry(ctx, d, attempt+1); perr != nil {
		log.Error().Err(perr).Msg("retry publish failed, requeueing")
		_ = d.Nack(false, true)
		return
	}
	log.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", c.cfg.RetryDelay).Msg("job failed, scheduled retry")
	_ = d.Ack(false)
}

func (c *Consumer) retry(ctx context.Context, d amqp.Delivery, attempt int) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.ch.PublishWithContext(cctx, "", c.queues.Retry, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Body:         d.Body,
		Timestamp:    time.Now(),
		Expiration:   strconv.FormatInt(c.cfg.RetryDelay.Milliseconds(), 10),
		Headers:      amqp.Table{retryCountHeader: int32(attempt)},
	})
}

func decodeJob(body []byte) (memory.Job, error) {
	var job memory.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return job, errors.Join(ErrBadMessage, err)
	}
	if job.UserID == "" || job.UserMessage == "" {
		return job, ErrBadMessage
	}
	return job, nil
}

func retryCount(h amqp.Table) int {
	switch v := h[retryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
