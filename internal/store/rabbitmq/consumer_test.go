package rabbitmq

import (
	"context"
	"os"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/turn-orchestrator/internal/memory"
)

func TestDecodeJob(t *testing.T) {
	job, err := decodeJob([]byte(`{"user_id":"u1","thread_id":"t1","user_message":"hi","assistant_reply":"hello"}`))
	require.NoError(t, err)
	require.Equal(t, "u1", job.UserID)
	require.Equal(t, "hello", job.AssistantReply)

	_, err = decodeJob([]byte(`not json`))
	require.ErrorIs(t, err, ErrBadMessage)

	_, err = decodeJob([]byte(`{"thread_id":"t1"}`))
	require.ErrorIs(t, err, ErrBadMessage)
}

func TestRetryCount(t *testing.T) {
	require.Equal(t, 0, retryCount(nil))
	require.Equal(t, 2, retryCount(amqp.Table{retryCountHeader: int32(2)}))
	require.Equal(t, 3, retryCount(amqp.Table{retryCountHeader: int64(3)}))
	require.Equal(t, 0, retryCount(amqp.Table{retryCountHeader: "x"}))
}

func TestQueuesFor(t *testing.T) {
	q := QueuesFor("memory_jobs")
	require.Equal(t, Queues{Main: "memory_jobs", Retry: "memory_jobs.retry", DLQ: "memory_jobs.dlq"}, q)
}

func TestPublishConsume_Integration(t *testing.T) {
	url := os.Getenv("RABBIT_TEST_URL")
	if url == "" {
		t.Skip("RABBIT_TEST_URL not set")
	}
	queue := "memory_jobs_test_" + time.Now().Format("150405")

	pub, err := NewPublisher(url, queue)
	require.NoError(t, err)
	defer pub.Close()

	cons, err := NewConsumer(ConsumerConfig{URL: url, Queue: queue, Concurrency: 1, MaxRetries: 1, RetryDelay: 50 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)
	defer cons.Close()

	got := make(chan memory.Job, 2)
	attempts := 0
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() {
		_ = cons.Run(ctx, func(_ context.Context, job memory.Job) error {
			attempts++
			if attempts == 1 {
				return context.DeadlineExceeded
			}
			got <- job
			return nil
		})
	}()

	require.NoError(t, pub.PublishJob(ctx, memory.Job{UserID: "u1", ThreadID: "t1", UserMessage: "My name is Alex"}))
	select {
	case job := <-got:
		require.Equal(t, "u1", job.UserID)
		require.Equal(t, 2, attempts)
	case <-ctx.Done():
		t.Fatal("job was not redelivered through the retry queue")
	}
}
