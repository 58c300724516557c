package memory

import "time"

// Job is one completed exchange queued for memory extraction.
type Job struct {
	UserID         string    `json:"user_id"`
	ThreadID       string    `json:"thread_id"`
	UserMessage    string    `json:"user_message"`
	AssistantReply string    `json:"assistant_reply"`
	CreatedAt      time.Time `json:"created_at"`
}
