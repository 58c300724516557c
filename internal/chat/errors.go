package chat

import "errors"

var (
	ErrThreadNotFound     = errors.New("thread not found")
	ErrForbidden          = errors.New("thread belongs to another user")
	ErrInvalidTitle       = errors.New("title must be 1-200 characters")
	ErrTranscriptConflict = errors.New("transcript changed concurrently, retries exhausted")
)
