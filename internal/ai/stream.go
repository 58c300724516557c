package ai

import "context"

// StreamProvider streams assistant content chunks.
// Both channels are closed when streaming ends; errs carries at most one value.
type StreamProvider interface {
	StreamChat(ctx context.Context, req GenerateRequest) (<-chan string, <-chan error)
}
