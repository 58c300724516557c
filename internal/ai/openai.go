package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/suPer8Hu/turn-orchestrator/internal/metrics"
)

// OpenAIProvider talks to any OpenAI compatible chat completions API,
// including OpenRouter when pointed at its base URL.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	tools  ToolExecutor
	logger zerolog.Logger
}

type OpenAIOption func(*OpenAIProvider)

func WithToolExecutor(t ToolExecutor) OpenAIOption {
	return func(p *OpenAIProvider) { p.tools = t }
}

func WithLogger(l zerolog.Logger) OpenAIOption {
	return func(p *OpenAIProvider) { p.logger = l }
}

// NewOpenAIClient builds a client. Extra headers are sent on every request,
// e.g. HTTP-Referer and X-Title for OpenRouter attribution.
func NewOpenAIClient(baseURL, apiKey string, headers map[string]string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	var rt http.RoundTripper = http.DefaultTransport
	if len(headers) > 0 {
		rt = headerTransport{base: rt, headers: headers}
	}
	// no global timeout; ctx controls streaming requests
	cfg.HTTPClient = &http.Client{Transport: rt}
	return openai.NewClientWithConfig(cfg)
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}

func NewOpenAIProvider(client *openai.Client, model string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{client: client, model: model, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: toOpenAIMessages(messages),
	})
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai chat: no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// StreamChat streams assistant content. When a capability is bound the model
// gets one round with the tool attached; if it asks for the tool, exactly one
// call is executed and a second round without tools produces the answer.
func (p *OpenAIProvider) StreamChat(ctx context.Context, req GenerateRequest) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		msgs := toOpenAIMessages(req.Messages)
		first := openai.ChatCompletionRequest{
			Model:    p.model,
			Messages: msgs,
			Stream:   true,
		}

		if req.Binding.Bound() {
			if p.tools == nil {
				errs <- fmt.Errorf("openai: capability %q bound without an executor", req.Binding.Capability.Name)
				return
			}
			first.Tools = []openai.Tool{toOpenAITool(*req.Binding.Capability)}
			first.ToolChoice = toOpenAIToolChoice(req.Binding)
			first.ParallelToolCalls = false
		}

		call, err := p.streamRound(ctx, first, chunks)
		if err != nil {
			errs <- err
			return
		}
		if call == nil {
			return
		}

		result := p.execute(ctx, *call)
		msgs = append(msgs,
			openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{*call},
			},
			openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Name:       call.Function.Name,
				Content:    result,
			},
		)

		second := openai.ChatCompletionRequest{
			Model:    p.model,
			Messages: msgs,
			Stream:   true,
		}
		if _, err := p.streamRound(ctx, second, chunks); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

func (p *OpenAIProvider) execute(ctx context.Context, call openai.ToolCall) string {
	start := time.Now()
	out, err := p.tools.Execute(ctx, call.Function.Name, json.RawMessage(call.Function.Arguments))
	metrics.ToolInvocations.WithLabelValues(call.Function.Name, metrics.StatusLabel(err)).Inc()
	if err != nil {
		p.logger.Warn().Err(err).Str("tool", call.Function.Name).Dur("took", time.Since(start)).Msg("tool call failed")
		return fmt.Sprintf("The %s tool failed: %v. Answer from your own knowledge and say that live results were unavailable.", call.Function.Name, err)
	}
	p.logger.Debug().Str("tool", call.Function.Name).Dur("took", time.Since(start)).Msg("tool call done")
	return out
}

// streamRound relays content deltas and returns the first requested tool call, if any.
func (p *OpenAIProvider) streamRound(ctx context.Context, req openai.ChatCompletionRequest, chunks chan<- string) (*openai.ToolCall, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	calls := map[int]*openai.ToolCall{}
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("openai stream recv: %w", err)
		}

		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				select {
				case chunks <- choice.Delta.Content:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc, ok := calls[idx]
				if !ok {
					acc = &openai.ToolCall{Type: openai.ToolTypeFunction}
					calls[idx] = acc
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Function.Name = tc.Function.Name
				}
				acc.Function.Arguments += tc.Function.Arguments
			}
		}
	}

	if len(calls) == 0 {
		return nil, nil
	}
	idxs := make([]int, 0, len(calls))
	for i := range calls {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	if len(idxs) > 1 {
		p.logger.Warn().Int("requested", len(idxs)).Msg("model requested several tool calls, executing the first only")
	}
	call := calls[idxs[0]]
	return call, nil
}

func toOpenAIMessages(in []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(in))
	for _, m := range in {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func toOpenAITool(c Capability) openai.Tool {
	var params any = c.Parameters
	if len(c.Parameters) == 0 {
		params = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        c.Name,
			Description: c.Description,
			Parameters:  params,
		},
	}
}

func toOpenAIToolChoice(b Binding) any {
	if b.Choice == ToolChoiceForced {
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: b.Capability.Name},
		}
	}
	return "auto"
}
