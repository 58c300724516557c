package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/suPer8Hu/turn-orchestrator/internal/metrics"
)

// OllamaProvider has no forced tool calling, so a forced binding is served by
// running the capability once up front with the latest user message as the
// query and handing the result to the model as context. Auto bindings are
// ignored.
type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
	Tools   ToolExecutor
}

type ollamaStreamResp struct {
	Message ollamaMsg `json:"message"`
	Done    bool      `json:"done"`
	Error   string    `json:"error,omitempty"`
}

func NewOllamaProvider(baseURL, model string, tools ToolExecutor) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: baseURL,
		Model:   model,
		// no global timeout; ctx controls it
		Client: &http.Client{},
		Tools:  tools,
	}
}

type ollamaChatReq struct {
	Model    string      `json:"model"`
	Messages []ollamaMsg `json:"messages"`
	Stream   bool        `json:"stream"`
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResp struct {
	Message ollamaMsg `json:"message"`
	Error   string    `json:"error,omitempty"`
}

func toOllamaMessages(messages []Message) []ollamaMsg {
	out := make([]ollamaMsg, 0, len(messages))
	for _, m := range messages {
		out = append(out, ollamaMsg{Role: m.Role, Content: m.Content})
	}
	return out
}

func (p *OllamaProvider) post(ctx context.Context, body ollamaChatReq) (*http.Response, error) {
	if p.Client == nil {
		return nil, errors.New("ollama: http client is nil")
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/chat", p.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("ollama: status %d", resp.StatusCode)
	}
	return resp, nil
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	resp, err := p.post(ctx, ollamaChatReq{Model: p.Model, Messages: toOllamaMessages(messages)})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != "" {
		return "", errors.New(decoded.Error)
	}
	return decoded.Message.Content, nil
}

// StreamChat streams assistant content chunks.
// It returns immediately with two channels; both will be closed when streaming ends.
func (p *OllamaProvider) StreamChat(ctx context.Context, req GenerateRequest) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		messages, err := p.withForcedTool(ctx, req)
		if err != nil {
			errs <- err
			return
		}

		resp, err := p.post(ctx, ollamaChatReq{Model: p.Model, Stream: true, Messages: toOllamaMessages(messages)})
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		// Increase scanner buffer for long JSON lines.
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}

			var decoded ollamaStreamResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				errs <- err
				return
			}
			if decoded.Error != "" {
				errs <- errors.New(decoded.Error)
				return
			}

			if decoded.Message.Content != "" {
				select {
				case chunks <- decoded.Message.Content:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}

			if decoded.Done {
				return
			}
		}

		if err := sc.Err(); err != nil {
			errs <- err
			return
		}
	}()

	return chunks, errs
}

func (p *OllamaProvider) withForcedTool(ctx context.Context, req GenerateRequest) ([]Message, error) {
	if !req.Binding.Bound() || req.Binding.Choice != ToolChoiceForced {
		return req.Messages, nil
	}
	if p.Tools == nil {
		return nil, ErrBindingUnsupported
	}

	last := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		return req.Messages, nil
	}

	name := req.Binding.Capability.Name
	args, _ := json.Marshal(map[string]string{"query": req.Messages[last].Content})

	start := time.Now()
	result, err := p.Tools.Execute(ctx, name, args)
	metrics.ToolInvocations.WithLabelValues(name, metrics.StatusLabel(err)).Inc()
	if err != nil {
		result = fmt.Sprintf("The %s tool failed after %s: %v.", name, time.Since(start).Round(time.Millisecond), err)
	}

	out := make([]Message, 0, len(req.Messages)+1)
	out = append(out, req.Messages[:last]...)
	out = append(out, Message{Role: RoleSystem, Content: fmt.Sprintf("Results from %s:\n%s", name, result)})
	out = append(out, req.Messages[last:]...)
	return out, nil
}
