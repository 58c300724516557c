package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingExecutor struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingExecutor) Execute(_ context.Context, name string, args json.RawMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name+" "+string(args))
	return "1. Go 1.25 released https://go.dev/blog", nil
}

type capturedRequest struct {
	Tools      []map[string]any `json:"tools"`
	ToolChoice any              `json:"tool_choice"`
	Messages   []map[string]any `json:"messages"`
	Stream     bool             `json:"stream"`
}

func sseChunk(w io.Writer, payload string) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// fakeOpenAI answers the first request with a tool call when tools are attached
// and every other request with two content chunks.
func fakeOpenAI(t *testing.T, headers http.Header) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		var cr capturedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cr))
		mu.Lock()
		reqs = append(reqs, cr)
		mu.Unlock()
		if headers != nil {
			for k := range headers {
				headers.Set(k, r.Header.Get(k))
			}
		}

		if !cr.Stream {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"c","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"[\"likes tea\"]"}}]}`))
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		if len(cr.Tools) > 0 {
			sseChunk(w, `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"web_search","arguments":"{\"query\":"}}]}}]}`)
			sseChunk(w, `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go release\"}"}}]}}]}`)
		} else {
			sseChunk(w, `{"id":"c2","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"Hel"}}]}`)
			sseChunk(w, `{"id":"c2","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"lo"}}]}`)
		}
		sseChunk(w, "[DONE]")
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func collect(t *testing.T, chunks <-chan string, errs <-chan error) string {
	t.Helper()
	var sb strings.Builder
	for c := range chunks {
		sb.WriteString(c)
	}
	err, _ := <-errs
	require.NoError(t, err)
	return sb.String()
}

var searchCapability = &Capability{
	Name:        "web_search",
	Description: "search the web",
	Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
}

func TestOpenAIProvider_ForcedToolRunsExactlyOnce(t *testing.T) {
	srv, reqs := fakeOpenAI(t, nil)
	exec := &countingExecutor{}
	p := NewOpenAIProvider(NewOpenAIClient(srv.URL+"/v1", "k", nil), "m", WithToolExecutor(exec))

	chunks, errs := p.StreamChat(context.Background(), GenerateRequest{
		Messages: []Message{{Role: RoleUser, Content: "what is new in go?"}},
		Binding:  Binding{Capability: searchCapability, Choice: ToolChoiceForced},
	})
	require.Equal(t, "Hello", collect(t, chunks, errs))

	require.Len(t, exec.calls, 1)
	require.Equal(t, `web_search {"query":"go release"}`, exec.calls[0])

	require.Len(t, *reqs, 2)
	first := (*reqs)[0]
	require.Len(t, first.Tools, 1)
	choice, ok := first.ToolChoice.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "function", choice["type"])

	second := (*reqs)[1]
	require.Empty(t, second.Tools)
	last := second.Messages[len(second.Messages)-1]
	require.Equal(t, "tool", last["role"])
	require.Equal(t, "call_1", last["tool_call_id"])
}

func TestOpenAIProvider_AutoChoice(t *testing.T) {
	srv, reqs := fakeOpenAI(t, nil)
	p := NewOpenAIProvider(NewOpenAIClient(srv.URL+"/v1", "k", nil), "m", WithToolExecutor(&countingExecutor{}))

	chunks, errs := p.StreamChat(context.Background(), GenerateRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Binding:  Binding{Capability: searchCapability, Choice: ToolChoiceAuto},
	})
	collect(t, chunks, errs)
	require.Equal(t, "auto", (*reqs)[0].ToolChoice)
}

func TestOpenAIProvider_NoBindingSingleRound(t *testing.T) {
	srv, reqs := fakeOpenAI(t, nil)
	exec := &countingExecutor{}
	p := NewOpenAIProvider(NewOpenAIClient(srv.URL+"/v1", "k", nil), "m", WithToolExecutor(exec))

	chunks, errs := p.StreamChat(context.Background(), GenerateRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Equal(t, "Hello", collect(t, chunks, errs))
	require.Len(t, *reqs, 1)
	require.Empty(t, (*reqs)[0].Tools)
	require.Empty(t, exec.calls)
}

func TestOpenAIProvider_BindingWithoutExecutorFails(t *testing.T) {
	srv, _ := fakeOpenAI(t, nil)
	p := NewOpenAIProvider(NewOpenAIClient(srv.URL+"/v1", "k", nil), "m")

	chunks, errs := p.StreamChat(context.Background(), GenerateRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Binding:  Binding{Capability: searchCapability, Choice: ToolChoiceForced},
	})
	for range chunks {
	}
	require.Error(t, <-errs)
}

func TestOpenAIProvider_ChatSendsExtraHeaders(t *testing.T) {
	seen := http.Header{"X-Title": nil}
	srv, _ := fakeOpenAI(t, seen)
	p := NewOpenAIProvider(NewOpenAIClient(srv.URL+"/v1", "k", map[string]string{"X-Title": "turns"}), "m")

	out, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "extract"}})
	require.NoError(t, err)
	require.Equal(t, `["likes tea"]`, out)
	require.Equal(t, "turns", seen.Get("X-Title"))
}
