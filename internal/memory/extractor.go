package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/suPer8Hu/turn-orchestrator/internal/ai"
)

// Extractor derives memory items from one exchange.
type Extractor interface {
	ExtractFacts(ctx context.Context, userMessage string, max int) ([]string, error)
	Summarize(ctx context.Context, userMessage, assistantReply string) (string, error)
}

const (
	factsPrompt = `Extract at most %d durable facts about the user from their message: name, preferences, ongoing projects, stable circumstances.
Write each fact as a short third-person sentence. Ignore questions, transient requests and anything about the assistant.
Reply with a JSON array of strings only. Reply [] when there is nothing durable.`

	summaryPrompt = `Summarize this exchange in one sentence so it can be recalled in a later conversation.
Mention the topic and any outcome. Reply with the sentence only.`

	maxSummaryChars = 280
)

// LLMExtractor prompts an auxiliary model for extraction.
type LLMExtractor struct {
	model ai.Provider
}

func NewLLMExtractor(model ai.Provider) *LLMExtractor {
	return &LLMExtractor{model: model}
}

func (e *LLMExtractor) ExtractFacts(ctx context.Context, userMessage string, max int) ([]string, error) {
	if max <= 0 {
		return nil, nil
	}
	out, err := e.model.Chat(ctx, []ai.Message{
		{Role: ai.RoleSystem, Content: fmt.Sprintf(factsPrompt, max)},
		{Role: ai.RoleUser, Content: userMessage},
	})
	if err != nil {
		return nil, fmt.Errorf("extract facts: %w", err)
	}
	return parseFacts(out, max), nil
}

func (e *LLMExtractor) Summarize(ctx context.Context, userMessage, assistantReply string) (string, error) {
	out, err := e.model.Chat(ctx, []ai.Message{
		{Role: ai.RoleSystem, Content: summaryPrompt},
		{Role: ai.RoleUser, Content: "User: " + userMessage + "\n\nAssistant: " + assistantReply},
	})
	if err != nil {
		return "", fmt.Errorf("summarize exchange: %w", err)
	}
	s := strings.TrimSpace(out)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if r := []rune(s); len(r) > maxSummaryChars {
		s = string(r[:maxSummaryChars])
	}
	return s, nil
}

// parseFacts accepts a JSON array, optionally inside a code fence, and falls
// back to one fact per bullet line.
func parseFacts(raw string, max int) []string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var candidates []string
	if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
		candidates = nil
		for _, line := range strings.Split(raw, "\n") {
			line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*•"))
			if line != "" && line != "[]" {
				candidates = append(candidates, line)
			}
		}
	}

	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, max)
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		key := strings.ToLower(c)
		if c == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
		if len(out) == max {
			break
		}
	}
	return out
}
