package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClassifier calls the OpenAI moderations endpoint.
type OpenAIClassifier struct {
	client *openai.Client
}

func NewOpenAIClassifier(client *openai.Client) *OpenAIClassifier {
	return &OpenAIClassifier{client: client}
}

func (c *OpenAIClassifier) Classify(ctx context.Context, text string) (Verdict, error) {
	if strings.TrimSpace(text) == "" {
		return Verdict{}, nil
	}
	resp, err := c.client.Moderations(ctx, openai.ModerationRequest{Input: text})
	if err != nil {
		return Verdict{}, fmt.Errorf("openai moderations: %w", err)
	}
	if len(resp.Results) == 0 {
		return Verdict{}, errors.New("openai moderations: empty results")
	}

	for _, r := range resp.Results {
		if r.Flagged {
			return Verdict{Flagged: true, Reason: reason(r.Categories)}, nil
		}
	}
	return Verdict{}, nil
}

func reason(cat openai.ResultCategories) string {
	var out []string
	add := func(on bool, name string) {
		if on {
			out = append(out, name)
		}
	}
	add(cat.Hate || cat.HateThreatening, "hate")
	add(cat.Harassment || cat.HarassmentThreatening, "harassment")
	add(cat.SelfHarm || cat.SelfHarmIntent || cat.SelfHarmInstructions, "self-harm")
	add(cat.Sexual || cat.SexualMinors, "sexual")
	add(cat.Violence || cat.ViolenceGraphic, "violence")
	if len(out) == 0 {
		return "flagged"
	}
	return strings.Join(out, ",")
}
