package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/turn-orchestrator/internal/ai"
)

const (
	ToolName              = "web_search"
	defaultSerperEndpoint = "https://google.serper.dev/search"
)

type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

type serperResponse struct {
	Organic []Result `json:"organic"`
}

type Config struct {
	APIKey   string
	Endpoint string
	Results  int
	Timeout  time.Duration
}

// Client queries the Serper web search API.
type Client struct {
	cfg    Config
	http   *resty.Client
	logger zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = defaultSerperEndpoint
	}
	if cfg.Results <= 0 {
		cfg.Results = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg: cfg,
		http: resty.New().
			SetHeader("User-Agent", "turn-orchestrator/1.0").
			SetTimeout(cfg.Timeout).
			SetRetryCount(0),
		logger: logger,
	}
}

func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("search: empty query")
	}
	if c.cfg.APIKey == "" {
		return nil, errors.New("search: api key is not configured")
	}

	var res serperResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", c.cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"q": query, "num": c.cfg.Results}).
		SetResult(&res).
		Post(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("query search api: %w", err)
	}
	if resp.IsError() {
		c.logger.Error().Int("status", resp.StatusCode()).Str("response", resp.String()).Msg("search api error")
		return nil, fmt.Errorf("search api error (status %d)", resp.StatusCode())
	}

	out := res.Organic
	if len(out) > c.cfg.Results {
		out = out[:c.cfg.Results]
	}
	c.logger.Debug().Str("query", query).Int("result_count", len(out)).Msg("search completed")
	return out, nil
}

// Capability describes the web search function for tool binding.
func Capability() *ai.Capability {
	return &ai.Capability{
		Name:        ToolName,
		Description: "Search the web for current information. Returns titles, links and snippets.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"search query"}},"required":["query"]}`),
	}
}

// Execute implements ai.ToolExecutor.
func (c *Client) Execute(ctx context.Context, name string, arguments json.RawMessage) (string, error) {
	if name != ToolName {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", fmt.Errorf("decode %s arguments: %w", name, err)
	}

	results, err := c.Search(ctx, args.Query)
	if err != nil {
		return "", err
	}
	return Format(results), nil
}

// Format renders results as a numbered list the model can cite from.
func Format(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}
	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.Link)
		if r.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Snippet)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
