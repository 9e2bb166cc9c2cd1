package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ScorerConfig configures the language-model scoring oracle client.
type ScorerConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// ScorerClient calls an OpenAI-style chat completions endpoint with the
// strict scoring prompt.
type ScorerClient struct {
	cfg    ScorerConfig
	client *http.Client
}

func NewScorerClient(cfg ScorerConfig) *ScorerClient {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ScorerClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *chatFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ScoreLines asks the oracle to grade the transcript against the expected
// lines. One attempt only; the reply's arithmetic is normalized locally
// before anyone trusts it.
func (c *ScorerClient) ScoreLines(ctx context.Context, expectedLines []string, transcript string) (Details, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "user", Content: BuildScoringPrompt(expectedLines, transcript)},
		},
		Temperature:    0,
		ResponseFormat: &chatFormat{Type: "json_object"},
	})
	if err != nil {
		return Details{}, fmt.Errorf("marshal scorer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Details{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	res, err := c.client.Do(req)
	if err != nil {
		return Details{}, fmt.Errorf("scorer request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Details{}, fmt.Errorf("read scorer response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Details{}, &OracleError{Provider: "scorer", Status: res.StatusCode, Body: truncate(string(body), 512)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Details{}, fmt.Errorf("decode scorer response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Details{}, fmt.Errorf("scorer returned no choices")
	}

	var details Details
	content := stripCodeFences(parsed.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &details); err != nil {
		return Details{}, fmt.Errorf("%w: scorer verdict not JSON: %v", ErrMalformedResponse, err)
	}
	return Normalize(details), nil
}
