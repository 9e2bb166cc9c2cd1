package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmarchetti/encore/internal/reliability"
)

// OracleError is a non-2xx answer from a scoring or transcription oracle.
type OracleError struct {
	Provider string
	Status   int
	Body     string
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("%s oracle http status %d: %s", e.Provider, e.Status, e.Body)
}

// Retryable reports whether the caller may usefully retry. The executor
// itself never retries; retry policy belongs to the session flow.
func (e *OracleError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Status)
}

// STTConfig configures the transcription oracle client.
type STTConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// STTClient calls a Deepgram-style prerecorded transcription endpoint with
// song-specific keyterm hints.
type STTClient struct {
	cfg    STTConfig
	client *http.Client
}

func NewSTTClient(cfg STTConfig) *STTClient {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.deepgram.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "nova-3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &STTClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type sttResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe sends WAV audio and returns the transcript. One attempt only.
// An empty transcript is a valid answer (nothing recognizable was sung).
func (c *STTClient) Transcribe(ctx context.Context, wav []byte, keyterms []string) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/listen")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", c.cfg.Model)
	q.Set("punctuate", "false")
	for _, term := range keyterms {
		q.Add("keyterm", term)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(wav))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set("Authorization", "Token "+c.cfg.APIKey)

	res, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read transcription response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &OracleError{Provider: "stt", Status: res.StatusCode, Body: truncate(string(body), 512)}
	}

	var parsed sttResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode transcription response: %w", err)
	}
	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return strings.TrimSpace(parsed.Results.Channels[0].Alternatives[0].Transcript), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
