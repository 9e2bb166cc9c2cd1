package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TimedLine is one lyric line with its offsets within the song.
type TimedLine struct {
	Text    string `json:"text"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

// Lyrics is the fetched lyric sheet for a song.
type Lyrics struct {
	SongID string      `json:"song_id"`
	Lines  []TimedLine `json:"lines"`
}

// LyricsConfig configures the lyrics endpoint client.
type LyricsConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// LyricsClient fetches timed lyric sheets from a lyrics provider.
type LyricsClient struct {
	cfg    LyricsConfig
	client *http.Client
}

func NewLyricsClient(cfg LyricsConfig) *LyricsClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &LyricsClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Fetch retrieves the lyric sheet for a song. A catalog LyricsURL, when
// set, takes precedence over the default per-song path.
func (c *LyricsClient) Fetch(ctx context.Context, song Song) (Lyrics, error) {
	endpoint := strings.TrimSpace(song.LyricsURL)
	if endpoint == "" {
		endpoint = strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/lyrics/" + song.ID
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Lyrics{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return Lyrics{}, fmt.Errorf("lyrics request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return Lyrics{}, fmt.Errorf("read lyrics response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Lyrics{}, fmt.Errorf("lyrics http status %d: %s", res.StatusCode, truncate(string(body), 512))
	}

	var lyrics Lyrics
	if err := json.Unmarshal(body, &lyrics); err != nil {
		return Lyrics{}, fmt.Errorf("decode lyrics response: %w", err)
	}
	if lyrics.SongID == "" {
		lyrics.SongID = song.ID
	}
	if len(lyrics.Lines) == 0 {
		return Lyrics{}, fmt.Errorf("lyrics response for %s has no lines", song.ID)
	}
	for i := 1; i < len(lyrics.Lines); i++ {
		if lyrics.Lines[i].StartMS < lyrics.Lines[i-1].EndMS {
			return Lyrics{}, fmt.Errorf("lyrics response for %s has overlapping lines at %d", song.ID, i)
		}
	}
	return lyrics, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
