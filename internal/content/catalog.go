// Package content prepares songs for the scoring service: catalog lookup,
// lyric fetching, and policy-labelled encryption of the lyric package
// before upload to the content store.
package content

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

var ErrSongNotFound = errors.New("content: song not in catalog")

// Song is one catalog entry. LyricsURL overrides the default lyrics
// endpoint for songs hosted elsewhere.
type Song struct {
	ID        string `toml:"id"`
	Title     string `toml:"title"`
	Artist    string `toml:"artist"`
	Policy    string `toml:"policy"`
	LyricsURL string `toml:"lyrics_url"`
}

type Catalog struct {
	Songs []Song `toml:"song"`
}

// LoadCatalog reads a TOML song catalog.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	var c Catalog
	if _, err := toml.Decode(string(data), &c); err != nil {
		return Catalog{}, fmt.Errorf("decode TOML: %w", err)
	}
	for i, s := range c.Songs {
		if strings.TrimSpace(s.ID) == "" {
			return Catalog{}, fmt.Errorf("catalog entry %d: missing id", i)
		}
		if strings.TrimSpace(s.Policy) == "" {
			c.Songs[i].Policy = "standard"
		}
	}
	return c, nil
}

// Find returns the catalog entry for a song id.
func (c Catalog) Find(songID string) (Song, error) {
	for _, s := range c.Songs {
		if s.ID == songID {
			return s, nil
		}
	}
	return Song{}, fmt.Errorf("%w: %s", ErrSongNotFound, songID)
}
