package content

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadCatalog(t *testing.T) {
	path := writeCatalog(t, `
[[song]]
id = "song-1"
title = "Bohemian Rhapsody"
artist = "Queen"
policy = "paid_subscriber"

[[song]]
id = "song-2"
title = "Creep"
artist = "Radiohead"
`)
	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	if len(c.Songs) != 2 {
		t.Fatalf("len(Songs) = %d, want 2", len(c.Songs))
	}

	song, err := c.Find("song-1")
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if song.Policy != "paid_subscriber" {
		t.Fatalf("Policy = %q, want paid_subscriber", song.Policy)
	}

	// Missing policy falls back to standard.
	song, _ = c.Find("song-2")
	if song.Policy != "standard" {
		t.Fatalf("default Policy = %q, want standard", song.Policy)
	}

	if _, err := c.Find("song-3"); !errors.Is(err, ErrSongNotFound) {
		t.Fatalf("Find(missing) error = %v, want ErrSongNotFound", err)
	}
}

func TestLoadCatalogRejectsMissingID(t *testing.T) {
	path := writeCatalog(t, `
[[song]]
title = "Untitled"
`)
	if _, err := LoadCatalog(path); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestLyricsClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/lyrics/song-1" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer lyr-key" {
			t.Fatalf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(Lyrics{
			SongID: "song-1",
			Lines: []TimedLine{
				{Text: "is this the real life", StartMS: 0, EndMS: 4200},
				{Text: "is this just fantasy", StartMS: 4200, EndMS: 8400},
			},
		})
	}))
	defer srv.Close()

	c := NewLyricsClient(LyricsConfig{BaseURL: srv.URL, APIKey: "lyr-key"})
	lyrics, err := c.Fetch(context.Background(), Song{ID: "song-1"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(lyrics.Lines) != 2 {
		t.Fatalf("len(Lines) = %d, want 2", len(lyrics.Lines))
	}
}

func TestLyricsClientRejectsOverlap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(Lyrics{
			SongID: "song-1",
			Lines: []TimedLine{
				{Text: "a", StartMS: 0, EndMS: 5000},
				{Text: "b", StartMS: 4000, EndMS: 9000},
			},
		})
	}))
	defer srv.Close()

	c := NewLyricsClient(LyricsConfig{BaseURL: srv.URL})
	if _, err := c.Fetch(context.Background(), Song{ID: "song-1"}); err == nil {
		t.Fatal("expected overlap error")
	}
}

func TestSealOpenPackage(t *testing.T) {
	pkg := Package{
		SongID: "song-1",
		Title:  "Bohemian Rhapsody",
		Artist: "Queen",
		Policy: "paid_subscriber",
		Lines:  []TimedLine{{Text: "is this the real life", EndMS: 4200}},
	}
	sealed, err := SealPackage(testKeyHex, pkg)
	if err != nil {
		t.Fatalf("SealPackage() error = %v", err)
	}

	got, err := OpenPackage(testKeyHex, "paid_subscriber", sealed)
	if err != nil {
		t.Fatalf("OpenPackage() error = %v", err)
	}
	if got.SongID != pkg.SongID || len(got.Lines) != 1 {
		t.Fatalf("round trip = %+v", got)
	}

	// A blob sealed for one policy must not open under another.
	if _, err := OpenPackage(testKeyHex, "standard", sealed); !errors.Is(err, ErrBadPackage) {
		t.Fatalf("cross-policy open error = %v, want ErrBadPackage", err)
	}

	// Tampered ciphertext fails authentication.
	sealed[len(sealed)-1] ^= 0xff
	if _, err := OpenPackage(testKeyHex, "paid_subscriber", sealed); !errors.Is(err, ErrBadPackage) {
		t.Fatalf("tampered open error = %v, want ErrBadPackage", err)
	}
}

func TestSealPackageRejectsBadKey(t *testing.T) {
	if _, err := SealPackage("deadbeef", Package{}); !errors.Is(err, ErrBadContentKey) {
		t.Fatalf("error = %v, want ErrBadContentKey", err)
	}
}

func TestUploaderUpload(t *testing.T) {
	var gotPolicy, gotSong string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/contents" {
			t.Fatalf("request = %s %s", r.Method, r.URL.Path)
		}
		gotPolicy = r.Header.Get("X-Access-Policy")
		gotSong = r.Header.Get("X-Song-ID")
		json.NewEncoder(w).Encode(uploadResponse{ContentID: "cnt-42"})
	}))
	defer srv.Close()

	u := NewUploader(UploaderConfig{BaseURL: srv.URL})
	id, err := u.Upload(context.Background(), "song-1", "paid_subscriber", []byte("sealed-bytes"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if id != "cnt-42" {
		t.Fatalf("content id = %q, want cnt-42", id)
	}
	if gotPolicy != "paid_subscriber" || gotSong != "song-1" {
		t.Fatalf("headers = %q %q", gotPolicy, gotSong)
	}
}

func TestUploaderErrorIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("quota exceeded"))
	}))
	defer srv.Close()

	u := NewUploader(UploaderConfig{BaseURL: srv.URL})
	_, err := u.Upload(context.Background(), "song-1", "standard", []byte("x"))
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("error = %v, want body included", err)
	}
}
