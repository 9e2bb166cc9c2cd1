// encoreprep prepares songs for the scoring service: it fetches timed
// lyrics, seals them under an access-policy-labelled key, and uploads the
// sealed packages to the content store. It also seals provider credentials
// into the executor vault blob.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dmarchetti/encore/internal/content"
	"github.com/dmarchetti/encore/internal/executor"
)

var (
	catalogPath = flag.String("catalog", "catalog.toml", "path to TOML song catalog")
	lyricsURL   = flag.String("lyrics-url", "", "lyrics endpoint base URL")
	contentURL  = flag.String("content-url", "", "content store base URL")
	timeout     = flag.Duration("timeout", 2*time.Minute, "overall preparation timeout")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "prepare":
		if err := cmdPrepare(flag.Args()[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "prepare failed: %v\n", err)
			os.Exit(1)
		}
	case "credentials":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: encoreprep credentials <out-path>")
			os.Exit(1)
		}
		if err := cmdCredentials(flag.Arg(1)); err != nil {
			fmt.Fprintf(os.Stderr, "credentials failed: %v\n", err)
			os.Exit(1)
		}
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", flag.Arg(0))
		usage()
		os.Exit(1)
	}
}

// cmdPrepare processes the named songs, or every catalog entry when no ids
// are given, and prints one "song-id content-id" line per upload.
func cmdPrepare(songIDs []string) error {
	key := strings.TrimSpace(os.Getenv("CONTENT_KEY"))
	if key == "" {
		return fmt.Errorf("CONTENT_KEY is not set")
	}
	if strings.TrimSpace(*contentURL) == "" {
		return fmt.Errorf("-content-url is required")
	}

	catalog, err := content.LoadCatalog(*catalogPath)
	if err != nil {
		return err
	}

	songs := catalog.Songs
	if len(songIDs) > 0 {
		songs = songs[:0:0]
		for _, id := range songIDs {
			song, err := catalog.Find(id)
			if err != nil {
				return err
			}
			songs = append(songs, song)
		}
	}
	if len(songs) == 0 {
		return fmt.Errorf("catalog %s has no songs", *catalogPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	lyrics := content.NewLyricsClient(content.LyricsConfig{
		BaseURL: *lyricsURL,
		APIKey:  os.Getenv("LYRICS_API_KEY"),
	})
	uploader := content.NewUploader(content.UploaderConfig{
		BaseURL: *contentURL,
		APIKey:  os.Getenv("CONTENT_API_KEY"),
	})

	for _, song := range songs {
		sheet, err := lyrics.Fetch(ctx, song)
		if err != nil {
			return fmt.Errorf("song %s: %w", song.ID, err)
		}
		sealed, err := content.SealPackage(key, content.Package{
			SongID: song.ID,
			Title:  song.Title,
			Artist: song.Artist,
			Policy: song.Policy,
			Lines:  sheet.Lines,
		})
		if err != nil {
			return fmt.Errorf("song %s: %w", song.ID, err)
		}
		contentID, err := uploader.Upload(ctx, song.ID, song.Policy, sealed)
		if err != nil {
			return fmt.Errorf("song %s: %w", song.ID, err)
		}
		fmt.Printf("%s %s\n", song.ID, contentID)
	}
	return nil
}

// cmdCredentials seals the provider API keys from the environment into the
// encrypted vault blob the executor loads at startup.
func cmdCredentials(outPath string) error {
	key := strings.TrimSpace(os.Getenv("EXECUTOR_VAULT_KEY"))
	if key == "" {
		return fmt.Errorf("EXECUTOR_VAULT_KEY is not set")
	}
	creds := executor.Credentials{
		STTAPIKey:    strings.TrimSpace(os.Getenv("STT_API_KEY")),
		ScorerAPIKey: strings.TrimSpace(os.Getenv("SCORER_API_KEY")),
	}
	if creds.STTAPIKey == "" || creds.ScorerAPIKey == "" {
		return fmt.Errorf("STT_API_KEY and SCORER_API_KEY must be set")
	}

	blob, err := executor.SealCredentials(key, creds)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(outPath, blob, 0o600); err != nil {
		return err
	}
	fmt.Printf("credentials sealed to %s\n", outPath)
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `encoreprep - song preparation utility

Usage: encoreprep [options] <command> [args]

Commands:
  prepare [song-id ...]    fetch lyrics, seal, and upload songs (all catalog
                           entries when no ids are given)
  credentials <out-path>   seal provider credentials from env into the
                           executor vault blob
  help                     show this help message

Options:
  -catalog <path>      TOML song catalog (default: catalog.toml)
  -lyrics-url <url>    lyrics endpoint base URL
  -content-url <url>   content store base URL
  -timeout <dur>       overall preparation timeout (default: 2m)

Environment:
  CONTENT_KEY          32-byte hex key for sealing song packages
  LYRICS_API_KEY       bearer token for the lyrics endpoint (optional)
  CONTENT_API_KEY      bearer token for the content store (optional)
  EXECUTOR_VAULT_KEY   32-byte hex key for the credentials command
  STT_API_KEY          transcription oracle key (credentials command)
  SCORER_API_KEY       scoring oracle key (credentials command)`)
}
