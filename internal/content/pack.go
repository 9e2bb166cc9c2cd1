package content

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrBadContentKey = errors.New("content: key must be 32 bytes hex")
	ErrBadPackage    = errors.New("content: package decryption failed")
)

// packageAADPrefix binds each ciphertext to the access policy it was
// prepared under, so a blob sealed for one policy cannot serve another.
const packageAADPrefix = "encore/content/v1/"

// Package is the plaintext song bundle uploaded to the content store.
type Package struct {
	SongID string      `json:"song_id"`
	Title  string      `json:"title"`
	Artist string      `json:"artist"`
	Policy string      `json:"policy"`
	Lines  []TimedLine `json:"lines"`
}

// SealPackage encrypts a package under the given key with the policy as
// associated data.
func SealPackage(keyHex string, pkg Package) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil || len(key) != 32 {
		return nil, ErrBadContentKey
	}
	plain, err := json.Marshal(pkg)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, []byte(packageAADPrefix+pkg.Policy)), nil
}

// OpenPackage decrypts a sealed package. The caller must name the policy
// the blob was sealed under.
func OpenPackage(keyHex, policy string, blob []byte) (Package, error) {
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil || len(key) != 32 {
		return Package{}, ErrBadContentKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return Package{}, fmt.Errorf("%w: %v", ErrBadPackage, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Package{}, fmt.Errorf("%w: %v", ErrBadPackage, err)
	}
	if len(blob) < gcm.NonceSize() {
		return Package{}, fmt.Errorf("%w: blob too short", ErrBadPackage)
	}

	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, []byte(packageAADPrefix+policy))
	if err != nil {
		return Package{}, fmt.Errorf("%w: %v", ErrBadPackage, err)
	}

	var pkg Package
	if err := json.Unmarshal(plain, &pkg); err != nil {
		return Package{}, fmt.Errorf("%w: bad plaintext shape", ErrBadPackage)
	}
	return pkg, nil
}

// UploaderConfig configures the content store client.
type UploaderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Uploader pushes sealed packages to the content store.
type Uploader struct {
	cfg    UploaderConfig
	client *http.Client
}

func NewUploader(cfg UploaderConfig) *Uploader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Uploader{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type uploadResponse struct {
	ContentID string `json:"content_id"`
}

// Upload stores a sealed blob and returns its content identifier. The
// policy travels as a header so the store can index without decrypting.
func (u *Uploader) Upload(ctx context.Context, songID, policy string, sealed []byte) (string, error) {
	endpoint := strings.TrimRight(u.cfg.BaseURL, "/") + "/v1/contents"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(sealed))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Song-ID", songID)
	req.Header.Set("X-Access-Policy", policy)
	if u.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.cfg.APIKey)
	}

	res, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("content store http status %d: %s", res.StatusCode, truncate(string(body), 512))
	}

	var parsed uploadResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if parsed.ContentID == "" {
		return "", errors.New("content store returned no content_id")
	}
	return parsed.ContentID, nil
}
