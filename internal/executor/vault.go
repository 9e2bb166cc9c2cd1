// Package executor implements the trusted scoring executor contract: it
// alone holds provider credentials and the settlement signing key, and the
// client only ever sees its request/response envelope.
package executor

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrCredentialDecryption = errors.New("executor: credential decryption failed")
	ErrAccessDenied         = errors.New("executor: access policy denied")
	ErrBadVaultKey          = errors.New("executor: vault key must be 32 bytes hex")
)

// credentialAAD binds the ciphertext to its purpose so a blob encrypted for
// another use cannot be swapped in.
const credentialAAD = "encore/provider-credentials/v1"

// Credentials are the provider API keys the executor decrypts per request.
// They are never logged and never leave this package.
type Credentials struct {
	STTAPIKey    string `json:"stt_api_key"`
	ScorerAPIKey string `json:"scorer_api_key"`
}

// AccessPolicy gates credential decryption.
type AccessPolicy interface {
	Authorize(ctx context.Context, userAddress, songID string) error
}

// PermissivePolicy admits any caller with a user address. This is the
// baseline condition for development and tests; production swaps in a
// token-holding check.
type PermissivePolicy struct{}

func (PermissivePolicy) Authorize(_ context.Context, userAddress, _ string) error {
	if strings.TrimSpace(userAddress) == "" {
		return fmt.Errorf("%w: missing user address", ErrAccessDenied)
	}
	return nil
}

// Vault holds the encrypted credential blob and the key that opens it.
type Vault struct {
	key  []byte
	blob []byte
}

func NewVault(keyHex string, blob []byte) (*Vault, error) {
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil || len(key) != 32 {
		return nil, ErrBadVaultKey
	}
	return &Vault{key: key, blob: blob}, nil
}

// LoadVault reads the encrypted blob from disk.
func LoadVault(keyHex, path string) (*Vault, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credential blob: %w", err)
	}
	return NewVault(keyHex, blob)
}

// NewStaticVault seals the given credentials under a fresh process-local
// key. It serves deployments that pass provider keys through the environment
// instead of shipping an encrypted blob on disk; the plaintext still lives
// only inside this package.
func NewStaticVault(creds Credentials) (*Vault, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	keyHex := hex.EncodeToString(key)
	blob, err := SealCredentials(keyHex, creds)
	if err != nil {
		return nil, err
	}
	return NewVault(keyHex, blob)
}

// Open authorizes the caller and decrypts the credentials. Decryption
// failures are fatal to the request, never skipped.
func (v *Vault) Open(ctx context.Context, policy AccessPolicy, userAddress, songID string) (Credentials, error) {
	if err := policy.Authorize(ctx, userAddress, songID); err != nil {
		return Credentials{}, err
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrCredentialDecryption, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrCredentialDecryption, err)
	}
	if len(v.blob) < gcm.NonceSize() {
		return Credentials{}, fmt.Errorf("%w: blob too short", ErrCredentialDecryption)
	}

	nonce, ciphertext := v.blob[:gcm.NonceSize()], v.blob[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, []byte(credentialAAD))
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrCredentialDecryption, err)
	}

	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: bad plaintext shape", ErrCredentialDecryption)
	}
	return creds, nil
}

// SealCredentials encrypts credentials for storage. Used by the content
// preparation tooling and tests.
func SealCredentials(keyHex string, creds Credentials) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil || len(key) != 32 {
		return nil, ErrBadVaultKey
	}
	plain, err := json.Marshal(creds)
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
	return gcm.Seal(nonce, nonce, plain, []byte(credentialAAD)), nil
}
