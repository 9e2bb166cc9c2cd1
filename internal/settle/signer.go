package settle

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

var (
	ErrInvalidKeyFormat   = errors.New("settle: invalid key format")
	ErrUnsupportedKey     = errors.New("settle: unsupported key type (expected Ed25519)")
	ErrSigningUnavailable = errors.New("settle: signing unavailable")
)

// Signer binds a claim to a signature unforgeable without the private key.
type Signer interface {
	Sign(ctx context.Context, claim Claim) (SignedSettlement, error)
}

// Ed25519Signer signs claims with a locally held settlement key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

func NewEd25519Signer(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{priv: priv}
}

// NewSignerFromFile loads the settlement key from disk. Raw 32-byte seeds,
// raw 64-byte private keys, and OpenSSH-format files are accepted.
func NewSignerFromFile(path string) (*Ed25519Signer, error) {
	priv, err := LoadPrivateKey(path)
	if err != nil {
		return nil, err
	}
	return &Ed25519Signer{priv: priv}, nil
}

func (s *Ed25519Signer) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

func (s *Ed25519Signer) Sign(_ context.Context, claim Claim) (SignedSettlement, error) {
	if len(s.priv) != ed25519.PrivateKeySize {
		return SignedSettlement{}, ErrSigningUnavailable
	}
	digest, err := claim.Digest()
	if err != nil {
		return SignedSettlement{}, err
	}
	return SignedSettlement{
		SessionID:   claim.SessionID,
		UserID:      claim.UserID,
		CreditsUsed: claim.CreditsUsed,
		ScoreDigest: hex.EncodeToString(claim.ScoreDigest[:]),
		Signature:   ed25519.Sign(s.priv, digest[:]),
	}, nil
}

// Verify recomputes the canonical digest from the settlement fields and
// checks the signature. Any altered field makes this fail.
func Verify(pub ed25519.PublicKey, s SignedSettlement) bool {
	claim, err := s.Claim()
	if err != nil {
		return false
	}
	digest, err := claim.Digest()
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, digest[:], s.Signature)
}

// LoadPrivateKey reads an Ed25519 private key from file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	if len(keyData) == ed25519.SeedSize {
		return ed25519.NewKeyFromSeed(keyData), nil
	}
	if len(keyData) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(keyData), nil
	}

	parsedKey, err := ssh.ParseRawPrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	switch k := parsedKey.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsedKey)
	}
}

// LoadPublicKey reads an Ed25519 public key from file, raw or OpenSSH format.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	if len(keyData) == ed25519.PublicKeySize {
		return ed25519.PublicKey(keyData), nil
	}

	pubKey, _, _, _, err := ssh.ParseAuthorizedKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	cryptoPubKey, ok := pubKey.(ssh.CryptoPublicKey)
	if !ok {
		return nil, ErrInvalidKeyFormat
	}
	edPub, ok := cryptoPubKey.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	return edPub, nil
}
