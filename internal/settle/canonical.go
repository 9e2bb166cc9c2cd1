// Package settle produces and consumes signed settlement claims. The wire
// format is a canonical JSON encoding so that the ledger can recompute the
// exact digest the signer committed to.
package settle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Line is the minimal per-line view that enters the score digest. Order is
// significant: lines are digested in line-index order.
type Line struct {
	Index           int    `json:"lineIndex"`
	Score           int    `json:"score"`
	ExpectedText    string `json:"expectedText"`
	TranscribedText string `json:"transcribedText"`
}

// Claim is the unsigned settlement statement {user, session, result}.
type Claim struct {
	SessionID   string
	UserID      string
	CreditsUsed int64
	ScoreDigest [32]byte
}

// SignedSettlement authorizes a one-time credit deduction for a session.
type SignedSettlement struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	CreditsUsed int64  `json:"credits_used"`
	ScoreDigest string `json:"score_digest"`
	Signature   []byte `json:"signature"`
}

// CanonicalJSON marshals v, then re-marshals through a generic tree so that
// all object keys come out lexicographically sorted regardless of struct
// field order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("rebuild tree: %w", err)
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	return out, nil
}

// ScoreDigest hashes the ordered line results.
func ScoreDigest(lines []Line) ([32]byte, error) {
	canon, err := CanonicalJSON(lines)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(canon), nil
}

// CanonicalBytes returns the deterministic encoding of the claim. The ledger
// recomputes this from its call arguments before verifying the signature.
func (c Claim) CanonicalBytes() ([]byte, error) {
	return CanonicalJSON(map[string]any{
		"creditsUsed": c.CreditsUsed,
		"scoreDigest": hex.EncodeToString(c.ScoreDigest[:]),
		"sessionId":   c.SessionID,
		"userId":      c.UserID,
	})
}

// Digest returns the SHA-256 of the canonical claim bytes. This is the value
// the ed25519 signature covers.
func (c Claim) Digest() ([32]byte, error) {
	canon, err := c.CanonicalBytes()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(canon), nil
}

// Claim reconstructs the unsigned claim from a signed settlement.
func (s SignedSettlement) Claim() (Claim, error) {
	dig, err := hex.DecodeString(s.ScoreDigest)
	if err != nil || len(dig) != 32 {
		return Claim{}, fmt.Errorf("settle: malformed score digest")
	}
	c := Claim{
		SessionID:   s.SessionID,
		UserID:      s.UserID,
		CreditsUsed: s.CreditsUsed,
	}
	copy(c.ScoreDigest[:], dig)
	return c, nil
}
