package settle

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
)

var (
	ErrAlreadySettled      = errors.New("settle: session already settled")
	ErrBadSignature        = errors.New("settle: signature verification failed")
	ErrInsufficientBalance = errors.New("settle: insufficient balance")
	ErrUnconfirmed         = errors.New("settle: submitted but unconfirmed")
	ErrUnknownUser         = errors.New("settle: unknown user")
)

// Receipt reports the outcome of a settlement submission.
type Receipt struct {
	TxID      string `json:"tx_id"`
	Confirmed bool   `json:"confirmed"`
	Balance   int64  `json:"balance"`
}

// Ledger is the on-chain settlement boundary. It owns the per-user credit
// balance and the consumed-session set; the client never mutates either
// speculatively.
type Ledger interface {
	Settle(ctx context.Context, s SignedSettlement) (Receipt, error)
	Balance(ctx context.Context, userID string) (int64, error)
}

// MemoryLedger is an in-process ledger with the same verification and
// anti-replay semantics as the chain contract. Used for tests and local runs
// without a relayer.
type MemoryLedger struct {
	mu       sync.Mutex
	pub      ed25519.PublicKey
	balances map[string]int64
	consumed map[string]string // sessionID -> tx id
	seq      int
}

func NewMemoryLedger(pub ed25519.PublicKey) *MemoryLedger {
	return &MemoryLedger{
		pub:      pub,
		balances: make(map[string]int64),
		consumed: make(map[string]string),
	}
}

// Credit funds a user balance. Test and bootstrap helper; the real contract
// mints credits through a separate purchase path.
func (l *MemoryLedger) Credit(userID string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += amount
}

func (l *MemoryLedger) Balance(_ context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[userID]
	if !ok {
		return 0, ErrUnknownUser
	}
	return bal, nil
}

// Settle verifies, enforces one-time consumption, and deducts atomically.
// The mutex serializes concurrent submissions for the same session so that
// exactly one succeeds.
func (l *MemoryLedger) Settle(_ context.Context, s SignedSettlement) (Receipt, error) {
	if !Verify(l.pub, s) {
		return Receipt{}, ErrBadSignature
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.consumed[s.SessionID]; ok {
		return Receipt{}, ErrAlreadySettled
	}
	bal, ok := l.balances[s.UserID]
	if !ok || bal < s.CreditsUsed {
		return Receipt{}, ErrInsufficientBalance
	}

	l.seq++
	tx := txID(l.seq)
	l.balances[s.UserID] = bal - s.CreditsUsed
	l.consumed[s.SessionID] = tx

	return Receipt{TxID: tx, Confirmed: true, Balance: l.balances[s.UserID]}, nil
}

func txID(seq int) string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, 0, 18)
	buf = append(buf, '0', 'x')
	for shift := 60; shift >= 0; shift -= 4 {
		buf = append(buf, hexdigits[(seq>>uint(shift))&0xf])
	}
	return string(buf)
}
