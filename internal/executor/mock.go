package executor

import (
	"context"
	"sync"

	"github.com/dmarchetti/encore/internal/scoring"
	"github.com/dmarchetti/encore/internal/settle"
)

// Mock is a scripted executor for tests and local runs without oracle
// credentials. Each Score call pops the next scripted result.
type Mock struct {
	mu          sync.Mutex
	script      []scoring.Result
	next        int
	signer      settle.Signer
	failSigning bool

	ScoreCalls int
	SignCalls  int
}

func NewMock(signer settle.Signer) *Mock {
	return &Mock{signer: signer}
}

// SetScript replaces the scripted results.
func (m *Mock) SetScript(results ...scoring.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = results
	m.next = 0
}

// SetFailSigning makes SignSettlement fail with ErrSigningUnavailable.
func (m *Mock) SetFailSigning(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSigning = v
}

func (m *Mock) Score(_ context.Context, _ scoring.Request) (scoring.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ScoreCalls++
	if m.next >= len(m.script) {
		return scoring.Success{Score: 100, Transcript: "scripted"}, nil
	}
	r := m.script[m.next]
	m.next++
	return r, nil
}

func (m *Mock) SignSettlement(ctx context.Context, claim settle.Claim) (settle.SignedSettlement, error) {
	m.mu.Lock()
	fail := m.failSigning
	m.SignCalls++
	m.mu.Unlock()
	if fail {
		return settle.SignedSettlement{}, settle.ErrSigningUnavailable
	}
	return m.signer.Sign(ctx, claim)
}
