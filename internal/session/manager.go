// Package session owns the karaoke session lifecycle:
// Created -> InProgress -> Completed -> Settling -> Settled, with Failed as
// the absorbing state for abandonment and expiry. The Manager is the only
// writer of Session and LineResult values.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmarchetti/encore/internal/settle"
)

type Status string

const (
	StatusCreated    Status = "created"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusSettling   Status = "settling"
	StatusSettled    Status = "settled"
	StatusFailed     Status = "failed"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrOutOfOrderLine    = errors.New("line index out of order")
	ErrBudgetExceeded    = errors.New("credit budget exceeded")
	ErrEmptySession      = errors.New("session has no recorded lines")
	ErrInvalidScore      = errors.New("line score outside [0,100]")
	ErrOverlappingLine   = errors.New("line timing overlaps previous line")
)

// Session is one karaoke attempt. Callers always receive deep copies; the
// Manager keeps the only mutable instance.
type Session struct {
	ID          string       `json:"session_id"`
	UserID      string       `json:"user_id"`
	SongID      string       `json:"song_id"`
	SongTitle   string       `json:"song_title"`
	ArtistName  string       `json:"artist_name"`
	Status      Status       `json:"status"`
	Lines       []LineResult `json:"lines"`
	TotalScore  int          `json:"total_score"`
	CreditsUsed int64        `json:"credits_used"`
	Budget      int          `json:"budget"`
	Settled     bool         `json:"settled"`
	StartedAtMS int64        `json:"started_at_ms"`
	EndedAtMS   int64        `json:"ended_at_ms,omitempty"`

	lastActivity time.Time
	settlement   *settle.SignedSettlement
}

// Settlement returns the cached signed settlement, or nil before Settled.
func (s *Session) Settlement() *settle.SignedSettlement {
	if s.settlement == nil {
		return nil
	}
	c := *s.settlement
	return &c
}

// SettleLines converts the recorded lines into digest input, in index order.
func (s *Session) SettleLines() []settle.Line {
	out := make([]settle.Line, len(s.Lines))
	for i, l := range s.Lines {
		out[i] = settle.Line{
			Index:           l.LineIndex,
			Score:           l.Score,
			ExpectedText:    l.ExpectedText,
			TranscribedText: l.TranscribedText,
		}
	}
	return out
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	defaultBudget     int
	practiceThreshold int
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(defaultBudget, practiceThreshold int, inactivityTimeout time.Duration) *Manager {
	if defaultBudget <= 0 {
		defaultBudget = 10
	}
	if practiceThreshold <= 0 || practiceThreshold > 100 {
		practiceThreshold = 90
	}
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		defaultBudget:     defaultBudget,
		practiceThreshold: practiceThreshold,
		inactivityTimeout: inactivityTimeout,
	}
}

// SetExpireHook registers a callback invoked for sessions failed by the
// janitor. The flow uses it to checkpoint abandoned sessions.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create initializes a session in Created. The id is time-derived with a
// random suffix so ids sort roughly by creation and never collide.
func (m *Manager) Create(userID, songID, songTitle, artistName string, budget int) *Session {
	if budget <= 0 {
		budget = m.defaultBudget
	}
	now := time.Now().UTC()
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	s := &Session{
		ID:           fmt.Sprintf("%d-%s", now.UnixMilli(), suffix),
		UserID:       userID,
		SongID:       songID,
		SongTitle:    songTitle,
		ArtistName:   artistName,
		Status:       StatusCreated,
		Budget:       budget,
		StartedAtMS:  now.UnixMilli(),
		lastActivity: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// BeginLine marks the start of the given lyric line. The first call moves
// Created to InProgress. The index must be the next unrecorded line.
func (m *Manager) BeginLine(sessionID string, lineIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	switch s.Status {
	case StatusCreated:
		s.Status = StatusInProgress
	case StatusInProgress:
	default:
		return fmt.Errorf("%w: begin line in %s", ErrInvalidTransition, s.Status)
	}
	if lineIndex != len(s.Lines) {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrderLine, lineIndex, len(s.Lines))
	}
	s.lastActivity = time.Now().UTC()
	return nil
}

// RecordLineResult appends a scored line. Rejections leave the session
// untouched: out-of-order indices, invalid scores, overlapping timings, and
// the budget hard stop all fail before any mutation.
func (m *Manager) RecordLineResult(sessionID string, result LineResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusInProgress {
		return fmt.Errorf("%w: record line in %s", ErrInvalidTransition, s.Status)
	}
	if result.LineIndex != len(s.Lines) {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrderLine, result.LineIndex, len(s.Lines))
	}
	if result.Score < 0 || result.Score > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidScore, result.Score)
	}
	if n := len(s.Lines); n > 0 && result.Timing.StartMS < s.Lines[n-1].Timing.EndMS {
		return ErrOverlappingLine
	}
	if s.CreditsUsed+1 > int64(s.Budget) {
		return fmt.Errorf("%w: budget %d", ErrBudgetExceeded, s.Budget)
	}

	result.NeedsPractice = result.Score < m.practiceThreshold
	s.Lines = append(s.Lines, result)
	s.CreditsUsed++
	s.lastActivity = time.Now().UTC()
	return nil
}

// Finalize freezes the line set and derives the total score as the rounded
// mean of the per-line scores.
func (m *Manager) Finalize(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: finalize in %s", ErrInvalidTransition, s.Status)
	}
	if len(s.Lines) == 0 {
		return nil, ErrEmptySession
	}

	sum := 0
	for _, l := range s.Lines {
		sum += l.Score
	}
	s.TotalScore = int(math.Round(float64(sum) / float64(len(s.Lines))))
	s.Status = StatusCompleted
	s.EndedAtMS = time.Now().UTC().UnixMilli()
	s.lastActivity = time.Now().UTC()
	return clone(s), nil
}

// BeginSettlement moves Completed to Settling and returns a read-only
// snapshot for the signer. If the session is already Settled it returns the
// cached settlement instead so callers never re-sign.
func (m *Manager) BeginSettlement(sessionID string) (*Session, *settle.SignedSettlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	switch s.Status {
	case StatusSettled:
		return nil, s.Settlement(), nil
	case StatusCompleted:
		s.Status = StatusSettling
		s.lastActivity = time.Now().UTC()
		return clone(s), nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: settle in %s", ErrInvalidTransition, s.Status)
	}
}

// CompleteSettlement records the signed settlement and flips settled
// exactly once.
func (m *Manager) CompleteSettlement(sessionID string, signed settle.SignedSettlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusSettling {
		return fmt.Errorf("%w: complete settlement in %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusSettled
	s.Settled = true
	s.settlement = &signed
	s.lastActivity = time.Now().UTC()
	return nil
}

// FailSettlement returns a Settling session to Completed. Settlement is
// retryable without re-signing.
func (m *Manager) FailSettlement(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusSettling {
		return fmt.Errorf("%w: fail settlement in %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusCompleted
	s.lastActivity = time.Now().UTC()
	return nil
}

// Fail moves any non-terminal session to Failed.
func (m *Manager) Fail(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status == StatusSettled || s.Status == StatusFailed {
		return nil, fmt.Errorf("%w: fail in %s", ErrInvalidTransition, s.Status)
	}
	s.Status = StatusFailed
	s.lastActivity = time.Now().UTC()
	return clone(s), nil
}

// StartJanitor expires abandoned sessions in the background.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		switch s.Status {
		case StatusSettled, StatusFailed:
		default:
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		switch s.Status {
		case StatusSettled, StatusFailed:
			continue
		}
		if now.Sub(s.lastActivity) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusFailed
		s.lastActivity = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	c.Lines = append([]LineResult(nil), s.Lines...)
	if s.settlement != nil {
		sig := *s.settlement
		c.settlement = &sig
	}
	return &c
}
