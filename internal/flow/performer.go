// Package flow drives a karaoke performance end to end: capture a lyric
// line, score it through the executor, finalize the session, and settle the
// signed claim on the ledger. It owns retry policy and durable checkpoints;
// the session manager owns state transitions.
package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmarchetti/encore/internal/audio"
	"github.com/dmarchetti/encore/internal/executor"
	"github.com/dmarchetti/encore/internal/reliability"
	"github.com/dmarchetti/encore/internal/scoring"
	"github.com/dmarchetti/encore/internal/session"
	"github.com/dmarchetti/encore/internal/settle"
	"github.com/dmarchetti/encore/internal/store"
)

// ErrIntegrityMismatch marks a stored session whose content no longer
// matches its seal. Such sessions are never settled.
var ErrIntegrityMismatch = errors.New("flow: stored session failed integrity check")

// StageObserver counts notable pipeline events for the perf endpoint.
// *observability.Metrics satisfies it.
type StageObserver interface {
	ObserveStageIndicator(name string)
}

// Config bounds the retry behavior of oracle calls. Stages is optional.
type Config struct {
	ScoringRetries int
	RetryBackoff   time.Duration
	Stages         StageObserver
}

// Performer orchestrates one user-facing karaoke flow over the shared
// session manager, executor, store, and ledger.
type Performer struct {
	sessions *session.Manager
	exec     executor.Executor
	store    store.Store
	ledger   settle.Ledger
	encoder  *audio.Encoder
	cfg      Config
}

func NewPerformer(sessions *session.Manager, exec executor.Executor, st store.Store, ledger settle.Ledger, encoder *audio.Encoder, cfg Config) *Performer {
	if cfg.ScoringRetries <= 0 {
		cfg.ScoringRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	p := &Performer{
		sessions: sessions,
		exec:     exec,
		store:    st,
		ledger:   ledger,
		encoder:  encoder,
		cfg:      cfg,
	}
	sessions.SetExpireHook(func(s *session.Session) {
		p.Checkpoint(context.Background(), s)
	})
	return p
}

// Create starts a new session for the user.
func (p *Performer) Create(req session.CreateRequest) *session.Session {
	return p.sessions.Create(req.UserID, req.SongID, req.SongTitle, req.ArtistName, req.Budget)
}

func (p *Performer) Get(sessionID string) (*session.Session, error) {
	return p.sessions.Get(sessionID)
}

// ScoreLine submits one captured segment for scoring and records the
// result. Each scored line consumes one credit, including lines the oracle
// fails to score, which record a zero. When the credit budget is already
// spent the session is finalized with the lines recorded so far and
// session.ErrBudgetExceeded is returned; no oracle call is made.
func (p *Performer) ScoreLine(ctx context.Context, sessionID string, seg audio.Segment, expectedText string) (session.LineResult, error) {
	s, err := p.sessions.Get(sessionID)
	if err != nil {
		return session.LineResult{}, err
	}
	if s.CreditsUsed >= int64(s.Budget) {
		// Finalize only once; repeated over-budget calls keep reporting
		// the budget error against the already-completed session.
		if s.Status == session.StatusCreated || s.Status == session.StatusInProgress {
			if _, ferr := p.Finalize(ctx, sessionID); ferr != nil {
				return session.LineResult{}, ferr
			}
		}
		p.observe("budget_exceeded")
		return session.LineResult{}, fmt.Errorf("%w: budget %d", session.ErrBudgetExceeded, s.Budget)
	}

	lineIndex := seg.LineIndex
	if err := p.sessions.BeginLine(sessionID, lineIndex); err != nil {
		return session.LineResult{}, err
	}

	payload, err := p.encoder.Encode(&seg)
	if err != nil {
		return session.LineResult{}, err
	}
	req := scoring.EncodeRequest(payload, expectedText, s.UserID)

	res, err := p.scoreWithRetry(ctx, req)
	if err != nil {
		return session.LineResult{}, err
	}

	line := session.LineResult{
		LineIndex:    lineIndex,
		ExpectedText: expectedText,
		Timing:       session.LineTiming{StartMS: seg.StartMS, EndMS: seg.EndMS},
	}
	switch r := res.(type) {
	case scoring.Success:
		line.Score = scoring.Clamp(r.Score)
		line.TranscribedText = r.Transcript
	case scoring.Failure:
		line.Score = 0
	default:
		return session.LineResult{}, fmt.Errorf("flow: unhandled scoring result %T", res)
	}

	if err := p.sessions.RecordLineResult(sessionID, line); err != nil {
		return session.LineResult{}, err
	}

	updated, err := p.sessions.Get(sessionID)
	if err != nil {
		return session.LineResult{}, err
	}
	return updated.Lines[len(updated.Lines)-1], nil
}

// scoreWithRetry gives the executor a bounded number of attempts. Only
// malformed audio from the caller fails hard; a malformed oracle envelope,
// a non-retryable oracle status, or retry exhaustion all degrade to a
// Failure verdict so the line records a zero instead of aborting the
// session. Failure results from the executor are verdicts already and are
// returned as-is.
func (p *Performer) scoreWithRetry(ctx context.Context, req scoring.Request) (scoring.Result, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.ScoringRetries; attempt++ {
		if attempt > 0 {
			p.observe("oracle_retry")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt-1, p.cfg.RetryBackoff, 5*time.Second)):
			}
		}
		res, err := p.exec.Score(ctx, req)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, audio.ErrBadPayload) {
			return nil, err
		}
		if errors.Is(err, scoring.ErrMalformedResponse) {
			return scoring.Failure{Err: err.Error()}, nil
		}
		var oe *scoring.OracleError
		if errors.As(err, &oe) && !oe.Retryable() {
			return scoring.Failure{Err: err.Error()}, nil
		}
		lastErr = err
	}
	return scoring.Failure{Err: fmt.Sprintf("scoring failed after %d attempts: %v", p.cfg.ScoringRetries, lastErr)}, nil
}

func (p *Performer) observe(name string) {
	if p.cfg.Stages != nil {
		p.cfg.Stages.ObserveStageIndicator(name)
	}
}

// Finalize freezes the session, derives the total score, and writes a
// durable checkpoint.
func (p *Performer) Finalize(ctx context.Context, sessionID string) (*session.Session, error) {
	s, err := p.sessions.Finalize(sessionID)
	if err != nil {
		return nil, err
	}
	if err := p.Checkpoint(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Settle signs the session claim and submits it to the ledger exactly once.
// A session that is already Settled returns its cached settlement without
// re-signing or re-submitting. The signed record is checkpointed before
// ledger submission so a crash between the two never loses the signature.
func (p *Performer) Settle(ctx context.Context, sessionID string) (settle.SignedSettlement, settle.Receipt, error) {
	snapshot, cached, err := p.sessions.BeginSettlement(sessionID)
	if err != nil {
		return settle.SignedSettlement{}, settle.Receipt{}, err
	}
	if cached != nil {
		return *cached, settle.Receipt{Confirmed: true}, nil
	}

	digest, err := settle.ScoreDigest(snapshot.SettleLines())
	if err != nil {
		p.sessions.FailSettlement(sessionID)
		return settle.SignedSettlement{}, settle.Receipt{}, err
	}
	claim := settle.Claim{
		SessionID:   snapshot.ID,
		UserID:      snapshot.UserID,
		CreditsUsed: snapshot.CreditsUsed,
		ScoreDigest: digest,
	}

	signed, err := p.exec.SignSettlement(ctx, claim)
	if err != nil {
		p.sessions.FailSettlement(sessionID)
		return settle.SignedSettlement{}, settle.Receipt{}, err
	}

	rec := store.Snapshot(snapshot)
	if err := p.store.Persist(ctx, rec, signed.Signature); err != nil {
		p.sessions.FailSettlement(sessionID)
		return settle.SignedSettlement{}, settle.Receipt{}, err
	}

	receipt, err := p.ledger.Settle(ctx, signed)
	if err != nil && !errors.Is(err, settle.ErrAlreadySettled) {
		p.sessions.FailSettlement(sessionID)
		return settle.SignedSettlement{}, settle.Receipt{}, err
	}

	if err := p.sessions.CompleteSettlement(sessionID, signed); err != nil {
		return settle.SignedSettlement{}, settle.Receipt{}, err
	}
	final, err := p.sessions.Get(sessionID)
	if err != nil {
		return settle.SignedSettlement{}, settle.Receipt{}, err
	}
	if err := p.store.Persist(ctx, store.Snapshot(final), signed.Signature); err != nil {
		return settle.SignedSettlement{}, settle.Receipt{}, err
	}
	return signed, receipt, nil
}

// Resume settles sessions that were finalized and checkpointed but never
// reached the ledger, typically after a restart. Checkpoints written
// mid-settlement are picked up too; re-signing and re-submitting them is
// safe because the ledger rejects duplicates as ErrAlreadySettled. Records
// that fail their integrity check are skipped and reported via errs;
// nothing tampered is ever submitted.
func (p *Performer) Resume(ctx context.Context, userID string) (settled []store.Record, errs []error, err error) {
	recs, err := p.store.Unsettled(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	for _, rec := range recs {
		if rec.Status != string(session.StatusCompleted) && rec.Status != string(session.StatusSettling) {
			continue
		}
		ok, verr := p.store.VerifyIntegrity(ctx, rec.SessionID)
		if verr != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", rec.SessionID, verr))
			continue
		}
		if !ok {
			p.observe("integrity_mismatch")
			errs = append(errs, fmt.Errorf("session %s: %w", rec.SessionID, ErrIntegrityMismatch))
			continue
		}
		if rerr := p.settleRecord(ctx, rec); rerr != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", rec.SessionID, rerr))
			continue
		}
		rec.Settled = true
		rec.Status = string(session.StatusSettled)
		settled = append(settled, rec)
	}
	return settled, errs, nil
}

func (p *Performer) settleRecord(ctx context.Context, rec store.Record) error {
	lines := make([]settle.Line, len(rec.Lines))
	for i, l := range rec.Lines {
		lines[i] = settle.Line{
			Index:           l.LineIndex,
			Score:           l.Score,
			ExpectedText:    l.ExpectedText,
			TranscribedText: l.TranscribedText,
		}
	}
	digest, err := settle.ScoreDigest(lines)
	if err != nil {
		return err
	}
	signed, err := p.exec.SignSettlement(ctx, settle.Claim{
		SessionID:   rec.SessionID,
		UserID:      rec.UserID,
		CreditsUsed: rec.CreditsUsed,
		ScoreDigest: digest,
	})
	if err != nil {
		return err
	}
	if _, err := p.ledger.Settle(ctx, signed); err != nil && !errors.Is(err, settle.ErrAlreadySettled) {
		return err
	}
	rec.Settled = true
	rec.Status = string(session.StatusSettled)
	return p.store.Persist(ctx, rec, signed.Signature)
}

// Fail abandons a session and checkpoints its final state.
func (p *Performer) Fail(ctx context.Context, sessionID string) error {
	s, err := p.sessions.Fail(sessionID)
	if err != nil {
		return err
	}
	return p.Checkpoint(ctx, s)
}

// Checkpoint persists an unsigned snapshot of the session.
func (p *Performer) Checkpoint(ctx context.Context, s *session.Session) error {
	return p.store.Persist(ctx, store.Snapshot(s), nil)
}

func (p *Performer) Close() error {
	return p.store.Close()
}
