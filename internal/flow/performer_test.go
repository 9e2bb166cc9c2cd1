package flow

import (
	"context"
	"crypto/ed25519"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmarchetti/encore/internal/audio"
	"github.com/dmarchetti/encore/internal/executor"
	"github.com/dmarchetti/encore/internal/scoring"
	"github.com/dmarchetti/encore/internal/session"
	"github.com/dmarchetti/encore/internal/settle"
	"github.com/dmarchetti/encore/internal/store"
)

func testSigner(t *testing.T) (ed25519.PublicKey, *settle.Ed25519Signer) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, settle.NewEd25519Signer(priv)
}

func testSegment(lineIndex int, startMS int64) audio.Segment {
	samples := make([]int16, 1600)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/8000))
	}
	return audio.Segment{
		LineIndex: lineIndex,
		Samples:   samples,
		StartMS:   startMS,
		EndMS:     startMS + 4000,
	}
}

type performerFixture struct {
	p      *Performer
	exec   *executor.Mock
	ledger *settle.MemoryLedger
	store  *store.MemoryStore
	pub    ed25519.PublicKey
}

func newFixture(t *testing.T, budget int) *performerFixture {
	t.Helper()
	pub, signer := testSigner(t)
	exec := executor.NewMock(signer)
	ledger := settle.NewMemoryLedger(pub)
	st := store.NewMemoryStore()
	mgr := session.NewManager(budget, 90, time.Minute)
	p := NewPerformer(mgr, exec, st, ledger, audio.NewEncoder(8000), Config{ScoringRetries: 3, RetryBackoff: time.Millisecond})
	t.Cleanup(func() { p.Close() })
	return &performerFixture{p: p, exec: exec, ledger: ledger, store: st, pub: pub}
}

func TestPerformanceLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.ledger.Credit("user-a", 10)
	f.exec.SetScript(
		scoring.Success{Score: 100, Transcript: "is this the real life"},
		scoring.Success{Score: 60, Transcript: "is this just fancy"},
		scoring.Failure{Err: "transcription oracle unavailable"},
	)

	s := f.p.Create(session.CreateRequest{UserID: "user-a", SongID: "song-1", SongTitle: "Bohemian Rhapsody", ArtistName: "Queen"})

	expected := []string{"is this the real life", "is this just fantasy", "caught in a landslide"}
	for i, text := range expected {
		line, err := f.p.ScoreLine(ctx, s.ID, testSegment(i, int64(i)*4000), text)
		if err != nil {
			t.Fatalf("score line %d: %v", i, err)
		}
		if line.LineIndex != i {
			t.Fatalf("line index = %d, want %d", line.LineIndex, i)
		}
	}

	// Budget spent: the next line finalizes instead of calling the oracle.
	_, err := f.p.ScoreLine(ctx, s.ID, testSegment(3, 12000), "carry on")
	if !errors.Is(err, session.ErrBudgetExceeded) {
		t.Fatalf("score line over budget: got %v, want ErrBudgetExceeded", err)
	}
	if f.exec.ScoreCalls != 3 {
		t.Fatalf("oracle calls = %d, want 3", f.exec.ScoreCalls)
	}

	cur, err := f.p.Get(s.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if cur.Status != session.StatusCompleted {
		t.Fatalf("status = %s, want %s", cur.Status, session.StatusCompleted)
	}
	if cur.TotalScore != 53 {
		t.Fatalf("total score = %d, want 53", cur.TotalScore)
	}
	if got := cur.Lines[2]; got.Score != 0 || !got.NeedsPractice {
		t.Fatalf("failed line = %+v, want score 0 and needs practice", got)
	}

	signed, receipt, err := f.p.Settle(ctx, s.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settle.Verify(f.pub, signed) {
		t.Fatal("settlement signature does not verify")
	}
	if !receipt.Confirmed {
		t.Fatal("receipt not confirmed")
	}
	if balance, _ := f.ledger.Balance(ctx, "user-a"); balance != 7 {
		t.Fatalf("balance = %d, want 7", balance)
	}

	// Settling again returns the cached artifact without a second signature.
	again, _, err := f.p.Settle(ctx, s.ID)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if string(again.Signature) != string(signed.Signature) {
		t.Fatal("second settle produced a different signature")
	}
	if f.exec.SignCalls != 1 {
		t.Fatalf("sign calls = %d, want 1", f.exec.SignCalls)
	}
	if balance, _ := f.ledger.Balance(ctx, "user-a"); balance != 7 {
		t.Fatalf("balance after repeat settle = %d, want 7", balance)
	}

	rec, _, err := f.store.Load(ctx, s.ID)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if !rec.Settled {
		t.Fatal("stored record not marked settled")
	}
	if ok, _ := f.store.VerifyIntegrity(ctx, s.ID); !ok {
		t.Fatal("stored record failed integrity check")
	}
}

func TestScoreLineRejectsOutOfOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	s := f.p.Create(session.CreateRequest{UserID: "user-a", SongID: "song-1"})

	_, err := f.p.ScoreLine(ctx, s.ID, testSegment(1, 0), "second line first")
	if !errors.Is(err, session.ErrOutOfOrderLine) {
		t.Fatalf("got %v, want ErrOutOfOrderLine", err)
	}
	cur, _ := f.p.Get(s.ID)
	if cur.CreditsUsed != 0 {
		t.Fatalf("credits used = %d, want 0", cur.CreditsUsed)
	}
}

// flakyExecutor fails Score a fixed number of times before delegating.
type flakyExecutor struct {
	executor.Executor
	failures int
	calls    int
	status   int
}

func (f *flakyExecutor) Score(ctx context.Context, req scoring.Request) (scoring.Result, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &scoring.OracleError{Provider: "stt", Status: f.status, Body: "try later"}
	}
	return f.Executor.Score(ctx, req)
}

func TestScoreLineRetriesTransientOracleErrors(t *testing.T) {
	ctx := context.Background()
	_, signer := testSigner(t)
	flaky := &flakyExecutor{Executor: executor.NewMock(signer), failures: 2, status: 503}
	mgr := session.NewManager(3, 90, time.Minute)
	p := NewPerformer(mgr, flaky, store.NewMemoryStore(), settle.NewMemoryLedger(nil), audio.NewEncoder(8000), Config{ScoringRetries: 3, RetryBackoff: time.Millisecond})
	defer p.Close()

	s := p.Create(session.CreateRequest{UserID: "user-a", SongID: "song-1"})
	line, err := p.ScoreLine(ctx, s.ID, testSegment(0, 0), "hello")
	if err != nil {
		t.Fatalf("score line: %v", err)
	}
	if flaky.calls != 3 {
		t.Fatalf("oracle attempts = %d, want 3", flaky.calls)
	}
	if line.Score != 100 {
		t.Fatalf("score = %d, want 100", line.Score)
	}
}

func TestScoreLineNonRetryableErrorRecordsZero(t *testing.T) {
	ctx := context.Background()
	_, signer := testSigner(t)
	flaky := &flakyExecutor{Executor: executor.NewMock(signer), failures: 10, status: 401}
	mgr := session.NewManager(3, 90, time.Minute)
	p := NewPerformer(mgr, flaky, store.NewMemoryStore(), settle.NewMemoryLedger(nil), audio.NewEncoder(8000), Config{ScoringRetries: 3, RetryBackoff: time.Millisecond})
	defer p.Close()

	s := p.Create(session.CreateRequest{UserID: "user-a", SongID: "song-1"})
	line, err := p.ScoreLine(ctx, s.ID, testSegment(0, 0), "hello")
	if err != nil {
		t.Fatalf("score line: %v", err)
	}
	if flaky.calls != 1 {
		t.Fatalf("oracle attempts = %d, want 1", flaky.calls)
	}
	if line.Score != 0 || !line.NeedsPractice {
		t.Fatalf("line = %+v, want score 0 and needs practice", line)
	}
	cur, _ := p.Get(s.ID)
	if cur.CreditsUsed != 1 {
		t.Fatalf("credits used = %d, want 1", cur.CreditsUsed)
	}
}

func TestScoreLineRecordsZeroAfterRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	_, signer := testSigner(t)
	flaky := &flakyExecutor{Executor: executor.NewMock(signer), failures: 3, status: 503}
	rec := &indicatorRecorder{}
	mgr := session.NewManager(3, 90, time.Minute)
	p := NewPerformer(mgr, flaky, store.NewMemoryStore(), settle.NewMemoryLedger(nil), audio.NewEncoder(8000), Config{ScoringRetries: 3, RetryBackoff: time.Millisecond, Stages: rec})
	defer p.Close()

	s := p.Create(session.CreateRequest{UserID: "user-a", SongID: "song-1"})
	line, err := p.ScoreLine(ctx, s.ID, testSegment(0, 0), "hello")
	if err != nil {
		t.Fatalf("score line: %v", err)
	}
	if flaky.calls != 3 {
		t.Fatalf("oracle attempts = %d, want 3", flaky.calls)
	}
	if line.Score != 0 || !line.NeedsPractice {
		t.Fatalf("line = %+v, want score 0 and needs practice", line)
	}
	if got := rec.count("oracle_retry"); got != 2 {
		t.Fatalf("oracle_retry indicator = %d, want 2", got)
	}

	// The session keeps going: the next line can still score.
	line, err = p.ScoreLine(ctx, s.ID, testSegment(1, 4000), "world")
	if err != nil {
		t.Fatalf("score line 1: %v", err)
	}
	if line.Score != 100 {
		t.Fatalf("score = %d, want 100", line.Score)
	}
}

func TestSettleFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	// No credit: first settlement is rejected by the ledger.

	s := f.p.Create(session.CreateRequest{UserID: "user-a", SongID: "song-1"})
	if _, err := f.p.ScoreLine(ctx, s.ID, testSegment(0, 0), "hello"); err != nil {
		t.Fatalf("score line: %v", err)
	}
	if _, err := f.p.Finalize(ctx, s.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	_, _, err := f.p.Settle(ctx, s.ID)
	if !errors.Is(err, settle.ErrInsufficientBalance) && !errors.Is(err, settle.ErrUnknownUser) {
		t.Fatalf("got %v, want a ledger rejection", err)
	}
	cur, _ := f.p.Get(s.ID)
	if cur.Status != session.StatusCompleted {
		t.Fatalf("status after failed settle = %s, want %s", cur.Status, session.StatusCompleted)
	}

	f.ledger.Credit("user-a", 5)
	if _, _, err := f.p.Settle(ctx, s.ID); err != nil {
		t.Fatalf("settle after credit: %v", err)
	}
	cur, _ = f.p.Get(s.ID)
	if cur.Status != session.StatusSettled {
		t.Fatalf("status = %s, want %s", cur.Status, session.StatusSettled)
	}
}

func TestResumeSettlesCheckpointedSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.ledger.Credit("user-a", 10)

	rec := store.Record{
		SessionID:   "restored-1",
		UserID:      "user-a",
		SongID:      "song-1",
		Status:      string(session.StatusCompleted),
		StartedAtMS: 1000,
		EndedAtMS:   5000,
		Lines: []session.LineResult{
			{LineIndex: 0, ExpectedText: "hello", TranscribedText: "hello", Score: 90},
			{LineIndex: 1, ExpectedText: "world", TranscribedText: "word", Score: 70},
		},
		TotalScore:  80,
		CreditsUsed: 2,
	}
	if err := f.store.Persist(ctx, rec, nil); err != nil {
		t.Fatalf("persist: %v", err)
	}

	settled, errs, err := f.p.Resume(ctx, "user-a")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("resume errors: %v", errs)
	}
	if len(settled) != 1 || settled[0].SessionID != "restored-1" {
		t.Fatalf("settled = %+v, want restored-1", settled)
	}
	if balance, _ := f.ledger.Balance(ctx, "user-a"); balance != 8 {
		t.Fatalf("balance = %d, want 8", balance)
	}

	got, _, err := f.store.Load(ctx, "restored-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.Settled || got.Status != string(session.StatusSettled) {
		t.Fatalf("record = %+v, want settled", got)
	}

	// Nothing left to resume.
	settled, errs, err = f.p.Resume(ctx, "user-a")
	if err != nil || len(settled) != 0 || len(errs) != 0 {
		t.Fatalf("second resume = %v %v %v, want empty", settled, errs, err)
	}
}

// untrustedStore reports an integrity mismatch for one session id.
type untrustedStore struct {
	store.Store
	badID string
}

func (u *untrustedStore) VerifyIntegrity(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == u.badID {
		return false, nil
	}
	return u.Store.VerifyIntegrity(ctx, sessionID)
}

func TestResumeSkipsTamperedRecords(t *testing.T) {
	ctx := context.Background()
	pub, signer := testSigner(t)
	ledger := settle.NewMemoryLedger(pub)
	ledger.Credit("user-a", 10)
	st := &untrustedStore{Store: store.NewMemoryStore(), badID: "tampered-1"}
	mgr := session.NewManager(3, 90, time.Minute)
	p := NewPerformer(mgr, executor.NewMock(signer), st, ledger, audio.NewEncoder(8000), Config{ScoringRetries: 1, RetryBackoff: time.Millisecond})
	defer p.Close()

	rec := store.Record{
		SessionID:   "tampered-1",
		UserID:      "user-a",
		SongID:      "song-1",
		Status:      string(session.StatusCompleted),
		StartedAtMS: 1000,
		Lines:       []session.LineResult{{LineIndex: 0, ExpectedText: "hello", Score: 100}},
		TotalScore:  100,
		CreditsUsed: 1,
	}
	if err := st.Persist(ctx, rec, nil); err != nil {
		t.Fatalf("persist: %v", err)
	}

	settled, errs, err := p.Resume(ctx, "user-a")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(settled) != 0 {
		t.Fatalf("settled = %+v, want none", settled)
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrIntegrityMismatch) {
		t.Fatalf("errs = %v, want one ErrIntegrityMismatch", errs)
	}
	if balance, _ := ledger.Balance(ctx, "user-a"); balance != 10 {
		t.Fatalf("balance = %d, want 10 untouched", balance)
	}
}

func TestResumeSettlesMidSettlementCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.ledger.Credit("user-a", 10)

	// A crash between the signed checkpoint and the ledger submit leaves
	// the record in settling state. Resume must still finish it.
	rec := store.Record{
		SessionID:   "half-settled-1",
		UserID:      "user-a",
		SongID:      "song-1",
		Status:      string(session.StatusSettling),
		StartedAtMS: 1000,
		EndedAtMS:   5000,
		Lines: []session.LineResult{
			{LineIndex: 0, ExpectedText: "hello", TranscribedText: "hello", Score: 90},
		},
		TotalScore:  90,
		CreditsUsed: 1,
	}
	if err := f.store.Persist(ctx, rec, []byte("signature-from-before-crash")); err != nil {
		t.Fatalf("persist: %v", err)
	}

	settled, errs, err := f.p.Resume(ctx, "user-a")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("resume errors: %v", errs)
	}
	if len(settled) != 1 || settled[0].SessionID != "half-settled-1" {
		t.Fatalf("settled = %+v, want half-settled-1", settled)
	}
	if balance, _ := f.ledger.Balance(ctx, "user-a"); balance != 9 {
		t.Fatalf("balance = %d, want 9", balance)
	}

	got, _, err := f.store.Load(ctx, "half-settled-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.Settled || got.Status != string(session.StatusSettled) {
		t.Fatalf("record = %+v, want settled", got)
	}
}

func TestScoreLineOverBudgetRepeatsBudgetError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	s := f.p.Create(session.CreateRequest{UserID: "user-a", SongID: "song-1"})
	if _, err := f.p.ScoreLine(ctx, s.ID, testSegment(0, 0), "hello"); err != nil {
		t.Fatalf("score line: %v", err)
	}

	for i := 0; i < 2; i++ {
		_, err := f.p.ScoreLine(ctx, s.ID, testSegment(1+i, int64(1+i)*4000), "extra")
		if !errors.Is(err, session.ErrBudgetExceeded) {
			t.Fatalf("over-budget call %d: got %v, want ErrBudgetExceeded", i+1, err)
		}
	}
	cur, _ := f.p.Get(s.ID)
	if cur.Status != session.StatusCompleted {
		t.Fatalf("status = %s, want %s", cur.Status, session.StatusCompleted)
	}
}

func TestScoreLineRetriesThroughServiceExecutor(t *testing.T) {
	ctx := context.Background()
	var attempts atomic.Int32
	stt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer stt.Close()

	_, signer := testSigner(t)
	vault, err := executor.NewStaticVault(executor.Credentials{STTAPIKey: "stt-k", ScorerAPIKey: "scorer-k"})
	if err != nil {
		t.Fatalf("static vault: %v", err)
	}
	svc := executor.NewService(executor.ServiceConfig{STTBaseURL: stt.URL}, vault, executor.PermissivePolicy{}, signer)
	mgr := session.NewManager(3, 90, time.Minute)
	p := NewPerformer(mgr, svc, store.NewMemoryStore(), settle.NewMemoryLedger(nil), audio.NewEncoder(8000), Config{ScoringRetries: 3, RetryBackoff: time.Millisecond})
	defer p.Close()

	s := p.Create(session.CreateRequest{UserID: "user-a", SongID: "song-1"})
	line, err := p.ScoreLine(ctx, s.ID, testSegment(0, 0), "hello")
	if err != nil {
		t.Fatalf("score line: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("stt oracle attempts = %d, want 3", got)
	}
	if line.Score != 0 || !line.NeedsPractice {
		t.Fatalf("line = %+v, want score 0 and needs practice", line)
	}
	cur, _ := p.Get(s.ID)
	if cur.CreditsUsed != 1 {
		t.Fatalf("credits used = %d, want 1", cur.CreditsUsed)
	}
}

// indicatorRecorder captures stage indicator observations.
type indicatorRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *indicatorRecorder) ObserveStageIndicator(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[name]++
}

func (r *indicatorRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}
