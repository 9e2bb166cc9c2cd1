package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dmarchetti/encore/internal/audio"
	"github.com/dmarchetti/encore/internal/scoring"
	"github.com/dmarchetti/encore/internal/settle"
)

// Executor is the trusted remote boundary. Implementations may run in an
// enclave, behind a serverless signer, or in-process for tests; callers
// must not assume which.
type Executor interface {
	Score(ctx context.Context, req scoring.Request) (scoring.Result, error)
	SignSettlement(ctx context.Context, claim settle.Claim) (settle.SignedSettlement, error)
}

// ServiceConfig wires the oracle endpoints the executor talks to.
type ServiceConfig struct {
	STTBaseURL    string
	STTModel      string
	STTTimeout    time.Duration
	ScorerBaseURL string
	ScorerModel   string
	ScorerTimeout time.Duration
}

// Service is the in-process executor implementation. Secrets stay inside:
// credentials are decrypted per request under the access policy and handed
// only to the oracle clients built for that request.
type Service struct {
	cfg    ServiceConfig
	vault  *Vault
	policy AccessPolicy
	signer settle.Signer
}

func NewService(cfg ServiceConfig, vault *Vault, policy AccessPolicy, signer settle.Signer) *Service {
	if policy == nil {
		policy = PermissivePolicy{}
	}
	return &Service{cfg: cfg, vault: vault, policy: policy, signer: signer}
}

// Score transcribes and grades one scoring request. Oracle calls get one
// attempt each and their errors propagate typed, so the caller can classify
// and retry them; retry policy belongs there, never here. A Failure result
// is reserved for terminal verdicts such as a policy denial or a credential
// blob that will not decrypt. Malformed input is a hard error.
func (s *Service) Score(ctx context.Context, req scoring.Request) (scoring.Result, error) {
	creds, err := s.vault.Open(ctx, s.policy, req.UserAddress, "")
	if err != nil {
		return scoring.Failure{Err: publicError(err)}, nil
	}

	payload, err := scoring.DecodeAudio(req.AudioDataBase64)
	if err != nil {
		return nil, err
	}
	pcm, sampleRate, err := audio.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("build wav: %w", err)
	}

	stt := scoring.NewSTTClient(scoring.STTConfig{
		BaseURL: s.cfg.STTBaseURL,
		APIKey:  creds.STTAPIKey,
		Model:   s.cfg.STTModel,
		Timeout: s.cfg.STTTimeout,
	})
	transcript, err := stt.Transcribe(ctx, wav, scoring.Keyterms(req.ExpectedLyrics, scoring.MaxKeyterms))
	if err != nil {
		return nil, err
	}

	scorer := scoring.NewScorerClient(scoring.ScorerConfig{
		BaseURL: s.cfg.ScorerBaseURL,
		APIKey:  creds.ScorerAPIKey,
		Model:   s.cfg.ScorerModel,
		Timeout: s.cfg.ScorerTimeout,
	})
	details, err := scorer.ScoreLines(ctx, splitLyrics(req.ExpectedLyrics), transcript)
	if err != nil {
		return nil, err
	}

	return scoring.Success{
		Score:      details.OverallScore,
		Transcript: transcript,
		Lines:      details.Lines,
	}, nil
}

func (s *Service) SignSettlement(ctx context.Context, claim settle.Claim) (settle.SignedSettlement, error) {
	return s.signer.Sign(ctx, claim)
}

func splitLyrics(lyrics string) []string {
	var out []string
	for _, line := range strings.Split(lyrics, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// publicError renders an error for the response envelope. Credential
// material never appears in error strings, so passing these through is safe.
func publicError(err error) string {
	return err.Error()
}
