package settle

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dmarchetti/encore/internal/reliability"
)

// RelayerConfig tunes the HTTP ledger client.
type RelayerConfig struct {
	BaseURL         string
	Timeout         time.Duration
	ConfirmAttempts int
	ConfirmInterval time.Duration
}

// HTTPLedger submits signed settlements to a transaction relayer and polls
// for confirmation. The relayer forwards to the chain contract; this client
// never sees the RPC node directly.
type HTTPLedger struct {
	cfg    RelayerConfig
	client *http.Client
}

func NewHTTPLedger(cfg RelayerConfig) *HTTPLedger {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = 10
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = 3 * time.Second
	}
	return &HTTPLedger{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type relayerSubmitRequest struct {
	User        string `json:"user"`
	SessionID   string `json:"session_id"`
	CreditsUsed int64  `json:"credits_used"`
	Signature   string `json:"signature"`
}

type relayerResponse struct {
	TxID      string `json:"tx_id"`
	Status    string `json:"status"` // pending | confirmed | reverted
	Balance   int64  `json:"balance"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (l *HTTPLedger) Settle(ctx context.Context, s SignedSettlement) (Receipt, error) {
	payload, err := json.Marshal(relayerSubmitRequest{
		User:        s.UserID,
		SessionID:   s.SessionID,
		CreditsUsed: s.CreditsUsed,
		Signature:   hex.EncodeToString(s.Signature),
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal settlement: %w", err)
	}

	res, err := l.post(ctx, "/v1/settlements", payload)
	if err != nil {
		return Receipt{}, err
	}
	if err := mapRelayerError(res); err != nil {
		return Receipt{}, err
	}
	if res.Status == "confirmed" {
		return Receipt{TxID: res.TxID, Confirmed: true, Balance: res.Balance}, nil
	}

	return l.awaitConfirmation(ctx, res.TxID)
}

func (l *HTTPLedger) Balance(ctx context.Context, userID string) (int64, error) {
	res, err := l.get(ctx, "/v1/balances/"+userID)
	if err != nil {
		return 0, err
	}
	if err := mapRelayerError(res); err != nil {
		return 0, err
	}
	return res.Balance, nil
}

// awaitConfirmation polls the relayer a bounded number of times. Running out
// of attempts is "submitted but unconfirmed", a different outcome than a
// revert.
func (l *HTTPLedger) awaitConfirmation(ctx context.Context, tx string) (Receipt, error) {
	for attempt := 0; attempt < l.cfg.ConfirmAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return Receipt{TxID: tx}, fmt.Errorf("%w: %v", ErrUnconfirmed, ctx.Err())
		case <-time.After(l.cfg.ConfirmInterval):
		}

		res, err := l.get(ctx, "/v1/settlements/"+tx)
		if err != nil {
			continue
		}
		if err := mapRelayerError(res); err != nil {
			return Receipt{TxID: tx}, err
		}
		if res.Status == "confirmed" {
			return Receipt{TxID: tx, Confirmed: true, Balance: res.Balance}, nil
		}
	}
	return Receipt{TxID: tx}, ErrUnconfirmed
}

func (l *HTTPLedger) post(ctx context.Context, path string, body []byte) (relayerResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url(path), bytes.NewReader(body))
	if err != nil {
		return relayerResponse{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return l.do(req)
}

func (l *HTTPLedger) get(ctx context.Context, path string) (relayerResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url(path), nil)
	if err != nil {
		return relayerResponse{}, fmt.Errorf("create request: %w", err)
	}
	return l.do(req)
}

func (l *HTTPLedger) do(req *http.Request) (relayerResponse, error) {
	res, err := l.client.Do(req)
	if err != nil {
		return relayerResponse{}, fmt.Errorf("relayer request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return relayerResponse{}, fmt.Errorf("read relayer response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var parsed relayerResponse
		if json.Unmarshal(body, &parsed) == nil && parsed.ErrorCode != "" {
			return parsed, nil
		}
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return relayerResponse{}, fmt.Errorf("relayer http status %d (retryable): %s", res.StatusCode, string(body))
		}
		return relayerResponse{}, fmt.Errorf("relayer http status %d: %s", res.StatusCode, string(body))
	}

	var parsed relayerResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return relayerResponse{}, fmt.Errorf("decode relayer response: %w", err)
	}
	return parsed, nil
}

func (l *HTTPLedger) url(path string) string {
	return strings.TrimRight(l.cfg.BaseURL, "/") + path
}

func mapRelayerError(res relayerResponse) error {
	switch res.ErrorCode {
	case "":
		if res.Status == "reverted" {
			return fmt.Errorf("settle: transaction reverted (tx %s)", res.TxID)
		}
		return nil
	case "already_settled":
		return ErrAlreadySettled
	case "bad_signature":
		return ErrBadSignature
	case "insufficient_balance":
		return ErrInsufficientBalance
	default:
		return fmt.Errorf("settle: relayer error %s: %s", res.ErrorCode, res.Error)
	}
}
