package settle

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) (ed25519.PublicKey, *Ed25519Signer) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, NewEd25519Signer(priv)
}

func testClaim(t *testing.T) Claim {
	t.Helper()
	digest, err := ScoreDigest([]Line{
		{Index: 0, Score: 100, ExpectedText: "hello darkness", TranscribedText: "hello darkness"},
		{Index: 1, Score: 60, ExpectedText: "my old friend", TranscribedText: "my friend"},
	})
	require.NoError(t, err)
	return Claim{
		SessionID:   "1724900000000-abcd1234",
		UserID:      "0xA11CE",
		CreditsUsed: 2,
		ScoreDigest: digest,
	}
}

func TestCanonicalBytesDeterministic(t *testing.T) {
	c := testClaim(t)
	a, err := c.CanonicalBytes()
	require.NoError(t, err)
	b, err := c.CanonicalBytes()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Keys must come out sorted regardless of construction order.
	var tree map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(a, &tree))
	assert.Contains(t, string(a), `"creditsUsed":2`)
}

func TestSignAndVerify(t *testing.T) {
	pub, signer := testKey(t)
	signed, err := signer.Sign(context.Background(), testClaim(t))
	require.NoError(t, err)
	assert.True(t, Verify(pub, signed))
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	pub, signer := testKey(t)
	signed, err := signer.Sign(context.Background(), testClaim(t))
	require.NoError(t, err)

	tampered := signed
	tampered.CreditsUsed = 1
	assert.False(t, Verify(pub, tampered), "altered creditsUsed must not verify")

	tampered = signed
	tampered.SessionID = "1724900000000-ffff0000"
	assert.False(t, Verify(pub, tampered), "altered sessionId must not verify")

	tampered = signed
	tampered.UserID = "0xB0B"
	assert.False(t, Verify(pub, tampered), "altered userId must not verify")
}

func TestMemoryLedgerSettleOnce(t *testing.T) {
	pub, signer := testKey(t)
	ledger := NewMemoryLedger(pub)
	ledger.Credit("0xA11CE", 10)

	signed, err := signer.Sign(context.Background(), testClaim(t))
	require.NoError(t, err)

	receipt, err := ledger.Settle(context.Background(), signed)
	require.NoError(t, err)
	assert.True(t, receipt.Confirmed)
	assert.Equal(t, int64(8), receipt.Balance)

	_, err = ledger.Settle(context.Background(), signed)
	assert.ErrorIs(t, err, ErrAlreadySettled)

	bal, err := ledger.Balance(context.Background(), "0xA11CE")
	require.NoError(t, err)
	assert.Equal(t, int64(8), bal, "replay must not deduct twice")
}

func TestMemoryLedgerConcurrentSettle(t *testing.T) {
	pub, signer := testKey(t)
	ledger := NewMemoryLedger(pub)
	ledger.Credit("0xA11CE", 10)

	signed, err := signer.Sign(context.Background(), testClaim(t))
	require.NoError(t, err)

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = ledger.Settle(context.Background(), signed)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrAlreadySettled)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent settle must win")

	bal, err := ledger.Balance(context.Background(), "0xA11CE")
	require.NoError(t, err)
	assert.Equal(t, int64(8), bal)
}

func TestMemoryLedgerRejectsBadSignatureAndBalance(t *testing.T) {
	pub, signer := testKey(t)
	ledger := NewMemoryLedger(pub)

	signed, err := signer.Sign(context.Background(), testClaim(t))
	require.NoError(t, err)

	_, err = ledger.Settle(context.Background(), signed)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	ledger.Credit("0xA11CE", 10)
	forged := signed
	forged.Signature = append([]byte(nil), signed.Signature...)
	forged.Signature[0] ^= 0xff
	_, err = ledger.Settle(context.Background(), forged)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestHTTPLedgerConfirmationPolling(t *testing.T) {
	_, signer := testKey(t)
	signed, err := signer.Sign(context.Background(), testClaim(t))
	require.NoError(t, err)

	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(relayerResponse{TxID: "0xdead", Status: "pending"})
		default:
			polls++
			status := "pending"
			if polls >= 2 {
				status = "confirmed"
			}
			json.NewEncoder(w).Encode(relayerResponse{TxID: "0xdead", Status: status, Balance: 7})
		}
	}))
	defer srv.Close()

	ledger := NewHTTPLedger(RelayerConfig{
		BaseURL:         srv.URL,
		ConfirmAttempts: 5,
		ConfirmInterval: 5 * time.Millisecond,
	})
	receipt, err := ledger.Settle(context.Background(), signed)
	require.NoError(t, err)
	assert.True(t, receipt.Confirmed)
	assert.Equal(t, "0xdead", receipt.TxID)
}

func TestHTTPLedgerUnconfirmedAndDuplicate(t *testing.T) {
	_, signer := testKey(t)
	signed, err := signer.Sign(context.Background(), testClaim(t))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(relayerResponse{TxID: "0xbeef", Status: "pending"})
	}))
	defer srv.Close()

	ledger := NewHTTPLedger(RelayerConfig{
		BaseURL:         srv.URL,
		ConfirmAttempts: 2,
		ConfirmInterval: time.Millisecond,
	})
	_, err = ledger.Settle(context.Background(), signed)
	assert.ErrorIs(t, err, ErrUnconfirmed)

	dup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(relayerResponse{ErrorCode: "already_settled"})
	}))
	defer dup.Close()

	ledger = NewHTTPLedger(RelayerConfig{BaseURL: dup.URL, ConfirmAttempts: 1, ConfirmInterval: time.Millisecond})
	_, err = ledger.Settle(context.Background(), signed)
	assert.ErrorIs(t, err, ErrAlreadySettled)
}
