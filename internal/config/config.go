package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the karaoke scoring service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	SessionInactivityTimeout time.Duration
	SessionCreditBudget      int
	PracticeThreshold        int

	AudioSampleRate int

	STTBaseURL     string
	STTAPIKey      string
	STTTimeout     time.Duration
	ScorerBaseURL  string
	ScorerAPIKey   string
	ScorerModel    string
	ScorerTimeout  time.Duration
	ScoringRetries int
	RetryBackoff   time.Duration

	SigningKeyPath  string
	CredentialsPath string
	VaultKeyHex     string

	LedgerURL             string
	LedgerTimeout         time.Duration
	LedgerConfirmAttempts int
	LedgerConfirmInterval time.Duration

	DatabaseURL string
	DataDir     string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "encore"),
		AllowAnyOrigin:   false,
		// One credit per scored line; ten lines covers a verse and a chorus.
		SessionCreditBudget: 10,
		PracticeThreshold:   90,
		AudioSampleRate:     48000,
		STTBaseURL:          envOrDefault("STT_BASE_URL", "https://api.deepgram.com"),
		STTAPIKey:           stringsTrimSpace("STT_API_KEY"),
		ScorerBaseURL:       envOrDefault("SCORER_BASE_URL", "https://api.openai.com"),
		ScorerAPIKey:        stringsTrimSpace("SCORER_API_KEY"),
		ScorerModel:         envOrDefault("SCORER_MODEL", "gpt-4o-mini"),
		SigningKeyPath:      envOrDefault("EXECUTOR_SIGNING_KEY", ".keys/settlement_ed25519"),
		CredentialsPath:     envOrDefault("EXECUTOR_CREDENTIALS", ".keys/provider_credentials.enc"),
		VaultKeyHex:         stringsTrimSpace("EXECUTOR_VAULT_KEY"),
		LedgerURL:           stringsTrimSpace("LEDGER_RELAYER_URL"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		DataDir:             envOrDefault("APP_DATA_DIR", ".data"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		STTTimeout:               20 * time.Second,
		ScorerTimeout:            30 * time.Second,
		ScoringRetries:           3,
		RetryBackoff:             500 * time.Millisecond,
		LedgerTimeout:            30 * time.Second,
		LedgerConfirmAttempts:    10,
		LedgerConfirmInterval:    3 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.STTTimeout, err = durationFromEnv("STT_TIMEOUT", cfg.STTTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ScorerTimeout, err = durationFromEnv("SCORER_TIMEOUT", cfg.ScorerTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LedgerTimeout, err = durationFromEnv("LEDGER_TIMEOUT", cfg.LedgerTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LedgerConfirmInterval, err = durationFromEnv("LEDGER_CONFIRM_INTERVAL", cfg.LedgerConfirmInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryBackoff, err = durationFromEnv("SCORING_RETRY_BACKOFF", cfg.RetryBackoff)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionCreditBudget, err = intFromEnv("SESSION_CREDIT_BUDGET", cfg.SessionCreditBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.PracticeThreshold, err = intFromEnv("SCORE_PRACTICE_THRESHOLD", cfg.PracticeThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioSampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.AudioSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.ScoringRetries, err = intFromEnv("SCORING_RETRIES", cfg.ScoringRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.LedgerConfirmAttempts, err = intFromEnv("LEDGER_CONFIRM_ATTEMPTS", cfg.LedgerConfirmAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SessionCreditBudget <= 0 {
		return Config{}, fmt.Errorf("SESSION_CREDIT_BUDGET must be positive")
	}
	if cfg.PracticeThreshold < 0 || cfg.PracticeThreshold > 100 {
		return Config{}, fmt.Errorf("SCORE_PRACTICE_THRESHOLD must be in [0,100]")
	}
	if cfg.AudioSampleRate <= 0 {
		return Config{}, fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}
	if cfg.ScoringRetries < 0 {
		return Config{}, fmt.Errorf("SCORING_RETRIES must be >= 0")
	}
	if cfg.LedgerConfirmAttempts <= 0 {
		return Config{}, fmt.Errorf("LEDGER_CONFIRM_ATTEMPTS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
