package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/text/unicode/norm"
)

// Progress output modes accepted by PROGRESS_MODE.
const (
	ProgressAuto  = "auto"
	ProgressBar   = "bar"
	ProgressPlain = "plain"
	ProgressNone  = "none"
)

// Config represents the run configuration loaded from environment variables.
type Config struct {
	AppEnv         string
	BaseURL        string
	Prompt         string
	PromptFile     string
	NegativePrompt string
	Style          string
	Width          int
	Height         int
	ImagesPerKey   int
	MaxConcurrent  int
	KeysFile       string
	OutputDir      string

	RequestInterval      time.Duration
	PollAttempts         int
	PollDelay            time.Duration
	ErrorCooldown        time.Duration
	SlotPacing           time.Duration
	MaxConsecutiveErrors int
	HTTPTimeout          time.Duration

	ProgressMode    string
	StatusAddr      string
	RateLimitPerMin int
}

// LoadConfig loads configuration from the environment, reading .env and
// .env.local first when they exist. Call Validate after applying overrides.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{
		AppEnv:               getEnv("APP_ENV", "production"),
		BaseURL:              getEnv("FUSIONBRAIN_BASE_URL", "https://api-key.fusionbrain.ai/"),
		Prompt:               os.Getenv("PROMPT"),
		PromptFile:           os.Getenv("PROMPT_FILE"),
		NegativePrompt:       os.Getenv("NEGATIVE_PROMPT"),
		Style:                os.Getenv("STYLE"),
		Width:                getEnvInt("IMAGE_WIDTH", 1024),
		Height:               getEnvInt("IMAGE_HEIGHT", 1024),
		ImagesPerKey:         getEnvInt("IMAGES_PER_KEY", 100),
		MaxConcurrent:        getEnvInt("MAX_CONCURRENT_KEYS", 20),
		KeysFile:             getEnv("KEYS_FILE", "keys.txt"),
		OutputDir:            getEnv("OUTPUT_DIR", "output"),
		RequestInterval:      getEnvDuration("REQUEST_INTERVAL_MS", time.Millisecond, 100),
		PollAttempts:         getEnvInt("POLL_ATTEMPTS", 20),
		PollDelay:            getEnvDuration("POLL_DELAY_SECONDS", time.Second, 5),
		ErrorCooldown:        getEnvDuration("ERROR_COOLDOWN_MS", time.Millisecond, 2000),
		SlotPacing:           getEnvDuration("SLOT_PACING_MS", time.Millisecond, 100),
		MaxConsecutiveErrors: getEnvInt("MAX_CONSECUTIVE_ERRORS", 0),
		HTTPTimeout:          getEnvDuration("HTTP_TIMEOUT_SECONDS", time.Second, 60),
		ProgressMode:         getEnv("PROGRESS_MODE", ProgressAuto),
		StatusAddr:           os.Getenv("STATUS_ADDR"),
		RateLimitPerMin:      getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
	}
	return cfg, nil
}

// Validate resolves the prompt and rejects settings the run cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Prompt) == "" && c.PromptFile != "" {
		raw, err := os.ReadFile(c.PromptFile)
		if err != nil {
			return fmt.Errorf("config: read prompt file: %w", err)
		}
		c.Prompt = string(raw)
	}
	c.Prompt = norm.NFC.String(strings.TrimSpace(c.Prompt))
	c.NegativePrompt = norm.NFC.String(strings.TrimSpace(c.NegativePrompt))
	if c.Prompt == "" {
		return errors.New("config: PROMPT or PROMPT_FILE is required")
	}

	switch {
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("config: image size must be positive, got %dx%d", c.Width, c.Height)
	case c.ImagesPerKey < 0:
		return fmt.Errorf("config: IMAGES_PER_KEY must not be negative, got %d", c.ImagesPerKey)
	case c.MaxConcurrent <= 0:
		return fmt.Errorf("config: MAX_CONCURRENT_KEYS must be positive, got %d", c.MaxConcurrent)
	case c.PollAttempts <= 0:
		return fmt.Errorf("config: POLL_ATTEMPTS must be positive, got %d", c.PollAttempts)
	case c.RequestInterval < 0 || c.PollDelay < 0 || c.ErrorCooldown < 0 || c.SlotPacing < 0:
		return errors.New("config: durations must not be negative")
	case c.MaxConsecutiveErrors < 0:
		return fmt.Errorf("config: MAX_CONSECUTIVE_ERRORS must not be negative, got %d", c.MaxConsecutiveErrors)
	case c.KeysFile == "":
		return errors.New("config: KEYS_FILE is required")
	case c.OutputDir == "":
		return errors.New("config: OUTPUT_DIR is required")
	}

	switch c.ProgressMode {
	case ProgressAuto, ProgressBar, ProgressPlain, ProgressNone:
	default:
		return fmt.Errorf("config: unknown PROGRESS_MODE %q", c.ProgressMode)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration reads an integer count of unit.
func getEnvDuration(key string, unit time.Duration, fallback int) time.Duration {
	return unit * time.Duration(getEnvInt(key, fallback))
}
