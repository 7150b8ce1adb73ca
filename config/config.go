// Package config loads gateway settings from the environment, optionally
// seeded from a .env file. Missing optional settings disable the feature
// they configure rather than fail the load; malformed values are errors.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"goa.design/clue/log"
)

type (
	// Config carries every environment-driven setting of the gateway.
	Config struct {
		// APIKey guards all /v1 routes. Required to serve.
		APIKey string

		// OpenAIKey enables the OpenAI provider when set.
		OpenAIKey string

		// AWS selects the credential mode for Bedrock, S3 and the
		// knowledge base clients.
		AWS AWS

		// S3FilesBucket enables S3-backed file storage when set.
		S3FilesBucket string

		// MaxTokens are the per-family completion caps applied when a
		// request does not set a limit.
		MaxTokens MaxTokens

		// Retry shapes the provider retry middleware.
		Retry Retry

		// LogLevel is one of debug, info, warn or error.
		LogLevel string

		// RedisURL enables the cluster-shared rate limiter budget.
		RedisURL string

		// MongoURI and MongoDatabase enable the usage journal.
		MongoURI      string
		MongoDatabase string

		// ModelCatalogFile extends the static model catalog from YAML.
		ModelCatalogFile string

		// RateLimitTPM and RateLimitMaxTPM set the adaptive limiter
		// budget in tokens per minute. Zero disables the limiter.
		RateLimitTPM    float64
		RateLimitMaxTPM float64
	}

	// AWS groups the credential settings. Static keys beat a named
	// profile; a role ARN layers STS assumption on top of either; a web
	// identity token file switches the assumption to OIDC.
	AWS struct {
		AccessKeyID          string
		SecretAccessKey      string
		SessionToken         string
		Profile              string
		Region               string
		RoleARN              string
		ExternalID           string
		RoleSessionName      string
		RoleSessionDuration  time.Duration
		WebIdentityTokenFile string
	}

	// MaxTokens holds the per-family completion caps.
	MaxTokens struct {
		OpenAI int
		Claude int
		Titan  int
	}

	// Retry shapes the exponential backoff retry middleware.
	Retry struct {
		MaxAttempts int
		WaitMin     time.Duration
		WaitMax     time.Duration
	}
)

const (
	defaultRoleSessionName     = "aigw-session"
	defaultRoleSessionDuration = time.Hour

	defaultMaxTokensOpenAI = 1024
	defaultMaxTokensClaude = 2048
	defaultMaxTokensTitan  = 512

	defaultRetryMaxAttempts = 3
	defaultRetryWaitMin     = time.Second
	defaultRetryWaitMax     = 10 * time.Second
)

// Load reads the configuration from the environment. When paths are given
// the named .env files seed the environment first, otherwise ./.env is
// tried; a missing file is not an error. Malformed numeric values are.
func Load(ctx context.Context, paths ...string) (*Config, error) {
	if err := godotenv.Load(paths...); err == nil {
		log.Debugf(ctx, "environment seeded from .env file")
	} else if len(paths) > 0 {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := &Config{
		APIKey:    os.Getenv("SERVER_API_KEY"),
		OpenAIKey: os.Getenv("OPENAI_API_KEY"),
		AWS: AWS{
			AccessKeyID:          os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey:      os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken:         os.Getenv("AWS_SESSION_TOKEN"),
			Profile:              os.Getenv("AWS_PROFILE"),
			Region:               os.Getenv("AWS_REGION"),
			RoleARN:              os.Getenv("AWS_ROLE_ARN"),
			ExternalID:           os.Getenv("AWS_EXTERNAL_ID"),
			RoleSessionName:      envString("AWS_ROLE_SESSION_NAME", defaultRoleSessionName),
			WebIdentityTokenFile: os.Getenv("AWS_WEB_IDENTITY_TOKEN_FILE"),
		},
		S3FilesBucket:    os.Getenv("S3_FILES_BUCKET"),
		RedisURL:         os.Getenv("REDIS_URL"),
		MongoURI:         os.Getenv("MONGODB_URI"),
		MongoDatabase:    os.Getenv("MONGODB_DATABASE"),
		ModelCatalogFile: os.Getenv("MODEL_CATALOG_FILE"),
	}

	var err error
	if cfg.AWS.RoleSessionDuration, err = envSeconds("AWS_ROLE_SESSION_DURATION", defaultRoleSessionDuration); err != nil {
		return nil, err
	}
	if cfg.MaxTokens.OpenAI, err = envInt("DEFAULT_MAX_TOKENS_OPENAI", defaultMaxTokensOpenAI); err != nil {
		return nil, err
	}
	if cfg.MaxTokens.Claude, err = envInt("DEFAULT_MAX_TOKENS_CLAUDE", defaultMaxTokensClaude); err != nil {
		return nil, err
	}
	if cfg.MaxTokens.Titan, err = envInt("DEFAULT_MAX_TOKENS_TITAN", defaultMaxTokensTitan); err != nil {
		return nil, err
	}
	if cfg.Retry.MaxAttempts, err = envInt("RETRY_MAX_ATTEMPTS", defaultRetryMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.Retry.WaitMin, err = envSeconds("RETRY_WAIT_MIN_SECONDS", defaultRetryWaitMin); err != nil {
		return nil, err
	}
	if cfg.Retry.WaitMax, err = envSeconds("RETRY_WAIT_MAX_SECONDS", defaultRetryWaitMax); err != nil {
		return nil, err
	}
	if cfg.RateLimitTPM, err = envFloat("RATE_LIMIT_TPM", 0); err != nil {
		return nil, err
	}
	if cfg.RateLimitMaxTPM, err = envFloat("RATE_LIMIT_MAX_TPM", 0); err != nil {
		return nil, err
	}

	cfg.LogLevel = strings.ToLower(envString("LOG_LEVEL", "info"))
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		log.Warnf(ctx, "invalid LOG_LEVEL %q, using info", cfg.LogLevel)
		cfg.LogLevel = "info"
	}

	cfg.warn(ctx)
	return cfg, nil
}

// warn reports which provider integrations the current settings leave
// disabled. None of these conditions fail the load.
func (c *Config) warn(ctx context.Context) {
	if c.OpenAIKey == "" {
		log.Warnf(ctx, "OPENAI_API_KEY is not set, OpenAI models will be unavailable")
	}
	if !c.HasExplicitAWSAuth() {
		log.Warnf(ctx, "no AWS authentication method configured, relying on the SDK default chain")
	}
	if c.AWS.RoleARN != "" && c.AWS.Region == "" {
		log.Warnf(ctx, "AWS_ROLE_ARN is set but AWS_REGION is not, role assumption may fail")
	}
	if c.S3FilesBucket == "" {
		log.Warnf(ctx, "S3_FILES_BUCKET is not set, file uploads will be unavailable")
	}
}

// HasExplicitAWSAuth reports whether any explicit AWS credential mode is
// configured: static keys, a named profile, a role ARN or a web identity
// token file.
func (c *Config) HasExplicitAWSAuth() bool {
	return (c.AWS.AccessKeyID != "" && c.AWS.SecretAccessKey != "") ||
		c.AWS.Profile != "" ||
		c.AWS.RoleARN != "" ||
		c.AWS.WebIdentityTokenFile != ""
}

// JournalEnabled reports whether the Mongo usage journal is configured.
func (c *Config) JournalEnabled() bool {
	return c.MongoURI != "" && c.MongoDatabase != ""
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return f, nil
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	n, err := envInt(key, int(def/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
