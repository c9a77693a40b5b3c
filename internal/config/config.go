// Package config provides configuration loading for the gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the gateway.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Upstream (AFFiNE) settings
	BaseURL  string
	Email    string
	Password string

	// Upstream protocol settings
	AckTimeout     time.Duration
	ConnectTimeout time.Duration
	ClientVersion  string

	// Caller authentication (optional; unset means the surface is open)
	JWTSecret   string
	JWKSURL     string
	JWTAudience string
	JWTIssuer   string

	// Live canvas settings
	CanvasIdleTimeout time.Duration

	// Upload limits
	MaxUploadBytes       int64
	MaxUploadBase64Bytes int64

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Karakeep bookmark webhook (optional; enabled when APIURL and secret set)
	KarakeepAPIURL        string
	KarakeepAPIKey        string
	KarakeepWebhookSecret string
	GeminiAPIKey          string
	KarakeepWorkspaceID   string
	KarakeepFolderID      string
	KarakeepZettelsFolder string
	WebhookLedgerPath     string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("PORT", 3100),
		Host:           getEnv("HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"}),

		BaseURL:  strings.TrimRight(getEnv("AFFINE_BASE_URL", "https://app.affine.pro"), "/"),
		Email:    getEnv("AFFINE_EMAIL", ""),
		Password: getEnv("AFFINE_PASSWORD", ""),

		AckTimeout:     getEnvDuration("AFFINE_ACK_TIMEOUT", 10*time.Second),
		ConnectTimeout: getEnvDuration("AFFINE_CONNECT_TIMEOUT", 15*time.Second),
		ClientVersion:  getEnv("AFFINE_CLIENT_VERSION", "0.18.0"),

		JWTSecret:   getEnv("GATEWAY_JWT_SECRET", ""),
		JWKSURL:     getEnv("GATEWAY_JWKS_URL", ""),
		JWTAudience: getEnv("GATEWAY_JWT_AUDIENCE", "affine-gateway"),
		JWTIssuer:   getEnv("GATEWAY_JWT_ISSUER", ""),

		CanvasIdleTimeout: getEnvDuration("CANVAS_IDLE_TIMEOUT", 30*time.Minute),

		MaxUploadBytes:       getEnvInt64("MAX_UPLOAD_BYTES", 10*1024*1024),
		MaxUploadBase64Bytes: getEnvInt64("MAX_UPLOAD_BASE64_BYTES", 15*1024*1024),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 4096),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),

		KarakeepAPIURL:        strings.TrimRight(getEnv("KARAKEEP_API_URL", ""), "/"),
		KarakeepAPIKey:        getEnv("KARAKEEP_API_KEY", ""),
		KarakeepWebhookSecret: getEnv("KARAKEEP_WEBHOOK_SECRET", ""),
		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		KarakeepWorkspaceID:   getEnv("AFFINE_WORKSPACE_ID", ""),
		KarakeepFolderID:      getEnv("AFFINE_KARAKEEP_FOLDER_ID", ""),
		KarakeepZettelsFolder: getEnv("AFFINE_KARAKEEP_ZETTELS_FOLDER_ID", ""),
		WebhookLedgerPath:     getEnv("WEBHOOK_LEDGER_PATH", "/var/lib/affine-gateway/webhooks.db"),
	}

	if cfg.Email == "" {
		return nil, fmt.Errorf("AFFINE_EMAIL is required")
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("AFFINE_PASSWORD is required")
	}

	if cfg.KarakeepEnabled() && cfg.KarakeepWorkspaceID == "" {
		return nil, fmt.Errorf("AFFINE_WORKSPACE_ID is required when the Karakeep webhook is configured")
	}

	return cfg, nil
}

// KarakeepEnabled reports whether the bookmark webhook should be served.
func (c *Config) KarakeepEnabled() bool {
	return c.KarakeepAPIURL != "" && c.KarakeepWebhookSecret != ""
}

// CallerAuthEnabled reports whether REST/WS callers must present a JWT.
func (c *Config) CallerAuthEnabled() bool {
	return c.JWTSecret != "" || c.JWKSURL != ""
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvInt64 returns a 64-bit integer environment variable or a default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
