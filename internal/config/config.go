// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	Phantom     PhantomConfig
	Verify      VerifyConfig
	Expiry      ExpiryConfig
}

// PhantomConfig controls the AI NPC turn controller and its generation backend.
type PhantomConfig struct {
	GeneratorURL     string // serverless phantom-ai function endpoint
	GeneratorAddr    string // gRPC generation service address; wins over GeneratorURL
	GeneratorAPIKey  string
	GenerateTimeout  time.Duration
	Cooldown         time.Duration
	ExtendedCooldown time.Duration
	MaxTriggers      int
	IdleTTL          time.Duration
}

// VerifyConfig controls the age verification function.
type VerifyConfig struct {
	Provider       string // "genai" or "gateway"
	Model          string
	GeminiAPIKey   string
	GatewayURL     string
	GatewayAPIKey  string
	AnalyzeTimeout time.Duration
	MaxBodyBytes   int64
	RateLimit      int
	RateWindow     time.Duration
}

// ExpiryConfig controls the background sweeper.
type ExpiryConfig struct {
	SweepInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/phantom.db"),
		Phantom: PhantomConfig{
			GeneratorURL:     getEnv("PHANTOM_GENERATOR_URL", ""),
			GeneratorAddr:    getEnv("PHANTOM_GENERATOR_ADDR", ""),
			GeneratorAPIKey:  getEnv("PHANTOM_GENERATOR_API_KEY", ""),
			GenerateTimeout:  getEnvDuration("PHANTOM_GENERATE_TIMEOUT", 45*time.Second),
			Cooldown:         getEnvDuration("PHANTOM_COOLDOWN", 8*time.Second),
			ExtendedCooldown: getEnvDuration("PHANTOM_EXTENDED_COOLDOWN", 60*time.Second),
			MaxTriggers:      getEnvInt("PHANTOM_MAX_TRIGGERS", 10),
			IdleTTL:          getEnvDuration("PHANTOM_IDLE_TTL", 30*time.Minute),
		},
		Verify: VerifyConfig{
			Provider:       strings.ToLower(getEnv("VERIFY_PROVIDER", "gateway")),
			Model:          getEnv("VERIFY_MODEL", ""),
			GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
			GatewayURL:     getEnv("AI_GATEWAY_URL", "https://ai.gateway.lovable.dev/v1/chat/completions"),
			GatewayAPIKey:  getEnv("AI_GATEWAY_API_KEY", ""),
			AnalyzeTimeout: getEnvDuration("ANALYZE_TIMEOUT", 60*time.Second),
			MaxBodyBytes:   int64(getEnvInt("VERIFY_MAX_BODY_BYTES", 20<<20)),
			RateLimit:      getEnvInt("VERIFY_RATE_LIMIT", 5),
			RateWindow:     getEnvDuration("VERIFY_RATE_WINDOW", 10*time.Minute),
		},
		Expiry: ExpiryConfig{
			SweepInterval: getEnvDuration("EXPIRY_SWEEP_INTERVAL", 5*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Phantom.Cooldown <= 0 {
		return fmt.Errorf("PHANTOM_COOLDOWN must be > 0")
	}
	if c.Phantom.ExtendedCooldown < c.Phantom.Cooldown {
		return fmt.Errorf("PHANTOM_EXTENDED_COOLDOWN must be >= PHANTOM_COOLDOWN")
	}
	if c.Phantom.MaxTriggers <= 0 {
		return fmt.Errorf("PHANTOM_MAX_TRIGGERS must be > 0")
	}
	if c.Phantom.GenerateTimeout <= 0 {
		return fmt.Errorf("PHANTOM_GENERATE_TIMEOUT must be > 0")
	}
	switch c.Verify.Provider {
	case "genai", "gateway":
	default:
		return fmt.Errorf("VERIFY_PROVIDER must be one of genai, gateway (got %q)", c.Verify.Provider)
	}
	if c.Verify.AnalyzeTimeout <= 0 {
		return fmt.Errorf("ANALYZE_TIMEOUT must be > 0")
	}
	if c.Verify.MaxBodyBytes <= 0 {
		return fmt.Errorf("VERIFY_MAX_BODY_BYTES must be > 0")
	}
	if c.Verify.RateLimit <= 0 || c.Verify.RateWindow <= 0 {
		return fmt.Errorf("VERIFY_RATE_LIMIT and VERIFY_RATE_WINDOW must be > 0")
	}
	if c.Expiry.SweepInterval <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// CORSOrigins returns the browser origins allowed to call the API, taken from
// the comma-separated FRONTEND_URL. Without one, any origin is allowed and
// none may send credentials.
func (c *Config) CORSOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.FrontendURL, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// PhantomEnabled reports whether a generation backend is configured.
func (c *Config) PhantomEnabled() bool {
	return c.Phantom.GeneratorAddr != "" || c.Phantom.GeneratorURL != ""
}

// VerifyAPIKey returns the credential for the selected verification provider.
// An empty value means the verification function is misconfigured.
func (c *Config) VerifyAPIKey() string {
	if c.Verify.Provider == "genai" {
		return c.Verify.GeminiAPIKey
	}
	return c.Verify.GatewayAPIKey
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
