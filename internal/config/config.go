package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Gemini     GeminiConfig
	Storage    StorageConfig
	ERP        ERPConfig
	Features   FeatureConfig
	RateLimit  RateLimitConfig
	Automation AutomationConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port int
	// DefaultUser acts for requests that carry no user header.
	DefaultUser string
}

type GeminiConfig struct {
	BaseURL      string
	DefaultModel string
	VisionModel  string
	APIKey       string
	Timeout      string
}

// RequestTimeout parses Timeout, falling back to 60s.
func (g GeminiConfig) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(g.Timeout)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

type StorageConfig struct {
	DataDir string
}

// ERPConfig points the text-to-SQL gate at the ERP database. An empty DSN
// means the local store is queried.
type ERPConfig struct {
	Driver string
	DSN    string
}

type FeatureConfig struct {
	ContextAwareness   bool
	FileProcessing     bool
	WorkflowAutomation bool
	RoleBasedSecurity  bool
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

type AutomationConfig struct {
	RulesFile string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:        4100,
			DefaultUser: "Administrator",
		},
		Gemini: GeminiConfig{
			BaseURL:      "https://generativelanguage.googleapis.com/v1beta",
			DefaultModel: "gemini-pro",
			VisionModel:  "gemini-pro-vision",
			Timeout:      "60s",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		ERP: ERPConfig{
			Driver: "sqlite",
		},
		Features: FeatureConfig{
			ContextAwareness:   true,
			FileProcessing:     true,
			WorkflowAutomation: true,
			RoleBasedSecurity:  true,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			Burst:             10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.gembridge.app) and the
// Gemini API key falls back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/gembridge/config.json
// and secrets are read from the environment or the secrets file.
//
// Environment variables (GEMBRIDGE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Gemini.APIKey == "" {
		if key, err := kc.Get(keychainService, "gemini_api_key"); err == nil && key != "" {
			cfg.Gemini.APIKey = key
		}
	}

	if cfg.Gemini.APIKey == "" {
		msg := "missing required config: Gemini API key. " +
			"Set it via environment variable GEMBRIDGE_GEMINI_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	switch cfg.ERP.Driver {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("invalid erp.driver %q: want sqlite or postgres", cfg.ERP.Driver)
	}

	return cfg, nil
}

const keychainService = "gembridge"

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
