package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// keySpec binds a dotted config key to a Config field. field returns a
// *string, *int or *bool into cfg; the pointer type decides how the key is
// parsed and stored.
type keySpec struct {
	key    string
	secret bool
	field  func(cfg *Config) any
}

var specs = []keySpec{
	{key: "server.port", field: func(c *Config) any { return &c.Server.Port }},
	{key: "server.default_user", field: func(c *Config) any { return &c.Server.DefaultUser }},
	{key: "gemini.base_url", field: func(c *Config) any { return &c.Gemini.BaseURL }},
	{key: "gemini.default_model", field: func(c *Config) any { return &c.Gemini.DefaultModel }},
	{key: "gemini.vision_model", field: func(c *Config) any { return &c.Gemini.VisionModel }},
	{key: "gemini.api_key", secret: true, field: func(c *Config) any { return &c.Gemini.APIKey }},
	{key: "gemini.timeout", field: func(c *Config) any { return &c.Gemini.Timeout }},
	{key: "storage.data_dir", field: func(c *Config) any { return &c.Storage.DataDir }},
	{key: "erp.driver", field: func(c *Config) any { return &c.ERP.Driver }},
	{key: "erp.dsn", secret: true, field: func(c *Config) any { return &c.ERP.DSN }},
	{key: "features.context_awareness", field: func(c *Config) any { return &c.Features.ContextAwareness }},
	{key: "features.file_processing", field: func(c *Config) any { return &c.Features.FileProcessing }},
	{key: "features.workflow_automation", field: func(c *Config) any { return &c.Features.WorkflowAutomation }},
	{key: "features.role_based_security", field: func(c *Config) any { return &c.Features.RoleBasedSecurity }},
	{key: "ratelimit.requests_per_minute", field: func(c *Config) any { return &c.RateLimit.RequestsPerMinute }},
	{key: "ratelimit.burst", field: func(c *Config) any { return &c.RateLimit.Burst }},
	{key: "automation.rules_file", field: func(c *Config) any { return &c.Automation.RulesFile }},
	{key: "log.level", field: func(c *Config) any { return &c.Log.Level }},
}

func lookupKey(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// envVar maps "ratelimit.burst" to GEMBRIDGE_RATELIMIT_BURST.
func (s keySpec) envVar() string {
	return "GEMBRIDGE_" + strings.ToUpper(strings.ReplaceAll(s.key, ".", "_"))
}

// parse converts raw text to the field's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.field(&Config{}).(type) {
	case *int:
		return strconv.Atoi(raw)
	case *bool:
		return strconv.ParseBool(raw)
	default:
		return raw, nil
	}
}

func (s keySpec) read(b ConfigBackend) (any, bool, error) {
	switch s.field(&Config{}).(type) {
	case *int:
		return b.GetInt(s.key)
	case *bool:
		return b.GetBool(s.key)
	default:
		return b.GetString(s.key)
	}
}

func (s keySpec) set(cfg *Config, v any) {
	switch p := s.field(cfg).(type) {
	case *string:
		*p = v.(string)
	case *int:
		*p = v.(int)
	case *bool:
		*p = v.(bool)
	}
}

func (s keySpec) get(cfg *Config) any {
	switch p := s.field(cfg).(type) {
	case *string:
		return *p
	case *int:
		return *p
	case *bool:
		return *p
	}
	return nil
}

// applyBackend copies every persisted non-secret key into cfg.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		v, ok, err := s.read(b)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if ok {
			s.set(cfg, v)
		}
	}
	return nil
}

// applyEnvOverrides lets GEMBRIDGE_* variables win over the backend.
// Unparseable values are skipped with a warning.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw, ok := os.LookupEnv(s.envVar())
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring env override", "var", s.envVar(), "value", raw, "err", err)
			continue
		}
		s.set(cfg, v)
	}
}
