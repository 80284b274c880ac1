package config

import (
	"fmt"
	"strings"
)

// KeyInfo is one row of `gembridge config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists the effective value of every non-secret key.
func ShowAll(cfg Config) []KeyInfo {
	out := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		if s.secret {
			continue
		}
		out = append(out, KeyInfo{Key: s.key, EnvVar: s.envVar(), Value: fmt.Sprint(s.get(&cfg))})
	}
	return out
}

// SetKey persists key in the platform backend after checking its type.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

// UnsetKey removes a persisted key so its default applies again.
func UnsetKey(key string) error {
	return unsetKey(newPlatformBackend(), key)
}

func setKey(b ConfigBackend, key, value string) error {
	s, err := settableKey(key)
	if err != nil {
		return err
	}
	v, err := s.parse(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return b.Set(key, v)
}

func unsetKey(b ConfigBackend, key string) error {
	if _, err := settableKey(key); err != nil {
		return err
	}
	return b.Delete(key)
}

func settableKey(key string) (keySpec, error) {
	s, ok := lookupKey(key)
	if !ok {
		return keySpec{}, fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(ValidKeys(), ", "))
	}
	if s.secret {
		return keySpec{}, fmt.Errorf("%s is a secret; set %s instead", key, s.envVar())
	}
	return s, nil
}

// ValidKeys returns the non-secret key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
