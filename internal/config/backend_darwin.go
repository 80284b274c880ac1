//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.gembridge.app"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "gembridge-data"
	}
	return filepath.Join(home, "Library", "Application Support", "gembridge")
}

func apiKeyHint() string {
	return " or the macOS Keychain (service gembridge, account gemini_api_key)"
}

// defaultsBackend shells out to defaults(1).
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return defaultsBackend{domain: defaultsDomain}
}

func (b defaultsBackend) run(args ...string) (string, error) {
	out, err := exec.Command("defaults", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (b defaultsBackend) GetString(key string) (string, bool, error) {
	out, err := b.run("read", b.domain, key)
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("defaults read %s: %w (%s)", key, err, out)
	}
	return out, true, nil
}

func (b defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", key, err)
	}
	return n, true, nil
}

// GetBool accepts both 1/0 (written with -bool) and true/false.
func (b defaultsBackend) GetBool(key string) (bool, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return false, ok, err
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, true, fmt.Errorf("%s: %w", key, err)
	}
	return v, true, nil
}

func (b defaultsBackend) Set(key string, val any) error {
	var typ, s string
	switch v := val.(type) {
	case string:
		typ, s = "-string", v
	case int:
		typ, s = "-int", strconv.Itoa(v)
	case bool:
		typ, s = "-bool", strconv.FormatBool(v)
	default:
		return fmt.Errorf("%s: unsupported value type %T", key, val)
	}
	if out, err := b.run("write", b.domain, key, typ, s); err != nil {
		return fmt.Errorf("defaults write %s: %w (%s)", key, err, out)
	}
	return nil
}

func (b defaultsBackend) Delete(key string) error {
	if _, ok, _ := b.GetString(key); !ok {
		return nil
	}
	_, err := b.run("delete", b.domain, key)
	return err
}
