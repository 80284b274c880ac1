//go:build !darwin

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
)

// secrets.yaml maps service -> account -> value.
type secretsDoc map[string]map[string]string

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.yaml")
}

func keychainGet(service, account string) ([]byte, error) {
	var doc secretsDoc
	if err := readYAML(secretsFilePath(), &doc); err != nil {
		return nil, fmt.Errorf("secret store unavailable: %w", err)
	}
	v, ok := doc[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret for %s/%s", service, account)
	}
	return []byte(v), nil
}

func keychainSet(service, account, value string) error {
	p := secretsFilePath()
	var doc secretsDoc
	if err := readYAML(p, &doc); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if doc == nil {
		doc = secretsDoc{}
	}
	if doc[service] == nil {
		doc[service] = map[string]string{}
	}
	doc[service][account] = value
	return writeYAML(p, doc)
}
