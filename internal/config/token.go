package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// SecretStore reads and writes named secrets.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

type platformSecrets struct {
	keychainReader
}

func (platformSecrets) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// NewKeychain returns the platform secret store.
func NewKeychain() SecretStore {
	return platformSecrets{}
}

// GetAPIToken returns the bearer token guarding the local API, generating
// and persisting one on first use.
func GetAPIToken(kc SecretStore) (string, error) {
	if tok, err := kc.Get(keychainService, "api_token"); err == nil && tok != "" {
		return tok, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(keychainService, "api_token", tok); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return tok, nil
}
