package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "reelbot"

	// KeyringAPIKey is the entry holding the completion API key.
	KeyringAPIKey = "api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring returns a secret from the OS keyring, or "" when absent or the
// keyring is unavailable.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring. Removing a missing
// entry is not an error.
func DeleteKeyring(key string) error {
	err := keyring.Delete(keyringService, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// KeyringAvailable checks whether the OS keyring accepts writes.
func KeyringAvailable() bool {
	testKey := "__reelbot_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// APIKeySource names where the API key was found.
type APIKeySource string

const (
	SourceKeyring APIKeySource = "keyring"
	SourceEnv     APIKeySource = "env"
	SourceConfig  APIKeySource = "config"
	SourceNone    APIKeySource = "none"
)

// ResolveAPIKey sets cfg.Assistant.APIKey from the first source that has
// one: OS keyring, then REELBOT_API_KEY / GROQ_API_KEY, then the config
// file value.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) APIKeySource {
	if val := GetKeyring(KeyringAPIKey); val != "" {
		cfg.Assistant.APIKey = val
		logger.Debug("API key loaded from OS keyring")
		return SourceKeyring
	}
	if val := firstEnv(APIKeyEnvVars); val != "" {
		cfg.Assistant.APIKey = val
		logger.Debug("API key loaded from environment")
		return SourceEnv
	}
	if cfg.Assistant.APIKey != "" && !IsEnvReference(cfg.Assistant.APIKey) {
		logger.Debug("API key loaded from config")
		return SourceConfig
	}

	cfg.Assistant.APIKey = ""
	logger.Warn("no API key found, assistant mode will answer with a notice",
		"hint", "run 'reelbot config set-key' or set GROQ_API_KEY")
	return SourceNone
}

// ReadPassword reads a line from the terminal without echo.
func ReadPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
