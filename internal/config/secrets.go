package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Secret account names.
const (
	SecretOpenRouterKey  = "openrouter_api_key"
	SecretTranscribeKey  = "transcribe_api_key"
	SecretMailRelayToken = "mail_relay_token"
	SecretAPIToken       = "api_token"
	SecretHubToken       = "hub_token"
)

// ErrSecretNotFound is returned when an account has no stored secret.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore reads and writes secrets by account name.
type SecretStore interface {
	Get(account string) (string, error)
	Set(account, value string) error
}

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

// fileSecrets keeps secrets in a 0600 JSON file under the data directory.
type fileSecrets struct {
	mu   sync.Mutex
	path string
}

// NewSecretStore returns the file-backed secret store.
func NewSecretStore() SecretStore {
	return &fileSecrets{path: secretsFilePath()}
}

func (f *fileSecrets) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	secrets := map[string]string{}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f *fileSecrets) Get(account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := secrets[account]
	if !ok || v == "" {
		return "", fmt.Errorf("%s: %w", account, ErrSecretNotFound)
	}
	return v, nil
}

func (f *fileSecrets) Set(account, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	secrets, err := f.read()
	if err != nil {
		return err
	}
	secrets[account] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// EnsureToken returns the token stored for account, generating and storing
// a new random one when none exists.
func EnsureToken(s SecretStore, account string) (string, error) {
	tok, err := s.Get(account)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		return "", err
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := s.Set(account, tok); err != nil {
		return "", fmt.Errorf("storing %s: %w", account, err)
	}
	return tok, nil
}

// GetAPIToken returns the bearer token for the HTTP API, creating it on
// first use.
func GetAPIToken(s SecretStore) (string, error) {
	if tok := os.Getenv("SITEWALK_API_TOKEN"); tok != "" {
		return tok, nil
	}
	return EnsureToken(s, SecretAPIToken)
}

// GetHubToken returns the shared secret real-time clients present, creating
// it on first use.
func GetHubToken(s SecretStore) (string, error) {
	if tok := os.Getenv("SITEWALK_HUB_TOKEN"); tok != "" {
		return tok, nil
	}
	return EnsureToken(s, SecretHubToken)
}
