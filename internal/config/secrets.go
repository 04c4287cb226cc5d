package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// secretsFile holds credentials outside the config file, keyed by config
// key: {"devpi.password": "..."}.
type secretsFile struct {
	path string
}

// SecretsFilePath is where SetSecret writes.
func SecretsFilePath() string {
	if p := os.Getenv("LAZARUS_SECRETS_FILE"); p != "" {
		return p
	}
	return filepath.Join(defaultDataDir(), "secrets.json")
}

func (s secretsFile) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (s secretsFile) Get(key string) (string, error) {
	secrets, err := s.read()
	if err != nil {
		return "", fmt.Errorf("secrets not available: %w", err)
	}
	val, ok := secrets[key]
	if !ok {
		return "", fmt.Errorf("secret %q not found", key)
	}
	return val, nil
}

func (s secretsFile) Set(key, value string) error {
	secrets, err := s.read()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]string)
	}
	secrets[key] = value

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, out, 0o600)
}
