package app

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/charlesng35/accesscore/pkg/crypto"
)

const (
	jwtSecretBytes = 48
	aesKeyBytes    = 32
)

// ApplyRuntimeDefaults ensures critical secrets are populated even when no configuration file is supplied.
// It returns a map describing which keys were generated so callers can log the event without exposing values.
// Generated secrets do not survive a restart: sessions signed with them and
// MFA secrets encrypted with them become unusable.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	generated := make(map[string]bool)

	if strings.TrimSpace(cfg.Auth.JWT.Secret) == "" {
		secret, err := crypto.GenerateToken(jwtSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.Auth.JWT.Secret = secret
		generated["auth.jwt.secret"] = true
	}

	if cfg.Auth.MFA.Enabled && strings.TrimSpace(cfg.Auth.MFA.EncryptionKey) == "" {
		key, err := generateHexKey(aesKeyBytes)
		if err != nil {
			return nil, fmt.Errorf("generate mfa encryption key: %w", err)
		}
		cfg.Auth.MFA.EncryptionKey = key
		generated["auth.mfa.encryption_key"] = true
	}

	if cfg.Auth.Google.Enabled && strings.TrimSpace(cfg.Auth.Google.StateKey) == "" {
		key, err := generateHexKey(aesKeyBytes)
		if err != nil {
			return nil, fmt.Errorf("generate google state key: %w", err)
		}
		cfg.Auth.Google.StateKey = key
		generated["auth.google.state_key"] = true
	}

	return generated, nil
}

func generateHexKey(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("length must be positive")
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
