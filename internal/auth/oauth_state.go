package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charlesng35/accesscore/pkg/crypto"
)

var (
	ErrStateExpired = errors.New("oauth state: expired")
	ErrStateInvalid = errors.New("oauth state: invalid")
)

// OAuthState carries everything the callback needs to finish an OAuth login.
// It travels through the browser encrypted, so no server-side storage is needed.
type OAuthState struct {
	Provider string    `json:"p"`
	ReturnTo string    `json:"r,omitempty"`
	Nonce    string    `json:"n"`
	Verifier string    `json:"v"`
	IssuedAt time.Time `json:"iat"`
}

// StateCodec encrypts and decrypts OAuthState values with a lifetime.
type StateCodec struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewStateCodec constructs a StateCodec using the provided AES key and lifetime.
func NewStateCodec(key []byte, ttl time.Duration, now func() time.Time) (*StateCodec, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("oauth state: key must be 16, 24, or 32 bytes, got %d", len(key))
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &StateCodec{key: key, ttl: ttl, now: now}, nil
}

// Encode encrypts state into a URL-safe string.
func (c *StateCodec) Encode(state OAuthState) (string, error) {
	state.Provider = strings.ToLower(strings.TrimSpace(state.Provider))
	if state.Provider == "" {
		return "", errors.New("oauth state: provider is required")
	}
	state.IssuedAt = c.now().UTC()

	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("oauth state: marshal: %w", err)
	}
	sealed, err := crypto.Encrypt(raw, c.key)
	if err != nil {
		return "", fmt.Errorf("oauth state: encrypt: %w", err)
	}
	bin, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("oauth state: encode: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bin), nil
}

// Decode reverses Encode and enforces the lifetime.
func (c *StateCodec) Decode(token string) (OAuthState, error) {
	var state OAuthState
	token = strings.TrimSpace(token)
	if token == "" {
		return state, ErrStateInvalid
	}

	bin, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return state, ErrStateInvalid
	}
	raw, err := crypto.Decrypt(base64.StdEncoding.EncodeToString(bin), c.key)
	if err != nil {
		return state, ErrStateInvalid
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, ErrStateInvalid
	}
	if state.Provider == "" || state.IssuedAt.IsZero() {
		return state, ErrStateInvalid
	}
	if c.now().UTC().After(state.IssuedAt.Add(c.ttl)) {
		return state, ErrStateExpired
	}
	return state, nil
}

// PKCEPair represents the verifier/challenge material required for PKCE flows.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE produces a PKCE verifier and associated S256 challenge.
func GeneratePKCE() (PKCEPair, error) {
	verifier, err := crypto.GenerateToken(48)
	if err != nil {
		return PKCEPair{}, fmt.Errorf("pkce: generate verifier: %w", err)
	}
	sum := sha256.Sum256([]byte(verifier))
	return PKCEPair{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}
