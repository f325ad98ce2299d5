package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const passwordSaltLength = 16

// ErrMalformedHash is returned when a stored password hash cannot be parsed.
var ErrMalformedHash = errors.New("crypto: malformed password hash")

// PasswordHasher produces and verifies argon2id hashes encoded in the PHC
// string format: $argon2id$v=19$m=<mem>,t=<time>,p=<threads>$<salt>$<key>.
type PasswordHasher struct {
	params Argon2Parameters
}

// NewPasswordHasher validates params and returns a hasher using them.
func NewPasswordHasher(params Argon2Parameters) (*PasswordHasher, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &PasswordHasher{params: params}, nil
}

// DefaultPasswordHasher returns a hasher configured with DefaultArgon2Params.
func DefaultPasswordHasher() *PasswordHasher {
	return &PasswordHasher{params: DefaultArgon2Params()}
}

// Hash derives a fresh salted argon2id hash for password.
func (h *PasswordHasher) Hash(password string) (string, error) {
	salt := make([]byte, passwordSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}

	key, err := DeriveKeyArgon2id([]byte(password), salt, h.params)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encoded. The cost parameters are
// read from the hash itself so older hashes keep verifying after a params change.
func (h *PasswordHasher) Verify(encoded, password string) (bool, error) {
	params, salt, key, err := decodePasswordHash(encoded)
	if err != nil {
		return false, err
	}

	if len(password) == 0 {
		return false, nil
	}

	candidate := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, params.KeyLength)
	return subtle.ConstantTimeCompare(candidate, key) == 1, nil
}

func decodePasswordHash(encoded string) (Argon2Parameters, []byte, []byte, error) {
	var params Argon2Parameters

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return params, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return params, nil, nil, ErrMalformedHash
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Time, &params.Threads); err != nil {
		return params, nil, nil, ErrMalformedHash
	}
	if params.Time == 0 || params.Threads == 0 || params.Memory == 0 {
		return params, nil, nil, ErrMalformedHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return params, nil, nil, ErrMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return params, nil, nil, ErrMalformedHash
	}
	params.KeyLength = uint32(len(key))

	return params, salt, key, nil
}
