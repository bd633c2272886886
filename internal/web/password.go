package web

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var (
	errHashFormat      = errors.New("password.invalid_hash_format")
	errHashAlgorithm   = errors.New("password.unsupported_algorithm")
	errHashParamFormat = errors.New("password.invalid_parameters")
)

// PasswordHasher derives and verifies argon2id password hashes.
type PasswordHasher struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	saltLength  uint32
	keyLength   uint32
}

// NewPasswordHasher returns a hasher with OWASP-recommended parameters.
func NewPasswordHasher() *PasswordHasher {
	return &PasswordHasher{
		memory:      64 * 1024,
		iterations:  3,
		parallelism: 2,
		saltLength:  16,
		keyLength:   32,
	}
}

// Hash derives an encoded argon2id hash with a fresh random salt.
func (hasher *PasswordHasher) Hash(password string) (string, error) {
	salt := make([]byte, hasher.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("password.salt: %w", err)
	}
	derived := argon2.IDKey([]byte(password), salt, hasher.iterations, hasher.memory, hasher.parallelism, hasher.keyLength)
	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		hasher.memory,
		hasher.iterations,
		hasher.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived))
	return encoded, nil
}

// Verify re-derives the hash with the encoded parameters and compares in
// constant time.
func (hasher *PasswordHasher) Verify(password string, encodedHash string) (bool, error) {
	memory, iterations, parallelism, salt, expected, decodeErr := decodeHash(encodedHash)
	if decodeErr != nil {
		return false, decodeErr
	}
	derived := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(expected, derived) == 1, nil
}

func decodeHash(encodedHash string) (uint32, uint32, uint8, []byte, []byte, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return 0, 0, 0, nil, nil, errHashFormat
	}
	if parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, errHashAlgorithm
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("%w: version", errHashParamFormat)
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("%w: costs", errHashParamFormat)
	}

	salt, saltErr := base64.RawStdEncoding.DecodeString(parts[4])
	if saltErr != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("%w: salt", errHashParamFormat)
	}
	expected, hashErr := base64.RawStdEncoding.DecodeString(parts[5])
	if hashErr != nil {
		return 0, 0, 0, nil, nil, fmt.Errorf("%w: hash", errHashParamFormat)
	}
	return memory, iterations, parallelism, salt, expected, nil
}
