package database

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2-HMAC-SHA256 parameters per the credential hash contract.
const (
	pbkdf2Iterations = 600_000
	pbkdf2KeyLen     = 32
	pbkdf2SaltLen    = 32
)

// HashPassword hashes a plaintext password using PBKDF2-HMAC-SHA256 and
// returns an encoded string in the format:
//
//	$pbkdf2-sha256$i=600000$<salt>$<hash>
func HashPassword(password string) (string, error) {
	salt := make([]byte, pbkdf2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	hash := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)

	return fmt.Sprintf("$pbkdf2-sha256$i=%d$%s$%s",
		pbkdf2Iterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// CheckPassword verifies a plaintext password against a PBKDF2 encoded hash.
// Returns true if the password matches.
func CheckPassword(password, encoded string) (bool, error) {
	salt, hash, iterations, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}

	computed := pbkdf2.Key([]byte(password), salt, iterations, len(hash), sha256.New)
	return subtle.ConstantTimeCompare(hash, computed) == 1, nil
}

func decodeHash(encoded string) (salt, hash []byte, iterations int, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 {
		return nil, nil, 0, fmt.Errorf("invalid hash format: expected 5 parts, got %d", len(parts))
	}

	if parts[1] != "pbkdf2-sha256" {
		return nil, nil, 0, fmt.Errorf("unsupported algorithm: %s", parts[1])
	}

	iterField := strings.TrimPrefix(parts[2], "i=")
	if iterField == parts[2] {
		return nil, nil, 0, fmt.Errorf("parsing iteration count: missing i= prefix")
	}
	iterations, err = strconv.Atoi(iterField)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("parsing iteration count: %w", err)
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, nil, 0, fmt.Errorf("decoding salt: %w", err)
	}

	hash, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, 0, fmt.Errorf("decoding hash: %w", err)
	}

	return salt, hash, iterations, nil
}
