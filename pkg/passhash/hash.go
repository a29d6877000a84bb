// pkg/passhash/hash.go
package passhash

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2Params tunes the Argon2id cost parameters used to hash federation
// pre-shared secrets at rest (config files, the secrets table) so a leaked
// config never hands out the usable secret directly.
type Argon2Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params returns the cost parameters used unless the caller
// overrides them with HashPasswordWithParams.
func DefaultArgon2Params() *Argon2Params {
	return &Argon2Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// HashPassword hashes a secret with the default Argon2id parameters.
func HashPassword(password string) (string, error) {
	return HashPasswordWithParams(password, DefaultArgon2Params())
}

// HashPasswordWithParams hashes a secret with caller-supplied Argon2id
// parameters, encoding the result as a PHC-style string:
//
//	$argon2id$v=19$m=<memory>,t=<iterations>,p=<parallelism>$<salt>$<hash>
func HashPasswordWithParams(password string, params *Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)

	encoded := fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		params.Memory,
		params.Iterations,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)

	return encoded, nil
}

// VerifyPassword checks a plaintext secret against an encoded Argon2id hash
// produced by HashPassword, in constant time.
func VerifyPassword(password, encodedHash string) (bool, error) {
	if encodedHash == "" {
		return false, fmt.Errorf("passhash: empty hash")
	}

	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return false, fmt.Errorf("passhash: malformed hash: expected 6 parts, got %d", len(parts))
	}

	if parts[1] != "argon2id" {
		return false, fmt.Errorf("passhash: unsupported algorithm %q", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("passhash: malformed version segment: %w", err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("passhash: incompatible argon2 version %d", version)
	}

	params := &Argon2Params{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &params.Parallelism); err != nil {
		return false, fmt.Errorf("passhash: malformed params segment: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("passhash: malformed salt: %w", err)
	}

	storedKey, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("passhash: malformed key: %w", err)
	}
	params.KeyLength = uint32(len(storedKey))

	computedKey := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)

	return subtle.ConstantTimeCompare(storedKey, computedKey) == 1, nil
}

// GenerateRandomString returns a URL-safe random string of exactly length
// characters, used for issuing one-off node registration tokens.
func GenerateRandomString(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(b)
	if len(encoded) < length {
		// Pad deterministically-random in the unlikely event base64 expansion
		// undershoots (never happens for RawURLEncoding, kept defensive).
		extra := make([]byte, length)
		if _, err := rand.Read(extra); err != nil {
			return "", fmt.Errorf("generate random bytes: %w", err)
		}
		encoded += base64.RawURLEncoding.EncodeToString(extra)
	}

	return encoded[:length], nil
}
