package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters. Tuned for an interactive login path.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16

	argonPrefix = "argon2id:"
)

// HashPassword derives an argon2id hash in the form
// "argon2id:<hexsalt>:<hexhash>".
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return argonPrefix + hex.EncodeToString(salt) + ":" + hex.EncodeToString(key), nil
}

// VerifyPassword checks a password against a stored hash. Three formats are
// accepted, newest first:
//
//	argon2id:<hexsalt>:<hexhash>   current
//	<hexsalt>:<hexhash>            legacy salted SHA-256
//	<hexhash>                      legacy unsalted SHA-256
//
// Legacy verification is kept so existing accounts keep working; NeedsRehash
// tells the login path to upgrade the stored hash after a successful check.
func VerifyPassword(stored, password string) bool {
	if strings.HasPrefix(stored, argonPrefix) {
		return verifyArgon(strings.TrimPrefix(stored, argonPrefix), password)
	}
	if strings.Contains(stored, ":") {
		return verifyLegacySalted(stored, password)
	}
	return verifyLegacyPlain(stored, password)
}

// NeedsRehash reports whether the stored hash predates argon2id.
func NeedsRehash(stored string) bool {
	return !strings.HasPrefix(stored, argonPrefix)
}

func verifyArgon(rest, password string) bool {
	saltHex, hashHex, ok := strings.Cut(rest, ":")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

func verifyLegacySalted(stored, password string) bool {
	saltHex, hashHex, ok := strings.Cut(stored, ":")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(append(salt, []byte(password)...))
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(strings.ToLower(hashHex))) == 1
}

func verifyLegacyPlain(stored, password string) bool {
	sum := sha256.Sum256([]byte(password))
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(strings.ToLower(stored))) == 1
}
