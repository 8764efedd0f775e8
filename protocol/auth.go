package protocol

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

const (
	hashIterations = 10000
	hashKeyLength  = 64
	nonceLength    = 64
)

// PasswordHash derives the stored password hash. Both sides compute it the
// same way (the login doubles as the salt), so the server never sees the
// plaintext password and the client can answer a challenge with the hash
// alone.
func PasswordHash(login, password string) string {
	key := pbkdf2.Key([]byte(password), []byte(login), hashIterations, hashKeyLength, sha512.New)
	return hex.EncodeToString(key)
}

// ChallengeDigest computes the proof-of-password for a challenge nonce:
// HMAC-MD5 с ключом password_hash от нонса.
func ChallengeDigest(passwordHash, nonce string) string {
	mac := hmac.New(md5.New, []byte(passwordHash))
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// DigestsEqual compares two hex digests in constant time.
func DigestsEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// NewNonce returns a fresh random challenge nonce as a hex string.
func NewNonce() (string, error) {
	buf := make([]byte, nonceLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
