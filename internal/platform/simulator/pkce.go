package simulator

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// newVerifier returns a PKCE code verifier of 43 characters.
func newVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// codeChallenge derives the S256 code challenge of verifier.
func codeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// verifyPKCE checks verifier against an S256 code challenge.
func verifyPKCE(verifier, challenge string) bool {
	return subtle.ConstantTimeCompare([]byte(codeChallenge(verifier)), []byte(challenge)) == 1
}
