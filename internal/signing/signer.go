// Package signing produces and checks the keyed digest that makes issued
// play sessions tamper-evident.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/scoreguard/internal/domain"
)

// Fields are the signed session values, in signing order after the id.
type Fields struct {
	SessionID string
	Seed      int64
	IssuedAt  int64
	ExpiresAt int64
	Nonce     string
}

// Signer computes HMAC-SHA256 signatures with a process-wide secret
type Signer struct {
	secret []byte
}

// New returns a signer, or ErrMissingSigningKey when secret is empty.
func New(secret string) (*Signer, error) {
	if secret == "" {
		return nil, domain.ErrMissingSigningKey
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Message builds the pipe-joined string that is signed:
// sessionId|handle|seed|issuedAt|expiresAt|nonce
func Message(f Fields, handle string) string {
	return strings.Join([]string{
		f.SessionID,
		handle,
		strconv.FormatInt(f.Seed, 10),
		strconv.FormatInt(f.IssuedAt, 10),
		strconv.FormatInt(f.ExpiresAt, 10),
		f.Nonce,
	}, "|")
}

// Sign returns the lowercase hex signature for the session fields bound to handle
func (s *Signer) Sign(f Fields, handle string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(Message(f, handle)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares it in constant time
func (s *Signer) Verify(f Fields, handle, signature string) bool {
	expected := s.Sign(f, handle)
	return hmac.Equal([]byte(expected), []byte(signature))
}
