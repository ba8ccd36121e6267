package receipts

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// SignatureValidity is how long a receipt signature is honoured.
const SignatureValidity = 365 * 24 * time.Hour

// Signer signs receipt payloads with HMAC-SHA256.
type Signer struct {
	secret []byte
}

// NewSigner creates an HMAC signer. An empty secret disables signing and
// returns nil.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex SHA-256 of the canonical payload and its HMAC.
func (s *Signer) Sign(p payload) (hash, signature string, err error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(data)
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hex.EncodeToString(sum[:]), hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks signature against the canonical payload.
func (s *Signer) Verify(p payload, signature string) bool {
	if s == nil {
		return false
	}
	_, expected, err := s.Sign(p)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
