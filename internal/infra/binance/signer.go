package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"
)

// Signer produces the HMAC-SHA256 request signatures Binance requires on
// SIGNED endpoints.
type Signer struct {
	apiKey    string
	secretKey string
}

// NewSigner creates a new Signer instance
func NewSigner(apiKey, secretKey string) *Signer {
	return &Signer{
		apiKey:    apiKey,
		secretKey: secretKey,
	}
}

// APIKey returns the key for the X-MBX-APIKEY header.
func (s *Signer) APIKey() string {
	return s.apiKey
}

// Sign computes the hex HMAC-SHA256 of the encoded query string.
func (s *Signer) Sign(query string) string {
	h := hmac.New(sha256.New, []byte(s.secretKey))
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}

// SignParams appends the timestamp and signature parameters, returning the
// final encoded query string ready to send.
func (s *Signer) SignParams(params url.Values) string {
	params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	query := params.Encode()
	return query + "&signature=" + s.Sign(query)
}
