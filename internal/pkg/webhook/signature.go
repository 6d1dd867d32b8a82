package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

// Verifier checks that a request body was signed by the provider.
type Verifier interface {
	Verify(rawBody []byte, signatureHeader string) bool
}

// HMACVerifier verifies hex encoded HMAC signatures over the raw body.
type HMACVerifier struct {
	secret   []byte
	hashFunc func() hash.Hash
}

// NewHMACSHA256Verifier creates a verifier for HMAC-SHA256 signatures.
func NewHMACSHA256Verifier(secret string) *HMACVerifier {
	return &HMACVerifier{
		secret:   []byte(strings.TrimSpace(secret)),
		hashFunc: sha256.New,
	}
}

// Verify accepts the bare hex digest or the "sha256=<hex>" form.
func (v *HMACVerifier) Verify(rawBody []byte, signatureHeader string) bool {
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" || len(v.secret) == 0 {
		return false
	}
	if i := strings.IndexByte(sig, '='); i >= 0 && strings.EqualFold(sig[:i], "sha256") {
		sig = sig[i+1:]
	}

	decodedSig, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil || len(decodedSig) == 0 {
		return false
	}

	mac := hmac.New(v.hashFunc, v.secret)
	mac.Write(rawBody)
	return hmac.Equal(mac.Sum(nil), decodedSig)
}

// Sign returns the hex signature a provider would send for rawBody.
func (v *HMACVerifier) Sign(rawBody []byte) string {
	mac := hmac.New(v.hashFunc, v.secret)
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// Configured reports whether a secret is set. Without one every delivery is rejected.
func (v *HMACVerifier) Configured() bool {
	return len(v.secret) > 0
}
