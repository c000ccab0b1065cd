package distributor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

// SignatureHeader carries the HMAC of the delivered body
const SignatureHeader = "X-Hub-Signature"

const signaturePrefix = "sha256="

func newMAC(secret string) hash.Hash {
	return hmac.New(sha256.New, []byte(secret))
}

func formatSignature(mac hash.Hash) string {
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Sign returns the X-Hub-Signature value for body under secret
func Sign(secret string, body []byte) string {
	mac := newMAC(secret)
	mac.Write(body)
	return formatSignature(mac)
}

// VerifySignature reports whether header is a valid signature of body under secret
func VerifySignature(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := newMAC(secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
