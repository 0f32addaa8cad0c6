package sso

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"
)

const tokenKeyInfo = "lmsbridge sso token v1"

// Sign computes HMAC-SHA256 of payload under secret.
func Sign(payload, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// Verify reports whether signature is the MAC of payload under secret.
// The comparison runs in constant time.
func Verify(payload, signature, secret []byte) bool {
	if len(signature) != sha256.Size {
		return false
	}
	return hmac.Equal(Sign(payload, secret), signature)
}

// VerifyHex is Verify for hex-encoded signatures.
func VerifyHex(payload []byte, signatureHex string, secret []byte) bool {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	return Verify(payload, sig, secret)
}

// SignHex returns the lowercase hex MAC, the format source systems send.
func SignHex(payload, secret []byte) string {
	return hex.EncodeToString(Sign(payload, secret))
}

// DeriveTokenKey expands a client secret into the key used for auth tokens,
// keeping token MACs distinct from notification MACs made with the same secret.
func DeriveTokenKey(clientSecret []byte) []byte {
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, clientSecret, nil, []byte(tokenKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails past 255*HashLen bytes
		panic(err)
	}
	return key
}
