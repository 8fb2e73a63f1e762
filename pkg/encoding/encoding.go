// Package encoding converts target URLs to and from the transport-safe
// tokens carried in relay paths.
package encoding

import (
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"unicode/utf8"

	"github.com/veilhq/veil/pkg/domain"
)

// EncodeHex returns the lowercase hex encoding of the URL's UTF-8 bytes.
func EncodeHex(rawURL string) string {
	return hex.EncodeToString([]byte(rawURL))
}

// EncodeBase64 returns the URL-safe, unpadded base64 encoding of the URL's
// UTF-8 bytes.
func EncodeBase64(rawURL string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(rawURL))
}

// Decode recovers a URL from its transport token. Attempts run in a fixed
// order: hex, then URL-safe base64 without padding, then percent decoding.
// The first attempt that yields valid UTF-8 wins.
//
// The order is load-bearing: hex and base64 alphabets overlap, so a token
// valid under both schemes resolves to the hex reading. Existing signed
// links depend on this exact priority; do not reorder.
func Decode(token string) (string, error) {
	if b, err := hex.DecodeString(token); err == nil && utf8.Valid(b) {
		return string(b), nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(token); err == nil && utf8.Valid(b) {
		return string(b), nil
	}
	if s, err := url.PathUnescape(token); err == nil && utf8.ValidString(s) {
		return s, nil
	}
	return "", domain.ErrInvalidURLEncoding
}
