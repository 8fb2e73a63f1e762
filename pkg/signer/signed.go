package signer

import (
	"strings"

	"github.com/veilhq/veil/pkg/encoding"
)

// Encoding selects the transport representation of the target URL inside a
// signed path.
type Encoding int

const (
	// EncodingHex encodes the URL as lowercase hexadecimal (the default).
	EncodingHex Encoding = iota
	// EncodingBase64 encodes the URL as URL-safe base64 without padding.
	EncodingBase64
)

// Signed is the result of signing a target URL: the digest plus the encoded
// form of the URL, ready to be assembled into a relay path.
type Signed struct {
	Digest     string
	EncodedURL string
	Encoding   Encoding
}

// Sign produces the digest and encoded URL for target under the given
// encoding. This is the out-of-band signing utility: it never touches the
// HTTP surface.
func Sign(key, target string, enc Encoding) Signed {
	encoded := encoding.EncodeHex(target)
	if enc == EncodingBase64 {
		encoded = encoding.EncodeBase64(target)
	}
	return Signed{
		Digest:     Generate(key, target),
		EncodedURL: encoded,
		Encoding:   enc,
	}
}

// Path returns the relay path for the signed URL, of the form
// /<digest>/<encodedURL>.
func (s Signed) Path() string {
	return "/" + s.Digest + "/" + s.EncodedURL
}

// URL returns the fully qualified relay URL under base.
func (s Signed) URL(base string) string {
	return strings.TrimRight(base, "/") + s.Path()
}
