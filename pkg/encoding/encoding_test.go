package encoding

import (
	"errors"
	"testing"

	"pgregory.net/rapid"

	"github.com/veilhq/veil/pkg/domain"
)

func TestDecode_HexRoundTrip(t *testing.T) {
	url := "https://example.com/image.png"

	decoded, err := Decode(EncodeHex(url))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != url {
		t.Fatalf("got %q, want %q", decoded, url)
	}
}

func TestDecode_Base64RoundTrip(t *testing.T) {
	url := "https://example.com/image.png?size=large&v=2"

	decoded, err := Decode(EncodeBase64(url))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != url {
		t.Fatalf("got %q, want %q", decoded, url)
	}
}

func TestDecode_RawURLPassesThroughPercentStage(t *testing.T) {
	// A plain URL is neither valid hex nor valid URL-safe base64, so it
	// falls through to percent decoding and comes back unchanged.
	url := "http://example.com/a.png"

	decoded, err := Decode(url)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != url {
		t.Fatalf("got %q, want %q", decoded, url)
	}
}

func TestDecode_PercentEncoded(t *testing.T) {
	decoded, err := Decode("http%3A%2F%2Fexample.com%2Fa%20b.png")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != "http://example.com/a b.png" {
		t.Fatalf("got %q", decoded)
	}
}

func TestDecode_HexWinsOverBase64(t *testing.T) {
	// "6869" is valid under both schemes; the fixed trial order resolves it
	// as hex ("hi"). Existing links depend on this priority.
	decoded, err := Decode("6869")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != "hi" {
		t.Fatalf("got %q, want %q", decoded, "hi")
	}
}

func TestDecode_InvalidToken(t *testing.T) {
	_, err := Decode("%zz")
	if !errors.Is(err, domain.ErrInvalidURLEncoding) {
		t.Fatalf("expected ErrInvalidURLEncoding, got %v", err)
	}
}

func TestEncodeHexRoundTripProperty(t *testing.T) {
	// Hex is the first decode attempt, so the round trip holds for any
	// UTF-8 input.
	rapid.Check(t, func(t *rapid.T) {
		url := rapid.String().Draw(t, "url")

		decoded, err := Decode(EncodeHex(url))
		if err != nil {
			t.Fatalf("hex decode failed for %q: %v", url, err)
		}
		if decoded != url {
			t.Fatalf("hex round trip: got %q, want %q", decoded, url)
		}
	})
}

func TestEncodeBase64RoundTripProperty(t *testing.T) {
	// The base64 encoding of anything starting with a URL scheme is never
	// valid hex, so the earlier hex attempt cannot shadow it.
	rapid.Check(t, func(t *rapid.T) {
		url := rapid.StringMatching(`https?://[a-z0-9.-]{1,24}/[!-~]{0,32}`).Draw(t, "url")

		decoded, err := Decode(EncodeBase64(url))
		if err != nil {
			t.Fatalf("base64 decode failed for %q: %v", url, err)
		}
		if decoded != url {
			t.Fatalf("base64 round trip: got %q, want %q", decoded, url)
		}
	})
}
