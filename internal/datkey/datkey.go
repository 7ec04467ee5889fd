// Package datkey converts between the address forms users type and the
// canonical 32-byte archive key.
//
// Three encodings are recognised:
//   - hex: 64 lowercase or uppercase hex characters, the form used in URLs and dat:// links.
//   - subdomain: 52 characters of unpadded RFC 4648 base32, lowercase on output and
//     case-insensitive on input, so a key fits in a single DNS label.
//   - binary: the Key value itself.
package datkey

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/multiformats/go-base32"
)

// Size is the length of an archive key in bytes.
const Size = 32

const (
	// HexLen is the length of a hex-encoded key.
	HexLen = Size * 2
	// SubdomainLen is the length of a base32 subdomain label.
	SubdomainLen = 52
)

// ErrMalformed reports input that does not have the shape of an encoded key.
// Callers treat it as "this is a name, not a key" rather than a failure.
var ErrMalformed = errors.New("malformed archive key")

var subdomainEncoding = base32.NewEncodingCI("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// Key identifies one archive.
type Key [Size]byte

// ParseHex decodes a 64-character hex key.
func ParseHex(s string) (Key, error) {
	var k Key
	if len(s) != HexLen {
		return k, fmt.Errorf("%w: want %d hex characters, got %d", ErrMalformed, HexLen, len(s))
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return k, nil
}

// LooksLikeRawKey reports whether s is a 64-character hex key.
func LooksLikeRawKey(s string) bool {
	if len(s) != HexLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// DecodeSubdomain decodes a base32 subdomain label. Labels of any other length
// are rejected with ErrMalformed so the caller can fall back to name resolution.
func DecodeSubdomain(label string) (Key, error) {
	var k Key
	if len(label) != SubdomainLen {
		return k, fmt.Errorf("%w: want %d base32 characters, got %d", ErrMalformed, SubdomainLen, len(label))
	}
	n, err := subdomainEncoding.Decode(k[:], []byte(label))
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n != Size {
		return Key{}, fmt.Errorf("%w: decoded %d bytes", ErrMalformed, n)
	}
	return k, nil
}

// EncodeSubdomain returns the DNS-label form of k.
func EncodeSubdomain(k Key) string {
	return subdomainEncoding.EncodeToString(k[:])
}

// Parse accepts either encoded form.
func Parse(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if LooksLikeRawKey(s) {
		return ParseHex(s)
	}
	return DecodeSubdomain(s)
}

// String returns the lowercase hex form.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Subdomain returns the base32 label form.
func (k Key) Subdomain() string {
	return EncodeSubdomain(k)
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k == Key{}
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
