// Package signing provides the keyed-hash primitives shared by all webhook
// verifiers: HMAC and salted-digest computation, canonical field-string
// construction, and constant-time hex comparison.
//
// Two scheme families exist in the wild among our providers:
//
//   - HMAC: signature = hex(HMAC_digest(secret, message))
//   - Salted digest: signature = hex(digest(message || secret)), a legacy
//     construction some wallets still mandate. It is kept byte-compatible for
//     interoperability; new providers should always be HMAC.
package signing

import (
	"crypto/hmac"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"sort"
	"strings"
)

// ComputeHMAC returns HMAC_h(secret, message).
func ComputeHMAC(h func() hash.Hash, secret, message []byte) []byte {
	mac := hmac.New(h, secret)
	mac.Write(message)
	return mac.Sum(nil)
}

// ComputeHMACHex returns the lowercase hex encoding of ComputeHMAC.
func ComputeHMACHex(h func() hash.Hash, secret, message []byte) string {
	return hex.EncodeToString(ComputeHMAC(h, secret, message))
}

// SaltedDigest returns h(message || salt). This is NOT an HMAC and offers
// weaker guarantees; it exists only because several wallet providers define
// their webhook signatures this way.
func SaltedDigest(h func() hash.Hash, message, salt []byte) []byte {
	d := h()
	d.Write(message)
	d.Write(salt)
	return d.Sum(nil)
}

// SaltedDigestHex returns the lowercase hex encoding of SaltedDigest.
func SaltedDigestHex(h func() hash.Hash, message, salt []byte) string {
	return hex.EncodeToString(SaltedDigest(h, message, salt))
}

// EqualHex compares two hex-encoded digests in constant time. Comparison is
// case-insensitive: both sides are lowercased first, since providers disagree
// on hex casing.
//
// When the lengths differ the result is always false, but a full-length
// comparison of the expected value against itself still runs first so that a
// wrong-length forgery takes the same time as a same-length mismatch. A plain
// length check that returns early would hand an attacker a timing oracle on
// the digest width.
func EqualHex(got, want string) bool {
	g := []byte(strings.ToLower(got))
	w := []byte(strings.ToLower(want))

	if len(g) != len(w) {
		subtle.ConstantTimeCompare(w, w)
		return false
	}
	return subtle.ConstantTimeCompare(g, w) == 1
}

// CanonicalForm builds the canonical signing string from a flat field map:
// keys sorted by byte value, rendered as key=value pairs joined with "&".
//
// The caller must remove the signature field itself before calling; the
// canonical form is otherwise computed over every field the provider sent,
// so that no field can be altered without invalidating the signature.
func CanonicalForm(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return b.String()
}
