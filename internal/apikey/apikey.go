// Package apikey generates, hashes and validates inbox API keys.
package apikey

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

const (
	// Prefix marks every key issued by this service.
	Prefix = "hk_"
	// secretBytes of randomness, base64url without padding.
	secretBytes = 32
	// Length of a well-formed raw key.
	Length = len(Prefix) + 43
	// displayLen is how much of the key is kept for display.
	displayLen = len(Prefix) + 8
)

// Generate returns a new raw key, its digest and its display prefix. The
// raw key must be shown to the owner once and then discarded.
func Generate(pepper string) (raw, hash, prefix string, err error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", err
	}
	raw = Prefix + base64.RawURLEncoding.EncodeToString(b)
	return raw, Hash(raw, pepper), DisplayPrefix(raw), nil
}

// Hash is the one-way digest stored for a key: BLAKE2b-256 keyed with the
// server pepper, hex encoded.
func Hash(raw, pepper string) string {
	var key []byte
	if pepper != "" {
		sum := blake2b.Sum256([]byte(pepper))
		key = sum[:]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		// Only returned for keys longer than 64 bytes, which Sum256 rules out.
		panic("apikey: blake2b: " + err.Error())
	}
	h.Write([]byte(raw))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify re-hashes raw and compares it to hash in constant time.
func Verify(raw, hash, pepper string) bool {
	return subtle.ConstantTimeCompare([]byte(Hash(raw, pepper)), []byte(hash)) == 1
}

// DisplayPrefix is the short, non-secret part of a key shown in listings.
func DisplayPrefix(raw string) string {
	if len(raw) < displayLen {
		return raw
	}
	return raw[:displayLen]
}

// WellFormed is the cheap structural check done before any store access.
func WellFormed(raw string) bool {
	if len(raw) != Length || raw[:len(Prefix)] != Prefix {
		return false
	}
	for i := len(Prefix); i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
