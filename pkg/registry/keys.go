package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MaskKey returns the redacted display form of a raw API key: the first
// four and last four characters with the middle replaced by asterisks.
// Keys of eight characters or fewer are fully masked so that no part of
// a short secret leaks.
func MaskKey(raw string) string {
	runes := []rune(raw)
	if len(runes) <= 8 {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:4]) + strings.Repeat("*", len(runes)-8) + string(runes[len(runes)-4:])
}

// HashKey returns the lowercase SHA-256 hex digest of the raw key bytes.
// The hash is the stable identifier for a key in health records and logs;
// the raw value itself never leaves the registry.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeyInfoFor derives the external representation of a raw key.
func KeyInfoFor(raw string) KeyInfo {
	return KeyInfo{Masked: MaskKey(raw), Hash: HashKey(raw)}
}
