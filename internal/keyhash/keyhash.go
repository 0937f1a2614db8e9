// Package keyhash maps resource keys to content-addressed file names.
package keyhash

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidKey indicates a key that cannot be hashed (empty or not UTF-8).
var ErrInvalidKey = errors.New("invalid resource key")

// Hash returns the lowercase hex SHA-256 of the NFC-normalized key.
// Canonically equivalent keys ("é" precomposed or decomposed) hash identically.
func Hash(key string) (string, error) {
	if key == "" || !utf8.ValidString(key) {
		return "", ErrInvalidKey
	}
	sum := sha256.Sum256([]byte(norm.NFC.String(key)))
	return hex.EncodeToString(sum[:]), nil
}

// FileName returns the content-addressed file name for key.
// Keys that cannot be hashed fall back to the path-escaped raw key.
func FileName(key string) string {
	if h, err := Hash(key); err == nil {
		return h
	}
	if key == "" {
		return "_"
	}
	return url.PathEscape(key)
}

// variantSep joins an item key and its variant before hashing.
const variantSep = "__"

// headerSuffix names the side file holding a blob's response headers.
const headerSuffix = "__Header"

// ContentKey returns the key a variant of itemKey is stored under. An empty
// variant stores the item under its own key.
func ContentKey(itemKey, variant string) string {
	if variant == "" {
		return itemKey
	}
	return itemKey + variantSep + variant
}

// HeaderFileName returns the name of the header side file for key.
func HeaderFileName(key string) string {
	return FileName(key) + headerSuffix
}
