// Package sanitize normalizes identifiers for storage names and validates
// untrusted paths and IDs.
//
// Collection names in vector stores (Qdrant, chromem) must match
// ^[a-z0-9_]{1,64}$.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MaxIdentifierLength is the maximum length of a collection name.
	MaxIdentifierLength = 64

	// HashSuffixLength is len("_") + 8 hex chars.
	HashSuffixLength = 9

	// DefaultIdentifier is used when sanitization produces an empty result.
	DefaultIdentifier = "default"
)

// Identifier lowercases s, replaces characters outside [a-z0-9_] with
// underscores, collapses runs of underscores and trims them. Results over
// MaxIdentifierLength are truncated with a hash suffix.
//
//	"Acme-Corp"   -> "acme_corp"
//	"" or "!!!"   -> "default"
func Identifier(s string) string {
	if s == "" {
		return DefaultIdentifier
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	sanitized := b.String()
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		return DefaultIdentifier
	}
	if len(sanitized) > MaxIdentifierLength {
		sanitized = truncateWithHash(sanitized, sanitized)
	}
	return sanitized
}

// truncateWithHash shortens s to fit MaxIdentifierLength, suffixing a hash
// of key.
func truncateWithHash(s, key string) string {
	maxBase := MaxIdentifierLength - HashSuffixLength
	if len(s) > maxBase {
		s = strings.TrimRight(s[:maxBase], "_")
	}
	return s + "_" + shortHash(key)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}

// CollectionName builds a per-tenant collection name: {prefix}_{tenant}.
//
// Tenant IDs are case sensitive and may contain '-', so two tenants can
// sanitize to the same identifier ("Acme" and "acme"). Whenever
// sanitization is lossy a hash of the raw tenant ID is appended, keeping
// names distinct per tenant.
func CollectionName(prefix, tenantID string) string {
	id := Identifier(tenantID)
	name := Identifier(prefix) + "_" + id
	if id != tenantID || len(name) > MaxIdentifierLength {
		return truncateWithHash(name, prefix+"\x00"+tenantID)
	}
	return name
}
