package domain

import "strings"

const (
	// FullIdentityLength is the length of a canonical identity string.
	FullIdentityLength = 36
	// MinPrefixLength is the shortest payload resolved as an identity prefix.
	MinPrefixLength = 20
)

// identityShape is the canonical UUID layout; 'x' stands for a hex digit.
const identityShape = "xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx"

// NormalizeIdentity trims and upper-cases an identity or identity prefix.
func NormalizeIdentity(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// ValidIdentity reports whether the value is a full identity, or a prefix of
// one long enough to be resolved. Hex digits may be of either case.
func ValidIdentity(id string) bool {
	if len(id) < MinPrefixLength || len(id) > FullIdentityLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if identityShape[i] == '-' {
			if c != '-' {
				return false
			}
			continue
		}
		if !isHex(c) {
			return false
		}
	}
	return true
}

// IsTruncated reports whether a valid identity payload is shorter than a full identity.
func IsTruncated(id string) bool {
	return len(id) < FullIdentityLength
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
