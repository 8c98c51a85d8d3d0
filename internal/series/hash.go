package series

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for content-addressed hashing. The version suffix leaves
// room for algorithm migration without colliding with existing hashes.
const (
	domainSignature = "strata/signature/v1"
	domainSnapshot  = "strata/snapshot/v1"
)

// hashWithDomain computes SHA-256 with domain separation:
// SHA256(domain || 0x00 || data). The null byte prevents domain/data
// boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ValidHash reports whether s looks like one of our hashes: 64 lowercase hex
// characters. Boundary validation only; it says nothing about provenance.
func ValidHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
