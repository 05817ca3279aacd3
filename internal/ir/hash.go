package ir

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainAction   = "dhtcore/action/v1"
	DomainEntry    = "dhtcore/entry/v1"
	DomainOp       = "dhtcore/op/v1"
	DomainWarrant  = "dhtcore/warrant/v1"
	DomainLocation = "dhtcore/loc/v1"
	DomainReceipt  = "dhtcore/receipt/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	return hex.EncodeToString(sumWithDomain(domain, data))
}

func sumWithDomain(domain string, data []byte) []byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00}) // Null separator - CRITICAL for security
	h.Write(data)
	return h.Sum(nil)
}

// hashCanonical marshals obj canonically and hashes it under domain.
func hashCanonical(domain string, obj map[string]any) (string, error) {
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("%s: failed to marshal: %w", domain, err)
	}
	return hashWithDomain(domain, canonical), nil
}

func canonicalBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Location maps a basis address onto the 32-bit ring used for storage arcs.
// It is the first four bytes, big endian, of the domain-separated digest.
func Location(basis AnyHash) uint32 {
	sum := sumWithDomain(DomainLocation, []byte(basis))
	return binary.BigEndian.Uint32(sum[:4])
}
