package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainRecord = "autodeposit/record/v1"
	DomainEvent  = "autodeposit/event/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash returns the content-addressed ID of v under domain.
func Hash(domain string, v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return hashWithDomain(domain, canonical), nil
}

// RecordID computes the identity of a notification record from its fields.
// seq is part of the identity, so two otherwise identical records emitted
// at different points in the log get different IDs.
func RecordID(fields map[string]any) (string, error) {
	return Hash(DomainRecord, fields)
}

// EventID computes the identity of an inbound external event that arrived
// without a delivery ID of its own.
func EventID(fields map[string]any) (string, error) {
	return Hash(DomainEvent, fields)
}

// MustHash is like Hash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustHash(domain string, v any) string {
	id, err := Hash(domain, v)
	if err != nil {
		panic(err)
	}
	return id
}
