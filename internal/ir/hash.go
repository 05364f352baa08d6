package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainOperation = "fmsync/operation/v1"
	DomainDocument  = "fmsync/document/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// OperationID computes the content-addressed ID of an operation.
// Two replicas holding the same (site, seq) with different IDs have
// diverged, which the checkpoint store treats as corruption.
func OperationID(op Operation) (string, error) {
	canonical, err := MarshalCanonical(op.CanonicalObject())
	if err != nil {
		return "", fmt.Errorf("OperationID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainOperation, canonical), nil
}

// DocumentDigest hashes canonical document bytes.
func DocumentDigest(canonical []byte) string {
	return hashWithDomain(DomainDocument, canonical)
}

// MustOperationID is like OperationID but panics on error.
// Use only in tests or when the payload is known to be valid.
func MustOperationID(op Operation) string {
	id, err := OperationID(op)
	if err != nil {
		panic(err)
	}
	return id
}
