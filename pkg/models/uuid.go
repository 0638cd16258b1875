package models

import (
	"crypto/sha512"

	"github.com/google/uuid"
)

// DeriveUUID hashes data with SHA-512 and formats the first 16 bytes
// as a UUIDv5-shaped identifier (version nibble 5, variant bits 10).
// Used for both recovery-configuration UUIDs (hash of the template)
// and recovery-token UUIDs (hash of the token), per spec.md §3/§9:
// "the hash-derived UUID is load-bearing: it makes duplicate create
// requests deduplicate naturally." Hashing the same input twice must
// yield the same UUID byte-for-byte.
func DeriveUUID(data []byte) string {
	sum := sha512.Sum512(data)
	var id uuid.UUID
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0f) | 0x50 // version 5
	id[8] = (id[8] & 0x3f) | 0x80 // variant 10
	return id.String()
}

// NewEtag returns a fresh opaque optimistic-concurrency token.
func NewEtag() string {
	return uuid.NewString()
}
