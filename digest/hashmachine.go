package digest

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	ocidigest "github.com/opencontainers/go-digest"
)

// Type codes assigned to date. Permanent once issued: see the package doc.
const (
	// TypeArraySHA256 hashes array payloads with SHA-256 over a canonical
	// encoding of dtype, shape, and raw bytes. Chosen for arrays because
	// payloads may be large and infrequently rehashed (once per write),
	// so a cryptographic digest's collision resistance is worth the cost.
	TypeArraySHA256 byte = '0'

	// TypeSchemaXXH64 and TypeMetaXXH64 hash the small, frequently
	// recomputed schema and metadata records with xxhash, a
	// non-cryptographic but fast hash appropriate for records that are
	// at most a few hundred bytes and hashed on every write.
	TypeSchemaXXH64 byte = '1'
	TypeMetaXXH64   byte = '2'

	// TypeCommitXXH64 hashes a commit's canonical preimage (parents,
	// message, user+timestamp, and ordered ref snapshot) the same way as
	// schema/metadata records: small, and computed once per commit.
	TypeCommitXXH64 byte = '3'
)

// ArrayDigest computes the typed digest for an array sample given its
// dtype name, shape, and raw little-endian byte buffer.
func ArrayDigest(dtype string, shape []int64, data []byte) Digest {
	// Obtained through go-digest's Algorithm registry rather than calling
	// crypto/sha256 directly, so the hash construction for this scheme
	// goes through the same registered-algorithm indirection the rest of
	// the ecosystem uses for content-addressed stores (see DESIGN.md).
	h := ocidigest.SHA256.Hash()
	writeArrayPreimage(h, dtype, shape, data)
	return Digest(string(TypeArraySHA256) + hex.EncodeToString(h.Sum(nil)))
}

// SchemaDigest computes the typed digest for a schema's encoded byte
// representation (see package records for the encoding).
func SchemaDigest(encoded []byte) Digest {
	sum := xxhash.Sum64(encoded)
	return Digest(string(TypeSchemaXXH64) + hex.EncodeToString(uint64ToBytes(sum)))
}

// MetadataDigest computes the typed digest for a UTF-8 metadata value.
func MetadataDigest(value string) Digest {
	sum := xxhash.Sum64String(value)
	return Digest(string(TypeMetaXXH64) + hex.EncodeToString(uint64ToBytes(sum)))
}

// CommitDigest computes the typed digest for a commit's canonical
// preimage (assembled by package commit from its parents, message,
// user+timestamp, and ordered ref snapshot).
func CommitDigest(preimage []byte) Digest {
	sum := xxhash.Sum64(preimage)
	return Digest(string(TypeCommitXXH64) + hex.EncodeToString(uint64ToBytes(sum)))
}

// RecomputeArray recomputes an array digest using the scheme named by
// tcode, for use by the integrity verifier which must recompute digests
// without assuming the current default scheme is the one originally used.
func RecomputeArray(tcode byte, dtype string, shape []int64, data []byte) (Digest, error) {
	switch tcode {
	case TypeArraySHA256:
		return ArrayDigest(dtype, shape, data), nil
	default:
		return "", fmt.Errorf("digest: unknown array hash type code %q", string(tcode))
	}
}

// RecomputeSchema recomputes a schema digest using the scheme named by tcode.
func RecomputeSchema(tcode byte, encoded []byte) (Digest, error) {
	switch tcode {
	case TypeSchemaXXH64:
		return SchemaDigest(encoded), nil
	default:
		return "", fmt.Errorf("digest: unknown schema hash type code %q", string(tcode))
	}
}

// RecomputeMetadata recomputes a metadata digest using the scheme named by tcode.
func RecomputeMetadata(tcode byte, value string) (Digest, error) {
	switch tcode {
	case TypeMetaXXH64:
		return MetadataDigest(value), nil
	default:
		return "", fmt.Errorf("digest: unknown metadata hash type code %q", string(tcode))
	}
}

func writeArrayPreimage(h interface{ Write([]byte) (int, error) }, dtype string, shape []int64, data []byte) {
	var b strings.Builder
	b.WriteString(dtype)
	b.WriteByte('|')
	for i, dim := range shape {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(dim, 10))
	}
	b.WriteByte('|')
	h.Write([]byte(b.String()))
	h.Write(data)
}

func uint64ToBytes(v uint64) []byte {
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}
