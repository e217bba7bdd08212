// Package records implements Hangar's bit-exact record codec: the fixed
// key layouts and binary encodings used by every named environment (see
// package kv). Key prefixes and encodings here are a permanent on-disk
// format — changing one is equivalent to introducing a new backend code
// (spec §4.2): don't, add a new prefix or a new type code instead.
package records

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/hangar-io/hangar/digest"
)

// Fixed key prefixes. "::" separates the prefix from its payload and, for
// multi-part keys, separates successive components. Column and branch
// names are constrained to ASCII identifiers that cannot themselves
// contain "::" (enforced by the column and heads packages), so the
// separator is unambiguous when parsing a key back apart.
const (
	prefixDataHash      = "data-hash::"
	prefixSchemaHash    = "schema-hash::"
	prefixMetaHash      = "meta-hash::"
	prefixCommitParent  = "commit-parent::"
	prefixCommitMessage = "commit-message::"
	prefixCommitUser    = "commit-user::"
	prefixCommitRefsDig = "commit-refs-digest::"
	prefixColumnSchema  = "col-schema::"
	prefixRef           = "ref::"
	prefixBranchHead    = "branch::"
	prefixWriterLock    = "writer-lock"
	prefixStagingBase   = "staging-base"
	prefixStagedDigest  = "staged-digest::"
	prefixCommitRef     = "cref::"
	prefixCommitColumn  = "ccol::"
	prefixMetaRef       = "meta-ref::"
	prefixCommitMetaRef = "cmeta::"
)

// DataHashKey is the hashenv key under which an array digest's spec bytes
// are stored.
func DataHashKey(d digest.Digest) []byte {
	return []byte(prefixDataHash + d.String())
}

// DataHashPrefix returns the scan prefix covering every array-digest
// record in hashenv, used by the integrity verifier's array pass.
func DataHashPrefix() []byte {
	return []byte(prefixDataHash)
}

// ParseDataHashKey recovers the digest from a key built by DataHashKey.
func ParseDataHashKey(key []byte) (digest.Digest, bool) {
	s := string(key)
	if !strings.HasPrefix(s, prefixDataHash) {
		return "", false
	}
	return digest.Digest(s[len(prefixDataHash):]), true
}

// SchemaHashKey is the hashenv key under which a schema digest's encoded
// schema record is stored.
func SchemaHashKey(d digest.Digest) []byte {
	return []byte(prefixSchemaHash + d.String())
}

// SchemaHashPrefix returns the scan prefix covering every schema-digest
// record in hashenv, used by the integrity verifier's schema pass.
func SchemaHashPrefix() []byte {
	return []byte(prefixSchemaHash)
}

// ParseSchemaHashKey recovers the digest from a key built by
// SchemaHashKey.
func ParseSchemaHashKey(key []byte) (digest.Digest, bool) {
	s := string(key)
	if !strings.HasPrefix(s, prefixSchemaHash) {
		return "", false
	}
	return digest.Digest(s[len(prefixSchemaHash):]), true
}

// MetaHashKey is the labelenv key under which a metadata digest's value is
// stored.
func MetaHashKey(d digest.Digest) []byte {
	return []byte(prefixMetaHash + d.String())
}

// MetaHashPrefix returns the scan prefix covering every metadata-digest
// record in labelenv, used by the integrity verifier's metadata pass.
func MetaHashPrefix() []byte {
	return []byte(prefixMetaHash)
}

// ParseMetaHashKey recovers the digest from a key built by MetaHashKey.
func ParseMetaHashKey(key []byte) (digest.Digest, bool) {
	s := string(key)
	if !strings.HasPrefix(s, prefixMetaHash) {
		return "", false
	}
	return digest.Digest(s[len(prefixMetaHash):]), true
}

// CommitParentKey is the refenv key holding a commit's parents record.
func CommitParentKey(c digest.Digest) []byte {
	return []byte(prefixCommitParent + c.String())
}

// CommitParentPrefix returns the scan prefix covering every commit's
// parent record, i.e. the set of all known commit digests.
func CommitParentPrefix() []byte {
	return []byte(prefixCommitParent)
}

// ParseCommitParentKey recovers the commit digest from a key built by
// CommitParentKey.
func ParseCommitParentKey(key []byte) (digest.Digest, bool) {
	s := string(key)
	if !strings.HasPrefix(s, prefixCommitParent) {
		return "", false
	}
	return digest.Digest(s[len(prefixCommitParent):]), true
}

// CommitMessageKey is the refenv key holding a commit's message bytes.
func CommitMessageKey(c digest.Digest) []byte {
	return []byte(prefixCommitMessage + c.String())
}

// CommitUserKey is the refenv key holding a commit's user+timestamp record.
func CommitUserKey(c digest.Digest) []byte {
	return []byte(prefixCommitUser + c.String())
}

// CommitRefsDigestKey is the refenv key holding the digest computed over
// commit c's ref snapshot alone (no parents/message/user). This is
// distinct from c itself: c identifies the commit, including who made it
// and why, while this digest identifies only the data the commit
// captured, which is what the staging area's CLEAN/DIRTY test compares
// against (spec §4.5).
func CommitRefsDigestKey(c digest.Digest) []byte {
	return []byte(prefixCommitRefsDig + c.String())
}

// ColumnSchemaKey is the key (within refenv for a commit's ref snapshot, or
// within stageenv for the staged equivalent) recording which schema digest
// a named column currently declares.
func ColumnSchemaKey(column string) []byte {
	return []byte(prefixColumnSchema + column)
}

// ParseColumnSchemaKey recovers the column name from a key built by
// ColumnSchemaKey, reporting ok=false if key does not have that form.
func ParseColumnSchemaKey(key []byte) (column string, ok bool) {
	s := string(key)
	if !strings.HasPrefix(s, prefixColumnSchema) {
		return "", false
	}
	return s[len(prefixColumnSchema):], true
}

// ColumnSchemaPrefix returns the scan prefix covering every column-schema
// record.
func ColumnSchemaPrefix() []byte {
	return []byte(prefixColumnSchema)
}

// RefKey builds the key under which a sample's (or subsample's) digest
// reference is stored, within either stageenv (staged refs) or a commit's
// mounted refenv snapshot.
func RefKey(column string, key SampleKey, subkey *SampleKey) []byte {
	var b bytes.Buffer
	b.WriteString(prefixRef)
	b.WriteString(column)
	b.WriteString("::")
	b.Write(key.Encode())
	if subkey != nil {
		b.WriteString("::")
		b.Write(subkey.Encode())
	}
	return b.Bytes()
}

// ColumnRefPrefix returns the scan prefix covering every ref under the
// named column (samples and, if present, their subsamples).
func ColumnRefPrefix(column string) []byte {
	return []byte(prefixRef + column + "::")
}

// ParseRefKey recovers the column name and sample (and, if present,
// subsample) key from a key built by RefKey.
func ParseRefKey(key []byte) (column string, sample SampleKey, subsample *SampleKey, err error) {
	s := string(key)
	if !strings.HasPrefix(s, prefixRef) {
		return "", SampleKey{}, nil, fmt.Errorf("records: %q is not a ref key", s)
	}
	rest := s[len(prefixRef):]
	parts := strings.SplitN(rest, "::", 3)
	if len(parts) < 2 {
		return "", SampleKey{}, nil, fmt.Errorf("records: malformed ref key %q", s)
	}
	column = parts[0]
	sample, err = DecodeSampleKey([]byte(parts[1]))
	if err != nil {
		return "", SampleKey{}, nil, err
	}
	if len(parts) == 3 {
		sub, err := DecodeSampleKey([]byte(parts[2]))
		if err != nil {
			return "", SampleKey{}, nil, err
		}
		subsample = &sub
	}
	return column, sample, subsample, nil
}

// CommitRefKey builds the refenv key for one sample's (or subsample's)
// digest reference as captured by a specific commit's snapshot. It is the
// commit-scoped counterpart to RefKey, which addresses the mutable
// staging area instead.
func CommitRefKey(commit digest.Digest, column string, key SampleKey, subkey *SampleKey) []byte {
	var b bytes.Buffer
	b.WriteString(prefixCommitRef)
	b.WriteString(commit.String())
	b.WriteString("::")
	b.WriteString(column)
	b.WriteString("::")
	b.Write(key.Encode())
	if subkey != nil {
		b.WriteString("::")
		b.Write(subkey.Encode())
	}
	return b.Bytes()
}

// CommitRefPrefix returns the scan prefix covering every ref captured by
// commit's snapshot.
func CommitRefPrefix(commit digest.Digest) []byte {
	return []byte(prefixCommitRef + commit.String() + "::")
}

// ParseCommitRefKey recovers the column and sample (and, if present,
// subsample) key from a key built by CommitRefKey. The commit digest
// itself is not re-derived; callers scan with CommitRefPrefix already
// knowing which commit they are reading.
func ParseCommitRefKey(commit digest.Digest, key []byte) (column string, sample SampleKey, subsample *SampleKey, err error) {
	prefix := prefixCommitRef + commit.String() + "::"
	s := string(key)
	if !strings.HasPrefix(s, prefix) {
		return "", SampleKey{}, nil, fmt.Errorf("records: %q is not a commit-ref key for %s", s, commit)
	}
	rest := s[len(prefix):]
	parts := strings.SplitN(rest, "::", 3)
	if len(parts) < 2 {
		return "", SampleKey{}, nil, fmt.Errorf("records: malformed commit-ref key %q", s)
	}
	column = parts[0]
	sample, err = DecodeSampleKey([]byte(parts[1]))
	if err != nil {
		return "", SampleKey{}, nil, err
	}
	if len(parts) == 3 {
		sub, err := DecodeSampleKey([]byte(parts[2]))
		if err != nil {
			return "", SampleKey{}, nil, err
		}
		subsample = &sub
	}
	return column, sample, subsample, nil
}

// CommitColumnSchemaKey builds the refenv key recording which schema
// digest a named column had as of commit's snapshot.
func CommitColumnSchemaKey(commit digest.Digest, column string) []byte {
	return []byte(prefixCommitColumn + commit.String() + "::" + column)
}

// CommitColumnSchemaPrefix returns the scan prefix covering every column
// schema record captured by commit's snapshot.
func CommitColumnSchemaPrefix(commit digest.Digest) []byte {
	return []byte(prefixCommitColumn + commit.String() + "::")
}

// ParseCommitColumnSchemaKey recovers the column name from a key built by
// CommitColumnSchemaKey.
func ParseCommitColumnSchemaKey(commit digest.Digest, key []byte) (column string, ok bool) {
	prefix := prefixCommitColumn + commit.String() + "::"
	s := string(key)
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

// BranchHeadKey is the branchenv key mapping a branch name to its head
// commit digest.
func BranchHeadKey(name string) []byte {
	return []byte(prefixBranchHead + name)
}

// ParseBranchHeadKey recovers the branch name from a key built by
// BranchHeadKey.
func ParseBranchHeadKey(key []byte) (name string, ok bool) {
	s := string(key)
	if !strings.HasPrefix(s, prefixBranchHead) {
		return "", false
	}
	return s[len(prefixBranchHead):], true
}

// BranchHeadPrefix returns the scan prefix covering every branch record.
func BranchHeadPrefix() []byte {
	return []byte(prefixBranchHead)
}

// WriterLockKey is the branchenv singleton key holding the writer lock's
// current token (or the "free" sentinel, see EncodeWriterLockFree).
func WriterLockKey() []byte {
	return []byte(prefixWriterLock)
}

// StagingBaseKey is the branchenv singleton key holding the name of the
// branch the staging area currently tracks.
func StagingBaseKey() []byte {
	return []byte(prefixStagingBase)
}

// StagedDigestKey is the stagehashenv key recording that a digest's
// payload was written during the current staging session (as opposed to
// already existing as of the staging-base branch's head commit), so that
// the staging area's garbage-collection pass (spec §4.5) knows which
// hashenv rows and backend files it is allowed to remove if they turn out
// unreferenced.
func StagedDigestKey(d digest.Digest) []byte {
	return []byte(prefixStagedDigest + d.String())
}

// ParseStagedDigestKey recovers the digest from a key built by
// StagedDigestKey.
func ParseStagedDigestKey(key []byte) (digest.Digest, bool) {
	s := string(key)
	if !strings.HasPrefix(s, prefixStagedDigest) {
		return "", false
	}
	return digest.Digest(s[len(prefixStagedDigest):]), true
}

// StagedDigestPrefix returns the scan prefix covering every digest staged
// during the current session.
func StagedDigestPrefix() []byte {
	return []byte(prefixStagedDigest)
}

// MetaRefKey builds the key under which a metadata entry's digest
// reference is stored, within either stageenv (staged refs) or a commit's
// mounted refenv snapshot. Metadata entries are a third ref category
// alongside column schemas and column sample refs (spec's Commit
// definition lists "every metadata digest referenced" separately from
// the column refs), so they get their own prefix rather than living under
// a pseudo-column.
func MetaRefKey(key string) []byte {
	return []byte(prefixMetaRef + key)
}

// MetaRefPrefix returns the scan prefix covering every staged metadata
// ref.
func MetaRefPrefix() []byte {
	return []byte(prefixMetaRef)
}

// ParseMetaRefKey recovers the metadata key from a key built by
// MetaRefKey.
func ParseMetaRefKey(key []byte) (metaKey string, ok bool) {
	s := string(key)
	if !strings.HasPrefix(s, prefixMetaRef) {
		return "", false
	}
	return s[len(prefixMetaRef):], true
}

// CommitMetaRefKey builds the refenv key for one metadata entry's digest
// reference as captured by a specific commit's snapshot. It is the
// commit-scoped counterpart to MetaRefKey.
func CommitMetaRefKey(commit digest.Digest, key string) []byte {
	return []byte(prefixCommitMetaRef + commit.String() + "::" + key)
}

// CommitMetaRefPrefix returns the scan prefix covering every metadata ref
// captured by commit's snapshot.
func CommitMetaRefPrefix(commit digest.Digest) []byte {
	return []byte(prefixCommitMetaRef + commit.String() + "::")
}

// ParseCommitMetaRefKey recovers the metadata key from a key built by
// CommitMetaRefKey.
func ParseCommitMetaRefKey(commit digest.Digest, key []byte) (metaKey string, ok bool) {
	prefix := prefixCommitMetaRef + commit.String() + "::"
	s := string(key)
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

// SampleKey kinds.
const (
	KindStr byte = 's'
	KindInt byte = 'i'
)

// SampleKey is a tagged union over a column sample (or subsample) key,
// which may be either a short ASCII string or a bounded non-negative
// integer (spec §4.6). String "5" and integer 5 are deliberately encoded
// to different byte sequences and so never collide — the spec documents
// this as an open ambiguity in the original and this implementation
// resolves it by treating them as distinct (spec §9(c)).
type SampleKey struct {
	Kind byte
	Str  string
	Int  int64
}

// NewStrKey builds a string-keyed SampleKey.
func NewStrKey(s string) SampleKey {
	return SampleKey{Kind: KindStr, Str: s}
}

// NewIntKey builds an integer-keyed SampleKey.
func NewIntKey(i int64) SampleKey {
	return SampleKey{Kind: KindInt, Int: i}
}

// Encode renders the key to its permanent on-disk byte form: a one-byte
// kind tag followed by the payload. Integers are rendered in decimal
// rather than fixed-width binary so that the lexical and numeric orderings
// coincide is NOT guaranteed (ordering sample keys is not a requirement
// this format makes); decimal text keeps the common case of one-off
// inspection readable.
func (k SampleKey) Encode() []byte {
	switch k.Kind {
	case KindInt:
		return []byte(string(KindInt) + strconv.FormatInt(k.Int, 10))
	default:
		return []byte(string(KindStr) + k.Str)
	}
}

// String renders a human-readable form for logging and error messages.
func (k SampleKey) String() string {
	if k.Kind == KindInt {
		return strconv.FormatInt(k.Int, 10)
	}
	return k.Str
}

// DecodeSampleKey parses the byte form produced by Encode.
func DecodeSampleKey(b []byte) (SampleKey, error) {
	if len(b) == 0 {
		return SampleKey{}, fmt.Errorf("records: empty sample key")
	}
	switch b[0] {
	case KindInt:
		n, err := strconv.ParseInt(string(b[1:]), 10, 64)
		if err != nil {
			return SampleKey{}, fmt.Errorf("records: malformed integer sample key %q: %w", b, err)
		}
		return SampleKey{Kind: KindInt, Int: n}, nil
	case KindStr:
		return SampleKey{Kind: KindStr, Str: string(b[1:])}, nil
	default:
		return SampleKey{}, fmt.Errorf("records: unknown sample key kind tag %q", b[0])
	}
}
