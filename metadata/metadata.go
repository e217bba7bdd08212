// Package metadata implements Hangar's metadata-entry store (spec's
// glossary: "Key -> UTF-8 string value; stored by its digest in labelenv;
// referenced from commits"). Values are content-addressed the same way
// array and schema payloads are: write path hashes the value, stores it
// in labelenv keyed by digest if not already present, then stages a
// key -> digest ref in stageenv. This package has no dependency on
// package commit; a read-only checkout passes in the metadata refs it
// already read from a commit's snapshot (see Ref) rather than this
// package reaching into refenv itself.
package metadata

import (
	"sort"
	"strings"

	"github.com/hangar-io/hangar/digest"
	"github.com/hangar-io/hangar/errcode"
	"github.com/hangar-io/hangar/kv"
	"github.com/hangar-io/hangar/records"
)

// maxKeyLen bounds a metadata key's length. Spec.md's key-constraint
// paragraph only constrains sample keys (column package); metadata keys
// get no such table, so this package enforces only what it needs to keep
// keys unambiguous on disk: non-empty, bounded, and free of the "::"
// component separator package records uses internally.
const maxKeyLen = 1024

// ValidateKey reports whether key is well-formed.
func ValidateKey(key string) error {
	if key == "" {
		return errcode.New(errcode.InvalidArg, "metadata: key must not be empty")
	}
	if len(key) > maxKeyLen {
		return errcode.New(errcode.InvalidArg, "metadata: key exceeds %d bytes", maxKeyLen)
	}
	if strings.Contains(key, "::") {
		return errcode.New(errcode.InvalidArg, "metadata: key must not contain %q", "::")
	}
	return nil
}

// Get reads a metadata value by key from the current staging area.
func Get(labelEnv, stageEnv *kv.Environment, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	var d digest.Digest
	if err := stageEnv.View(func(tx *kv.Txn) error {
		v := tx.Bucket(kv.RootBucket()).Get(records.MetaRefKey(key))
		if v == nil {
			return errcode.New(errcode.NotFound, "metadata: key %q not staged", key)
		}
		d = digest.Digest(v)
		return nil
	}); err != nil {
		return "", err
	}
	return fetch(labelEnv, d)
}

// Set validates key, hashes value, stores it in labelEnv if new, and
// stages the key -> digest ref in stageEnv.
func Set(labelEnv, stageEnv *kv.Environment, key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	d := digest.MetadataDigest(value)
	if err := labelEnv.Update(func(tx *kv.Txn) error {
		b := tx.Bucket(kv.RootBucket())
		if b.Get(records.MetaHashKey(d)) != nil {
			return nil
		}
		return b.Put(records.MetaHashKey(d), records.EncodeMetadataValue(value))
	}); err != nil {
		return err
	}
	return stageEnv.Update(func(tx *kv.Txn) error {
		return tx.Bucket(kv.RootBucket()).Put(records.MetaRefKey(key), []byte(d.String()))
	})
}

// Delete removes key's staged ref. The labelenv value it pointed to is
// left in place: like schema records, metadata values are cheap,
// content-addressed, and not covered by the staging area's
// garbage-collection pass (spec §4.5), which only reclaims backend
// payload files.
func Delete(stageEnv *kv.Environment, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return stageEnv.Update(func(tx *kv.Txn) error {
		b := tx.Bucket(kv.RootBucket())
		if b.Get(records.MetaRefKey(key)) == nil {
			return errcode.New(errcode.NotFound, "metadata: key %q not staged", key)
		}
		return b.Delete(records.MetaRefKey(key))
	})
}

// Keys returns every metadata key currently staged, sorted.
func Keys(stageEnv *kv.Environment) ([]string, error) {
	var out []string
	err := stageEnv.View(func(tx *kv.Txn) error {
		return tx.Bucket(kv.RootBucket()).ForEachPrefix(records.MetaRefPrefix(), func(key, _ []byte) error {
			k, ok := records.ParseMetaRefKey(key)
			if !ok {
				return errcode.New(errcode.Corruption, "metadata: malformed meta-ref key %q", key)
			}
			out = append(out, k)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func fetch(labelEnv *kv.Environment, d digest.Digest) (string, error) {
	var value []byte
	if err := labelEnv.View(func(tx *kv.Txn) error {
		value = tx.Bucket(kv.RootBucket()).Get(records.MetaHashKey(d))
		return nil
	}); err != nil {
		return "", err
	}
	if value == nil {
		return "", errcode.New(errcode.Corruption, "metadata: no labelenv entry for digest %s", d)
	}
	return records.DecodeMetadataValue(value)
}

// Ref is a commit-scoped metadata ref, mirroring commit.MetaRefEntry's
// shape. A read-only checkout reads a commit's metadata refs once (via
// commit.MetaRefs) and passes them here, rather than this package
// depending on package commit to reach into refenv itself.
type Ref struct {
	Key    string
	Digest digest.Digest
}

// GetAt resolves key against a commit's already-read metadata refs.
func GetAt(labelEnv *kv.Environment, refs []Ref, key string) (string, error) {
	for _, r := range refs {
		if r.Key == key {
			return fetch(labelEnv, r.Digest)
		}
	}
	return "", errcode.New(errcode.NotFound, "metadata: key %q not found", key)
}

// KeysAt returns every key present in refs, sorted.
func KeysAt(refs []Ref) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.Key
	}
	sort.Strings(out)
	return out
}
