// Package commit implements Hangar's Commit DAG (spec §4.4): an
// append-only graph of immutable commits, each with zero, one, or two
// parents, plus ancestry-walk and staging-snapshot operations.
package commit

import (
	"sort"
	"time"

	"github.com/hangar-io/hangar/digest"
	"github.com/hangar-io/hangar/errcode"
	"github.com/hangar-io/hangar/kv"
	"github.com/hangar-io/hangar/records"
)

// Info is a commit's metadata, without its ref snapshot (fetched
// separately via Refs/ColumnSchemas since a snapshot can be large).
type Info struct {
	Digest    digest.Digest
	Message   string
	User      string
	Timestamp time.Time
	// Master and Dev are this commit's parents. A regular commit has
	// Master populated and Dev empty; a merge commit has both; the
	// repository's sole initial commit has neither (spec I4).
	Master digest.Digest
	Dev    digest.Digest
	// RefsDigest is the digest computed over this commit's ref snapshot
	// alone, independent of Digest, Message, User, and Timestamp. Package
	// staging compares a repository's current stageenv snapshot digest
	// against this value to decide CLEAN vs. DIRTY (spec §4.5).
	RefsDigest digest.Digest
}

// Parents returns the non-empty parent digests, in (master, dev) order.
func (i Info) Parents() []digest.Digest {
	var out []digest.Digest
	if !i.Master.Empty() {
		out = append(out, i.Master)
	}
	if !i.Dev.Empty() {
		out = append(out, i.Dev)
	}
	return out
}

// ListAll returns every commit digest known to refenv.
func ListAll(tx *kv.Txn) ([]digest.Digest, error) {
	b := tx.Bucket(kv.RootBucket())
	var out []digest.Digest
	err := b.ForEachPrefix(records.CommitParentPrefix(), func(key, _ []byte) error {
		d, ok := records.ParseCommitParentKey(key)
		if !ok {
			return errcode.New(errcode.Corruption, "commit: malformed commit-parent key %q", key)
		}
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// GetInfo fetches a commit's metadata record.
func GetInfo(tx *kv.Txn, c digest.Digest) (Info, error) {
	b := tx.Bucket(kv.RootBucket())

	parentsRaw := b.Get(records.CommitParentKey(c))
	if parentsRaw == nil {
		return Info{}, errcode.New(errcode.NotFound, "commit: %s does not exist", c)
	}
	master, dev, err := records.DecodeParents(parentsRaw)
	if err != nil {
		return Info{}, errcode.Wrap(errcode.Corruption, err)
	}

	msgRaw := b.Get(records.CommitMessageKey(c))
	if msgRaw == nil {
		return Info{}, errcode.New(errcode.Corruption, "commit: %s missing message record", c)
	}
	msg, err := records.DecodeCommitMessage(msgRaw)
	if err != nil {
		return Info{}, errcode.Wrap(errcode.Corruption, err)
	}

	userRaw := b.Get(records.CommitUserKey(c))
	if userRaw == nil {
		return Info{}, errcode.New(errcode.Corruption, "commit: %s missing user record", c)
	}
	user, when, err := records.DecodeCommitUser(userRaw)
	if err != nil {
		return Info{}, errcode.Wrap(errcode.Corruption, err)
	}

	refsDigRaw := b.Get(records.CommitRefsDigestKey(c))
	if refsDigRaw == nil {
		return Info{}, errcode.New(errcode.Corruption, "commit: %s missing refs-digest record", c)
	}

	return Info{
		Digest:     c,
		Message:    msg,
		User:       user,
		Timestamp:  when,
		Master:     master,
		Dev:        dev,
		RefsDigest: digest.Digest(refsDigRaw),
	}, nil
}

// GetParents returns c's non-empty parent digests.
func GetParents(tx *kv.Txn, c digest.Digest) ([]digest.Digest, error) {
	info, err := GetInfo(tx, c)
	if err != nil {
		return nil, err
	}
	return info.Parents(), nil
}

// CheckInHistory reports whether candidate is c itself or an ancestor of
// c, by walking parents.
func CheckInHistory(tx *kv.Txn, c, candidate digest.Digest) (bool, error) {
	found := false
	err := WalkAncestors(tx, c, func(d digest.Digest) (bool, error) {
		if d == candidate {
			found = true
			return false, nil
		}
		return true, nil
	})
	return found, err
}

// WalkAncestors visits c and every ancestor of c exactly once, in no
// particular order beyond "parents after children are not guaranteed",
// calling visit for each. visit returns (keepGoing, err); returning
// keepGoing=false stops the walk early without error.
func WalkAncestors(tx *kv.Txn, c digest.Digest, visit func(digest.Digest) (bool, error)) error {
	seen := map[digest.Digest]bool{}
	queue := []digest.Digest{c}
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		if d.Empty() || seen[d] {
			continue
		}
		seen[d] = true
		keepGoing, err := visit(d)
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
		parents, err := GetParents(tx, d)
		if err != nil {
			return err
		}
		queue = append(queue, parents...)
	}
	return nil
}

// RefEntry is one (column, key[, subkey]) -> digest mapping captured by a
// commit's ref snapshot.
type RefEntry struct {
	Column string
	Key    records.SampleKey
	Subkey *records.SampleKey
	Digest digest.Digest
}

// Refs returns every sample/subsample ref captured by commit c's
// snapshot, read from refenv.
func Refs(tx *kv.Txn, c digest.Digest) ([]RefEntry, error) {
	b := tx.Bucket(kv.RootBucket())
	var out []RefEntry
	err := b.ForEachPrefix(records.CommitRefPrefix(c), func(key, value []byte) error {
		column, sample, sub, err := records.ParseCommitRefKey(c, key)
		if err != nil {
			return errcode.Wrap(errcode.Corruption, err)
		}
		out = append(out, RefEntry{Column: column, Key: sample, Subkey: sub, Digest: digest.Digest(value)})
		return nil
	})
	return out, err
}

// ColumnSchemas returns the schema digest commit c declared for every
// column in its snapshot, keyed by column name.
func ColumnSchemas(tx *kv.Txn, c digest.Digest) (map[string]digest.Digest, error) {
	b := tx.Bucket(kv.RootBucket())
	out := map[string]digest.Digest{}
	err := b.ForEachPrefix(records.CommitColumnSchemaPrefix(c), func(key, value []byte) error {
		column, ok := records.ParseCommitColumnSchemaKey(c, key)
		if !ok {
			return errcode.New(errcode.Corruption, "commit: malformed column-schema key %q", key)
		}
		out[column] = digest.Digest(value)
		return nil
	})
	return out, err
}

// MetaRefEntry is one metadata-key -> digest mapping captured by a
// commit's ref snapshot, the metadata counterpart to RefEntry.
type MetaRefEntry struct {
	Key    string
	Digest digest.Digest
}

// MetaRefs returns every metadata ref captured by commit c's snapshot,
// read from refenv.
func MetaRefs(tx *kv.Txn, c digest.Digest) ([]MetaRefEntry, error) {
	b := tx.Bucket(kv.RootBucket())
	var out []MetaRefEntry
	err := b.ForEachPrefix(records.CommitMetaRefPrefix(c), func(key, value []byte) error {
		metaKey, ok := records.ParseCommitMetaRefKey(c, key)
		if !ok {
			return errcode.New(errcode.Corruption, "commit: malformed commit-meta-ref key %q", key)
		}
		out = append(out, MetaRefEntry{Key: metaKey, Digest: digest.Digest(value)})
		return nil
	})
	return out, err
}

// ReadStagedSnapshot reads every column-schema, sample ref, and metadata
// ref record currently held by a stageenv (or, equivalently, any bucket
// addressed with the un-commit-scoped keys from package records)
// transaction. It underlies both CommitRecords' preimage assembly and
// package staging's CLEAN/DIRTY comparison, so that both read the stage
// the same way.
func ReadStagedSnapshot(tx *kv.Txn) (schemas map[string]digest.Digest, refs []RefEntry, metaRefs []MetaRefEntry, err error) {
	b := tx.Bucket(kv.RootBucket())
	schemas = map[string]digest.Digest{}

	if err := b.ForEachPrefix(records.ColumnSchemaPrefix(), func(key, value []byte) error {
		column, ok := records.ParseColumnSchemaKey(key)
		if !ok {
			return errcode.New(errcode.Corruption, "commit: malformed staged column-schema key %q", key)
		}
		schemas[column] = digest.Digest(value)
		return nil
	}); err != nil {
		return nil, nil, nil, err
	}

	if err := b.ForEachPrefix(records.MetaRefPrefix(), func(key, value []byte) error {
		metaKey, ok := records.ParseMetaRefKey(key)
		if !ok {
			return errcode.New(errcode.Corruption, "commit: malformed staged meta-ref key %q", key)
		}
		metaRefs = append(metaRefs, MetaRefEntry{Key: metaKey, Digest: digest.Digest(value)})
		return nil
	}); err != nil {
		return nil, nil, nil, err
	}

	if err := b.ForEach(func(key, value []byte) error {
		column, sample, sub, parseErr := records.ParseRefKey(key)
		if parseErr != nil {
			return nil // not a sample-ref record; ForEach walks every key in the bucket
		}
		refs = append(refs, RefEntry{Column: column, Key: sample, Subkey: sub, Digest: digest.Digest(value)})
		return nil
	}); err != nil {
		return nil, nil, nil, err
	}

	return schemas, refs, metaRefs, nil
}

// SnapshotDigest computes the digest of a column-schema, sample-ref, and
// metadata-ref snapshot alone, with no parents/message/user component,
// over a canonical (sorted, so insertion order never matters) encoding.
// Used both to store a commit's RefsDigest and, by package staging, to
// test a stageenv snapshot for equality with a commit's RefsDigest
// without needing to open refenv to recompute it.
func SnapshotDigest(schemas map[string]digest.Digest, refs []RefEntry, metaRefs []MetaRefEntry) digest.Digest {
	return digest.CommitDigest(snapshotPreimage(schemas, refs, metaRefs))
}

func refEntryKeyString(r RefEntry) string {
	s := r.Column + "::" + r.Key.String()
	if r.Subkey != nil {
		s += "::" + r.Subkey.String()
	}
	return s
}

func sortedSnapshot(schemas map[string]digest.Digest, refs []RefEntry, metaRefs []MetaRefEntry) (columns []string, sortedRefs []RefEntry, sortedMeta []MetaRefEntry) {
	for column := range schemas {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	sortedRefs = append(sortedRefs, refs...)
	sort.Slice(sortedRefs, func(i, j int) bool {
		return refEntryKeyString(sortedRefs[i]) < refEntryKeyString(sortedRefs[j])
	})

	sortedMeta = append(sortedMeta, metaRefs...)
	sort.Slice(sortedMeta, func(i, j int) bool { return sortedMeta[i].Key < sortedMeta[j].Key })

	return columns, sortedRefs, sortedMeta
}

func snapshotPreimage(schemas map[string]digest.Digest, refs []RefEntry, metaRefs []MetaRefEntry) []byte {
	columns, sortedRefs, sortedMeta := sortedSnapshot(schemas, refs, metaRefs)
	var b []byte
	for _, column := range columns {
		b = append(b, '\n')
		b = append(b, column...)
		b = append(b, '=')
		b = append(b, schemas[column].String()...)
	}
	for _, r := range sortedRefs {
		b = append(b, '\n')
		b = append(b, refEntryKeyString(r)...)
		b = append(b, '=')
		b = append(b, r.Digest.String()...)
	}
	for _, m := range sortedMeta {
		b = append(b, '\n')
		b = append(b, "meta::"...)
		b = append(b, m.Key...)
		b = append(b, '=')
		b = append(b, m.Digest.String()...)
	}
	return b
}

// CommitRecords snapshots stageEnv's current column-schema and ref records,
// assembles the canonical commit preimage together with master/dev/message/
// user/when, and writes the resulting commit's records into refEnv under
// its freshly computed digest. It does not touch branchenv or clear
// stageenv: advancing a branch head and resetting the stage afterward is
// the caller's responsibility (package staging), so that CommitRecords
// stays usable for both a checkout's normal commit path and any future
// merge path without assuming which branch is being advanced.
//
// Honors spec I4 (exactly one commit may have both parents empty): callers
// must pass a non-empty master for every commit after the first.
func CommitRecords(refEnv, stageEnv *kv.Environment, master, dev digest.Digest, message, user string, when time.Time) (digest.Digest, error) {
	if message == "" {
		return "", errcode.New(errcode.InvalidArg, "commit: message must not be empty")
	}

	var schemas map[string]digest.Digest
	var refs []RefEntry
	var metaRefs []MetaRefEntry
	err := stageEnv.View(func(tx *kv.Txn) error {
		var err error
		schemas, refs, metaRefs, err = ReadStagedSnapshot(tx)
		return err
	})
	if err != nil {
		return "", err
	}
	if len(refs) == 0 && len(metaRefs) == 0 {
		return "", errcode.New(errcode.EmptyCommit, "commit: staging area has no staged samples")
	}

	return writeCommitRecords(refEnv, master, dev, message, user, when, schemas, refs, metaRefs)
}

// CreateInitialCommit writes the repository's one genuinely empty commit
// (spec I4): no parents, no column schemas, no refs. A fresh repository's
// Init path calls this once to give its first branch head something to
// point at before any column exists, distinct from CommitRecords, whose
// empty-stage guard exists to stop a *user* committing nothing, not to
// stop the bootstrap commit every repository needs exactly one of.
func CreateInitialCommit(refEnv *kv.Environment, message, user string, when time.Time) (digest.Digest, error) {
	if message == "" {
		return "", errcode.New(errcode.InvalidArg, "commit: message must not be empty")
	}
	return writeCommitRecords(refEnv, "", "", message, user, when, nil, nil, nil)
}

func writeCommitRecords(refEnv *kv.Environment, master, dev digest.Digest, message, user string, when time.Time, schemas map[string]digest.Digest, refs []RefEntry, metaRefs []MetaRefEntry) (digest.Digest, error) {
	refsDigest := SnapshotDigest(schemas, refs, metaRefs)
	c := digest.CommitDigest(append(commitPreimageHeader(master, dev, message, user, when), snapshotPreimage(schemas, refs, metaRefs)...))

	err := refEnv.Update(func(tx *kv.Txn) error {
		b := tx.Bucket(kv.RootBucket())
		if err := b.Put(records.CommitParentKey(c), records.EncodeParents(master, dev)); err != nil {
			return err
		}
		if err := b.Put(records.CommitMessageKey(c), records.EncodeCommitMessage(message)); err != nil {
			return err
		}
		if err := b.Put(records.CommitUserKey(c), records.EncodeCommitUser(user, when)); err != nil {
			return err
		}
		if err := b.Put(records.CommitRefsDigestKey(c), []byte(refsDigest.String())); err != nil {
			return err
		}
		for column, d := range schemas {
			if err := b.Put(records.CommitColumnSchemaKey(c, column), []byte(d.String())); err != nil {
				return err
			}
		}
		for _, r := range refs {
			if err := b.Put(records.CommitRefKey(c, r.Column, r.Key, r.Subkey), []byte(r.Digest.String())); err != nil {
				return err
			}
		}
		for _, m := range metaRefs {
			if err := b.Put(records.CommitMetaRefKey(c, m.Key), []byte(m.Digest.String())); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return c, nil
}

func commitPreimageHeader(master, dev digest.Digest, message, user string, when time.Time) []byte {
	var b []byte
	b = append(b, records.EncodeParents(master, dev)...)
	b = append(b, '\n')
	b = append(b, records.EncodeCommitMessage(message)...)
	b = append(b, '\n')
	b = append(b, records.EncodeCommitUser(user, when)...)
	return b
}

// ReplaceStagingAreaWithCommit clears stageEnv's column-schema, sample-ref,
// and metadata-ref records and repopulates it from commit c's mounted
// snapshot. Used both when a checkout first bootstraps its stage from a
// branch head and by package staging's hard-reset path (spec §4.5).
func ReplaceStagingAreaWithCommit(refTx *kv.Txn, stageEnv *kv.Environment, c digest.Digest) error {
	schemas, err := ColumnSchemas(refTx, c)
	if err != nil {
		return err
	}
	refs, err := Refs(refTx, c)
	if err != nil {
		return err
	}
	metaRefs, err := MetaRefs(refTx, c)
	if err != nil {
		return err
	}

	return stageEnv.Update(func(tx *kv.Txn) error {
		b := tx.Bucket(kv.RootBucket())

		var stale [][]byte
		if err := b.ForEach(func(key, _ []byte) error {
			cp := make([]byte, len(key))
			copy(cp, key)
			stale = append(stale, cp)
			return nil
		}); err != nil {
			return err
		}
		for _, key := range stale {
			if err := b.Delete(key); err != nil {
				return err
			}
		}

		for column, d := range schemas {
			if err := b.Put(records.ColumnSchemaKey(column), []byte(d.String())); err != nil {
				return err
			}
		}
		for _, r := range refs {
			if err := b.Put(records.RefKey(r.Column, r.Key, r.Subkey), []byte(r.Digest.String())); err != nil {
				return err
			}
		}
		for _, m := range metaRefs {
			if err := b.Put(records.MetaRefKey(m.Key), []byte(m.Digest.String())); err != nil {
				return err
			}
		}
		return nil
	})
}
