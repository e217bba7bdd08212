// Package heads implements Hangar's Branch/Head Manager: the mapping from
// branch name to head commit digest, the identity of the staging-base
// branch, and the repository-wide writer lock, all persisted in the
// branchenv environment (spec §4, "Branch/Head Manager"; spec §3,
// "Writer lock").
package heads

import (
	"sort"

	"github.com/hangar-io/hangar/digest"
	"github.com/hangar-io/hangar/errcode"
	"github.com/hangar-io/hangar/internal/uuid"
	"github.com/hangar-io/hangar/kv"
	"github.com/hangar-io/hangar/records"
)

// ListBranches returns every known branch name, sorted for determinism.
func ListBranches(tx *kv.Txn) ([]string, error) {
	b := tx.Bucket(kv.RootBucket())
	var names []string
	err := b.ForEachPrefix(records.BranchHeadPrefix(), func(key, _ []byte) error {
		name, ok := records.ParseBranchHeadKey(key)
		if !ok {
			return errcode.New(errcode.Corruption, "heads: malformed branch key %q", key)
		}
		names = append(names, name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Head returns the commit digest a branch currently points at.
func Head(tx *kv.Txn, name string) (digest.Digest, error) {
	v := tx.Bucket(kv.RootBucket()).Get(records.BranchHeadKey(name))
	if v == nil {
		return "", errcode.New(errcode.NotFound, "heads: branch %q does not exist", name)
	}
	return digest.Digest(v), nil
}

// Exists reports whether a branch with the given name has been created.
func Exists(tx *kv.Txn, name string) bool {
	return tx.Bucket(kv.RootBucket()).Get(records.BranchHeadKey(name)) != nil
}

// Create installs a new branch pointing at commit. It fails with
// invalid-arg if the branch already exists; use SetHead to move an
// existing branch's head.
func Create(tx *kv.Txn, name string, commit digest.Digest) error {
	if Exists(tx, name) {
		return errcode.New(errcode.InvalidArg, "heads: branch %q already exists", name)
	}
	return SetHead(tx, name, commit)
}

// SetHead moves name's head to commit, creating the branch if absent.
func SetHead(tx *kv.Txn, name string, commit digest.Digest) error {
	return tx.Bucket(kv.RootBucket()).Put(records.BranchHeadKey(name), []byte(commit.String()))
}

// StagingBase returns the name of the branch the staging area currently
// tracks (spec I6: this name must name an existing branch).
func StagingBase(tx *kv.Txn) (string, error) {
	v := tx.Bucket(kv.RootBucket()).Get(records.StagingBaseKey())
	if v == nil {
		return "", errcode.New(errcode.NotFound, "heads: no staging base branch recorded")
	}
	return string(v), nil
}

// SetStagingBase records name as the branch the staging area tracks.
func SetStagingBase(tx *kv.Txn, name string) error {
	return tx.Bucket(kv.RootBucket()).Put(records.StagingBaseKey(), []byte(name))
}

// AcquireWriterLock mints a fresh opaque token, installs it as the
// branchenv's singleton writer-lock record if currently free, and returns
// it. Fails with lock-held if another writer already holds the lock
// (spec I7, Scenario C).
func AcquireWriterLock(env *kv.Environment) (string, error) {
	token := uuid.NewString()
	err := env.Update(func(tx *kv.Txn) error {
		current := tx.Bucket(kv.RootBucket()).Get(records.WriterLockKey())
		if !records.IsWriterLockFree(current) {
			return errcode.New(errcode.LockHeld, "heads: writer lock already held")
		}
		return tx.Bucket(kv.RootBucket()).Put(records.WriterLockKey(), []byte(token))
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// ReleaseWriterLock clears the writer lock, but only if token matches the
// currently stored holder; a stale token is rejected rather than silently
// freeing a lock another writer now holds.
func ReleaseWriterLock(env *kv.Environment, token string) error {
	return env.Update(func(tx *kv.Txn) error {
		current := tx.Bucket(kv.RootBucket()).Get(records.WriterLockKey())
		if string(current) != token {
			return errcode.New(errcode.LockHeld, "heads: cannot release writer lock: token mismatch")
		}
		return tx.Bucket(kv.RootBucket()).Put(records.WriterLockKey(), records.EncodeWriterLockFree())
	})
}

// VerifyWriterLock confirms token still matches the stored holder. Every
// write operation on a writer checkout calls this before mutating state
// (spec §4.7), so that a checkout whose lock was released (or stolen)
// fails immediately rather than writing under a stale assumption of
// exclusivity (spec I7).
func VerifyWriterLock(tx *kv.Txn, token string) error {
	current := tx.Bucket(kv.RootBucket()).Get(records.WriterLockKey())
	if string(current) != token {
		return errcode.New(errcode.LockHeld, "heads: writer lock token is stale")
	}
	return nil
}
