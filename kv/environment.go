// Package kv provides the embedded ordered key-value "environments" that
// back Hangar's branch, reference, staging, and hash records.
//
// Each environment (branchenv, refenv, stageenv, hashenv, labelenv,
// stagehashenv — see spec §4.1) is a single bbolt database file holding one
// or more named top-level buckets. bbolt gives each environment its own
// single-writer/multi-reader transaction model natively, which is the
// closest available analogue in the pack to the original implementation's
// LMDB environments: a single-file B+tree with MVCC readers, rather than
// badger's LSM engine (declined, see DESIGN.md).
//
// Bucket layout follows containerd's metadata store convention of a
// version-prefixed root bucket with nested object buckets, collapsed here
// to the scale Hangar actually needs: each Environment opens one or more
// named root buckets up front, and callers address records within a root
// bucket using flat, prefix-structured keys (see package records).
package kv

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Environment wraps a single bbolt database file and the fixed set of root
// buckets it is expected to hold. Root buckets are created on Open if
// absent, mirroring the teacher's storage driver factories which validate
// their backing store is usable before handing out a handle.
type Environment struct {
	db      *bolt.DB
	path    string
	buckets []string
}

// Options configures environment construction. A zero Options is valid and
// selects conservative defaults.
type Options struct {
	// Timeout bounds how long Open waits to acquire the bbolt file lock
	// before giving up, guarding against a stale lock from a crashed
	// process hanging the caller forever.
	Timeout time.Duration

	// ReadOnly opens the environment without creating the file or any
	// missing buckets, for inspection of a repository the caller does not
	// intend to mutate (e.g. a read-only integrity scan).
	ReadOnly bool
}

// Open opens (creating if necessary) the bbolt file at path and ensures
// every bucket in buckets exists as a top-level root bucket.
func Open(path string, buckets []string, opts Options) (*Environment, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{
		Timeout:  timeout,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}
	env := &Environment{db: db, path: path, buckets: buckets}
	if !opts.ReadOnly {
		if err := env.db.Update(func(tx *bolt.Tx) error {
			for _, name := range buckets {
				if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
					return fmt.Errorf("kv: create bucket %q: %w", name, err)
				}
			}
			return nil
		}); err != nil {
			db.Close()
			return nil, err
		}
	}
	return env, nil
}

// Path returns the filesystem path backing the environment.
func (e *Environment) Path() string { return e.path }

// Close releases the environment's file handle. Closing twice is an error,
// matching bbolt's own semantics.
func (e *Environment) Close() error {
	return e.db.Close()
}

// View runs fn in a read-only transaction. Multiple readers may run
// concurrently with each other and with a single in-flight writer.
func (e *Environment) View(fn func(*Txn) error) error {
	return e.db.View(func(tx *bolt.Tx) error {
		return fn(&Txn{tx: tx})
	})
}

// Update runs fn in a read-write transaction. bbolt serializes all writers
// on a single environment, so two Update calls never interleave. Keeping a
// second writer checkout out of stageenv/hashenv is done by the writer
// lock in branchenv (heads.AcquireWriterLock), not by this serialization.
func (e *Environment) Update(fn func(*Txn) error) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return fn(&Txn{tx: tx})
	})
}

// Txn scopes a single bbolt transaction to the buckets an Environment
// declared at Open time.
type Txn struct {
	tx *bolt.Tx
}

// Bucket returns the named root bucket, or nil if it was never declared
// (or this is a read-only transaction against a file where it didn't yet
// exist). Callers within this module always pass a name given to Open, so
// a nil return indicates programmer error, not a legitimate empty state.
func (t *Txn) Bucket(name string) *Bucket {
	b := t.tx.Bucket([]byte(name))
	if b == nil {
		return nil
	}
	return &Bucket{b: b}
}

// Writable reports whether this transaction permits mutation.
func (t *Txn) Writable() bool { return t.tx.Writable() }

// Bucket is a thin wrapper over a bbolt bucket, narrowing its API to the
// operations Hangar's record layer needs.
type Bucket struct {
	b *bolt.Bucket
}

// Get returns the value stored under key, or nil if absent. The returned
// slice is only valid for the lifetime of the enclosing transaction; callers
// that need to retain it must copy.
func (b *Bucket) Get(key []byte) []byte {
	return b.b.Get(key)
}

// Put stores value under key, overwriting any existing value.
func (b *Bucket) Put(key, value []byte) error {
	return b.b.Put(key, value)
}

// Delete removes key. Deleting an absent key is a no-op, matching bbolt.
func (b *Bucket) Delete(key []byte) error {
	return b.b.Delete(key)
}

// ForEachPrefix calls fn for every key with the given prefix, in sorted
// key order, stopping early if fn returns an error. Used throughout the
// record layer for prefix-scoped scans (e.g. all data-ref keys for one
// column).
func (b *Bucket) ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error {
	c := b.b.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ForEach calls fn for every key in the bucket, in sorted key order.
func (b *Bucket) ForEach(fn func(key, value []byte) error) error {
	return b.b.ForEach(fn)
}

// Stats reports the number of key/value pairs currently stored.
func (b *Bucket) Stats() int {
	return b.b.Stats().KeyN
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
