// Package checkout implements Hangar's checkout lifecycle (spec §4.7): a
// Writer bound to the repository's single staging area under the
// exclusive writer lock, and any number of Readers bound to one
// immutable commit's snapshot. Both types are thin orchestrators over
// packages heads, commit, staging, column, and metadata — this package
// owns none of the on-disk record formats itself, only the sequencing
// spec §4.7 and SPEC_FULL's commit/reset ordering require: close every
// outstanding column handle before a commit or reset lands, and hand out
// fresh ones afterward rather than letting a caller keep using a handle
// whose backing ref snapshot just changed underneath it.
package checkout

import (
	"sort"
	"time"

	"github.com/hangar-io/hangar/column"
	"github.com/hangar-io/hangar/commit"
	"github.com/hangar-io/hangar/digest"
	"github.com/hangar-io/hangar/errcode"
	"github.com/hangar-io/hangar/heads"
	"github.com/hangar-io/hangar/kv"
	"github.com/hangar-io/hangar/metadata"
	"github.com/hangar-io/hangar/staging"
)

// Writer is a single-writer checkout bound to the repository's one
// staging area. Only one Writer may be open at a time across an entire
// repository (spec I7); OpenWriter fails with errcode.LockHeld if
// another writer already holds the lock.
type Writer struct {
	branchEnv, refEnv, stageEnv, hashEnv, labelEnv, stageHashEnv *kv.Environment
	storeDir, stageDir                                           string

	token  string
	closed bool

	columns map[string]*column.Handle
}

// OpenWriter acquires the repository's writer lock and bootstraps (or
// reuses) the staging area against branch:
//
//   - first writer ever opened against this repository: branch becomes
//     the staging base and the stage is populated from its head commit.
//   - reopening against the staging area's current base: the stage is
//     used as-is, uncommitted work and all.
//   - reopening against a different branch while CLEAN: the stage is
//     silently replaced with the new branch's head and the staging base
//     switches to it (SPEC_FULL §4.x).
//   - reopening against a different branch while DIRTY: fails with
//     errcode.DirtySwitch rather than discard uncommitted work.
func OpenWriter(branchEnv, refEnv, stageEnv, hashEnv, labelEnv, stageHashEnv *kv.Environment, storeDir, stageDir, branch string) (*Writer, error) {
	token, err := heads.AcquireWriterLock(branchEnv)
	if err != nil {
		return nil, err
	}
	if err := bootstrapOrSwitch(branchEnv, refEnv, stageEnv, branch); err != nil {
		heads.ReleaseWriterLock(branchEnv, token)
		return nil, err
	}
	return &Writer{
		branchEnv: branchEnv, refEnv: refEnv, stageEnv: stageEnv,
		hashEnv: hashEnv, labelEnv: labelEnv, stageHashEnv: stageHashEnv,
		storeDir: storeDir, stageDir: stageDir,
		token:   token,
		columns: map[string]*column.Handle{},
	}, nil
}

func bootstrapOrSwitch(branchEnv, refEnv, stageEnv *kv.Environment, branch string) error {
	var base string
	var baseSet bool
	if err := branchEnv.View(func(tx *kv.Txn) error {
		b, err := heads.StagingBase(tx)
		if err != nil {
			if errcode.Is(err, errcode.NotFound) {
				return nil
			}
			return err
		}
		base, baseSet = b, true
		return nil
	}); err != nil {
		return err
	}

	if !baseSet {
		if err := replaceStageFrom(branchEnv, refEnv, stageEnv, branch); err != nil {
			return err
		}
		return branchEnv.Update(func(tx *kv.Txn) error {
			return heads.SetStagingBase(tx, branch)
		})
	}

	if base == branch {
		return nil
	}

	status, err := staging.ComputeStatus(branchEnv, refEnv, stageEnv)
	if err != nil {
		return err
	}
	if status == staging.Dirty {
		return errcode.New(errcode.DirtySwitch, "checkout: staging area is dirty against branch %q, refusing to switch to %q", base, branch)
	}

	if err := replaceStageFrom(branchEnv, refEnv, stageEnv, branch); err != nil {
		return err
	}
	return branchEnv.Update(func(tx *kv.Txn) error {
		return heads.SetStagingBase(tx, branch)
	})
}

func replaceStageFrom(branchEnv, refEnv, stageEnv *kv.Environment, branch string) error {
	var head digest.Digest
	if err := branchEnv.View(func(tx *kv.Txn) error {
		var err error
		head, err = heads.Head(tx, branch)
		return err
	}); err != nil {
		return err
	}
	return refEnv.View(func(tx *kv.Txn) error {
		return commit.ReplaceStagingAreaWithCommit(tx, stageEnv, head)
	})
}

func (w *Writer) verifyLock() error {
	if w.closed {
		return errcode.New(errcode.Closed, "checkout: writer is closed")
	}
	return w.branchEnv.View(func(tx *kv.Txn) error {
		return heads.VerifyWriterLock(tx, w.token)
	})
}

// Columns returns every column name currently declared in the staging
// area, sorted.
func (w *Writer) Columns() ([]string, error) {
	return column.ListColumns(w.stageEnv)
}

// CreateNDArrayColumn declares a new numeric column.
func (w *Writer) CreateNDArrayColumn(name, dtype string, shape []int64, variableShape, containsSubsamples bool, backendCode, backendOpts string) error {
	if err := w.verifyLock(); err != nil {
		return err
	}
	return column.CreateNDArrayColumn(w.hashEnv, w.stageEnv, name, dtype, shape, variableShape, containsSubsamples, backendCode, backendOpts)
}

// CreateStrColumn declares a new string column.
func (w *Writer) CreateStrColumn(name string, containsSubsamples bool, backendCode string) error {
	if err := w.verifyLock(); err != nil {
		return err
	}
	return column.CreateStrColumn(w.hashEnv, w.stageEnv, name, containsSubsamples, backendCode)
}

// Column returns a writable handle for name, opening and caching one if
// this Writer hasn't already. The returned handle stays valid until the
// next Commit, Reset, or Close.
func (w *Writer) Column(name string) (*column.Handle, error) {
	if err := w.verifyLock(); err != nil {
		return nil, err
	}
	if h, ok := w.columns[name]; ok {
		return h, nil
	}
	h, err := column.OpenWriter(w.hashEnv, w.stageEnv, w.stageHashEnv, w.storeDir, w.stageDir, name)
	if err != nil {
		return nil, err
	}
	w.columns[name] = h
	return h, nil
}

// GetMetadata reads a metadata value from the staging area.
func (w *Writer) GetMetadata(key string) (string, error) {
	return metadata.Get(w.labelEnv, w.stageEnv, key)
}

// SetMetadata writes a metadata value to the staging area.
func (w *Writer) SetMetadata(key, value string) error {
	if err := w.verifyLock(); err != nil {
		return err
	}
	return metadata.Set(w.labelEnv, w.stageEnv, key, value)
}

// DeleteMetadata removes a metadata key from the staging area.
func (w *Writer) DeleteMetadata(key string) error {
	if err := w.verifyLock(); err != nil {
		return err
	}
	return metadata.Delete(w.stageEnv, key)
}

// MetadataKeys lists every metadata key currently staged.
func (w *Writer) MetadataKeys() ([]string, error) {
	return metadata.Keys(w.stageEnv)
}

func (w *Writer) closeColumns() error {
	var firstErr error
	for name, h := range w.columns {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(w.columns, name)
	}
	return firstErr
}

// Commit closes every outstanding column handle, then commits the
// staging area (spec §4.5), advancing the staging-base branch's head.
func (w *Writer) Commit(message, user string, when time.Time) (digest.Digest, error) {
	if err := w.verifyLock(); err != nil {
		return "", err
	}
	if err := w.closeColumns(); err != nil {
		return "", err
	}
	return staging.Commit(w.branchEnv, w.refEnv, w.stageEnv, w.hashEnv, w.stageHashEnv, w.storeDir, w.stageDir, message, user, when)
}

// Reset closes every outstanding column handle, then discards the
// staging area's uncommitted work back to the staging-base branch's
// head (spec §4.5).
func (w *Writer) Reset() error {
	if err := w.verifyLock(); err != nil {
		return err
	}
	if err := w.closeColumns(); err != nil {
		return err
	}
	return staging.Reset(w.branchEnv, w.refEnv, w.stageEnv, w.hashEnv, w.stageHashEnv, w.storeDir, w.stageDir)
}

// Close releases every outstanding column handle and the writer lock.
// Safe to call more than once.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	closeErr := w.closeColumns()
	lockErr := heads.ReleaseWriterLock(w.branchEnv, w.token)
	if closeErr != nil {
		return closeErr
	}
	return lockErr
}

// Reader is a read-only checkout bound to one commit's immutable
// snapshot. No lock is taken: any number of Readers, and a concurrent
// Writer, may be open at once.
type Reader struct {
	hashEnv, labelEnv  *kv.Environment
	storeDir, stageDir string
	commitDigest       digest.Digest

	schemas      map[string]digest.Digest
	refsByColumn map[string][]column.Ref
	metaRefs     []metadata.Ref

	closed  bool
	columns map[string]*column.Handle
}

// OpenReader reads commit c's full snapshot once and returns a Reader
// over it.
func OpenReader(refEnv, hashEnv, labelEnv *kv.Environment, storeDir, stageDir string, c digest.Digest) (*Reader, error) {
	var schemas map[string]digest.Digest
	var refs []commit.RefEntry
	var metaRefs []commit.MetaRefEntry
	if err := refEnv.View(func(tx *kv.Txn) error {
		var err error
		schemas, err = commit.ColumnSchemas(tx, c)
		if err != nil {
			return err
		}
		refs, err = commit.Refs(tx, c)
		if err != nil {
			return err
		}
		metaRefs, err = commit.MetaRefs(tx, c)
		return err
	}); err != nil {
		return nil, err
	}

	refsByColumn := map[string][]column.Ref{}
	for _, r := range refs {
		refsByColumn[r.Column] = append(refsByColumn[r.Column], column.Ref{Key: r.Key, Subkey: r.Subkey, Digest: r.Digest})
	}
	metaRefsOut := make([]metadata.Ref, len(metaRefs))
	for i, m := range metaRefs {
		metaRefsOut[i] = metadata.Ref{Key: m.Key, Digest: m.Digest}
	}

	return &Reader{
		hashEnv: hashEnv, labelEnv: labelEnv,
		storeDir: storeDir, stageDir: stageDir, commitDigest: c,
		schemas: schemas, refsByColumn: refsByColumn, metaRefs: metaRefsOut,
		columns: map[string]*column.Handle{},
	}, nil
}

// OpenReaderAtBranch opens a Reader against branch's current head commit.
func OpenReaderAtBranch(branchEnv, refEnv, hashEnv, labelEnv *kv.Environment, storeDir, stageDir, branch string) (*Reader, error) {
	var head digest.Digest
	if err := branchEnv.View(func(tx *kv.Txn) error {
		var err error
		head, err = heads.Head(tx, branch)
		return err
	}); err != nil {
		return nil, err
	}
	return OpenReader(refEnv, hashEnv, labelEnv, storeDir, stageDir, head)
}

// Commit returns the commit digest this Reader is scoped to.
func (r *Reader) Commit() digest.Digest { return r.commitDigest }

// Columns returns every column name present in this commit's snapshot,
// sorted.
func (r *Reader) Columns() []string {
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Reader) checkOpen() error {
	if r.closed {
		return errcode.New(errcode.Closed, "checkout: reader is closed")
	}
	return nil
}

// Column returns a read-only handle for name, opening and caching one if
// this Reader hasn't already.
func (r *Reader) Column(name string) (*column.Handle, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if h, ok := r.columns[name]; ok {
		return h, nil
	}
	schemaDigest, ok := r.schemas[name]
	if !ok {
		return nil, errcode.New(errcode.NotFound, "checkout: column %q not found in commit %s", name, r.commitDigest)
	}
	h, err := column.OpenReader(r.hashEnv, r.storeDir, r.stageDir, name, schemaDigest, r.refsByColumn[name])
	if err != nil {
		return nil, err
	}
	r.columns[name] = h
	return h, nil
}

// GetMetadata resolves a metadata key against this commit's snapshot.
func (r *Reader) GetMetadata(key string) (string, error) {
	if err := r.checkOpen(); err != nil {
		return "", err
	}
	return metadata.GetAt(r.labelEnv, r.metaRefs, key)
}

// MetadataKeys lists every metadata key present in this commit's
// snapshot, sorted.
func (r *Reader) MetadataKeys() []string {
	return metadata.KeysAt(r.metaRefs)
}

// Close releases every outstanding column handle. Safe to call more than
// once.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	for name, h := range r.columns {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.columns, name)
	}
	return firstErr
}
