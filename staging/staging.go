// Package staging implements Hangar's Staging Area (spec §4.5): the
// CLEAN/DIRTY status test comparing stageenv against the staging-base
// branch's head commit, and the commit/hard-reset paths' bookkeeping over
// hashenv, stagehashenv, and backend payload files.
//
// Backend file-handle lifecycle and column/metadata facade rebuilding
// belong to whichever checkout currently holds the writer lock (package
// checkout), not to this package: CollectGarbage and the Commit/Reset
// helpers here assume handles are already closed, mirroring the
// teacher's storage driver factories, which never assume a driver
// instance outlives the operation that created it.
package staging

import (
	"time"

	"github.com/hangar-io/hangar/backend"
	"github.com/hangar-io/hangar/commit"
	"github.com/hangar-io/hangar/digest"
	"github.com/hangar-io/hangar/errcode"
	"github.com/hangar-io/hangar/heads"
	"github.com/hangar-io/hangar/kv"
	"github.com/hangar-io/hangar/records"
)

// Status is the staging area's CLEAN/DIRTY state (spec §4.5).
type Status int

const (
	Clean Status = iota
	Dirty
)

func (s Status) String() string {
	if s == Clean {
		return "CLEAN"
	}
	return "DIRTY"
}

// ComputeStatus implements spec §4.5's test: CLEAN iff stageenv's
// computed snapshot digest equals the staging base branch's head
// commit's RefsDigest.
func ComputeStatus(branchEnv, refEnv, stageEnv *kv.Environment) (Status, error) {
	var base string
	if err := branchEnv.View(func(tx *kv.Txn) error {
		var err error
		base, err = heads.StagingBase(tx)
		return err
	}); err != nil {
		return Dirty, err
	}

	var headCommit digest.Digest
	if err := branchEnv.View(func(tx *kv.Txn) error {
		var err error
		headCommit, err = heads.Head(tx, base)
		return err
	}); err != nil {
		return Dirty, err
	}

	var headRefsDigest digest.Digest
	if err := refEnv.View(func(tx *kv.Txn) error {
		info, err := commit.GetInfo(tx, headCommit)
		if err != nil {
			return err
		}
		headRefsDigest = info.RefsDigest
		return nil
	}); err != nil {
		return Dirty, err
	}

	var schemas map[string]digest.Digest
	var refs []commit.RefEntry
	var metaRefs []commit.MetaRefEntry
	if err := stageEnv.View(func(tx *kv.Txn) error {
		var err error
		schemas, refs, metaRefs, err = commit.ReadStagedSnapshot(tx)
		return err
	}); err != nil {
		return Dirty, err
	}

	if commit.SnapshotDigest(schemas, refs, metaRefs) == headRefsDigest {
		return Clean, nil
	}
	return Dirty, nil
}

// MarkStaged records that digest d's payload was written during the
// current staging session, for CollectGarbage to later consider it
// eligible for removal if it ends up unreferenced. Called by package
// column immediately after a new digest's payload is first written.
func MarkStaged(stageHashEnv *kv.Environment, d digest.Digest) error {
	return stageHashEnv.Update(func(tx *kv.Txn) error {
		return tx.Bucket(kv.RootBucket()).Put(records.StagedDigestKey(d), []byte{})
	})
}

// CollectGarbage removes every digest recorded in stageHashEnv that is no
// longer referenced by any ref currently in stageEnv (e.g. because a
// sample was overwritten before the stage was committed): its hashenv
// spec row, its stagehashenv marker, and — for local backends — its
// on-disk payload (spec §4.5, "remove unused staged ... files").
//
// Backend accessors are pooled one per distinct code, mirroring the
// integrity verifier's array-integrity pass (spec §4.x), and are all
// closed before CollectGarbage returns.
func CollectGarbage(hashEnv, stageHashEnv, stageEnv *kv.Environment, storeDir, stageDir string) error {
	referenced := map[digest.Digest]bool{}
	if err := stageEnv.View(func(tx *kv.Txn) error {
		_, refs, metaRefs, err := commit.ReadStagedSnapshot(tx)
		if err != nil {
			return err
		}
		for _, r := range refs {
			referenced[r.Digest] = true
		}
		for _, m := range metaRefs {
			referenced[m.Digest] = true
		}
		return nil
	}); err != nil {
		return err
	}

	var staged []digest.Digest
	if err := stageHashEnv.View(func(tx *kv.Txn) error {
		b := tx.Bucket(kv.RootBucket())
		return b.ForEachPrefix(records.StagedDigestPrefix(), func(key, _ []byte) error {
			d, ok := records.ParseStagedDigestKey(key)
			if !ok {
				return errcode.New(errcode.Corruption, "staging: malformed staged-digest key %q", key)
			}
			staged = append(staged, d)
			return nil
		})
	}); err != nil {
		return err
	}

	var orphaned []digest.Digest
	for _, d := range staged {
		if !referenced[d] {
			orphaned = append(orphaned, d)
		}
	}
	if len(orphaned) == 0 {
		return nil
	}

	opened := map[string]backend.Backend{}
	defer func() {
		for _, be := range opened {
			be.Close()
		}
	}()

	for _, d := range orphaned {
		var specRaw []byte
		if err := hashEnv.View(func(tx *kv.Txn) error {
			specRaw = tx.Bucket(kv.RootBucket()).Get(records.DataHashKey(d))
			return nil
		}); err != nil {
			return err
		}
		if specRaw == nil {
			continue // already gone; nothing left to garbage-collect for d
		}

		code, isLocal, payload, err := records.DecodeSpecEnvelope(specRaw)
		if err != nil {
			return errcode.Wrap(errcode.Corruption, err)
		}
		if isLocal {
			be, ok := opened[code]
			if !ok {
				be, err = backend.Create(code)
				if err != nil {
					return err
				}
				if err := be.Open(backend.ModeAppend, storeDir, stageDir); err != nil {
					return err
				}
				opened[code] = be
			}
			if err := be.DeleteInProcessData(backend.Spec{Code: code, IsLocal: isLocal, Payload: payload}); err != nil {
				return err
			}
		}

		if err := hashEnv.Update(func(tx *kv.Txn) error {
			return tx.Bucket(kv.RootBucket()).Delete(records.DataHashKey(d))
		}); err != nil {
			return err
		}
		if err := stageHashEnv.Update(func(tx *kv.Txn) error {
			return tx.Bucket(kv.RootBucket()).Delete(records.StagedDigestKey(d))
		}); err != nil {
			return err
		}
	}
	return nil
}

// promoteStaged walks stageEnv's current refs, looking up each digest's
// spec in hashEnv, and calls Promote on any local backend that implements
// backend.LocalPromoter so staged payloads survive into storeDir before
// the next garbage-collection pass might otherwise remove their staged
// copies. Backends that don't implement LocalPromoter (e.g. kvstore,
// which shares one file for staged and committed state) are skipped.
func promoteStaged(hashEnv *kv.Environment, refs []commit.RefEntry, storeDir, stageDir string) error {
	opened := map[string]backend.Backend{}
	defer func() {
		for _, be := range opened {
			be.Close()
		}
	}()

	seen := map[digest.Digest]bool{}
	for _, r := range refs {
		if seen[r.Digest] {
			continue
		}
		seen[r.Digest] = true

		var specRaw []byte
		if err := hashEnv.View(func(tx *kv.Txn) error {
			specRaw = tx.Bucket(kv.RootBucket()).Get(records.DataHashKey(r.Digest))
			return nil
		}); err != nil {
			return err
		}
		if specRaw == nil {
			return errcode.New(errcode.Corruption, "staging: no hashenv spec for staged digest %s", r.Digest)
		}
		code, isLocal, payload, err := records.DecodeSpecEnvelope(specRaw)
		if err != nil {
			return errcode.Wrap(errcode.Corruption, err)
		}
		if !isLocal {
			continue
		}

		be, ok := opened[code]
		if !ok {
			be, err = backend.Create(code)
			if err != nil {
				return err
			}
			if err := be.Open(backend.ModeAppend, storeDir, stageDir); err != nil {
				return err
			}
			opened[code] = be
		}
		promoter, ok := be.(backend.LocalPromoter)
		if !ok {
			continue
		}
		if err := promoter.Promote(backend.Spec{Code: code, IsLocal: isLocal, Payload: payload}, storeDir); err != nil {
			return err
		}
	}
	return nil
}

// Commit implements spec §4.5's commit path: reject if CLEAN; garbage-
// collect unused staged payloads; promote surviving staged payloads into
// storeDir; emit the commit; advance the staging-base branch's head; and
// clear the staged-digest markers, since every payload that was staged
// is now part of committed history. Closing backend file handles before
// this call and rebootstrapping column/metadata facades after it are the
// caller's (package checkout's) responsibility (spec §4.x, "Commit/reset
// ordering").
func Commit(branchEnv, refEnv, stageEnv, hashEnv, stageHashEnv *kv.Environment, storeDir, stageDir, message, user string, when time.Time) (digest.Digest, error) {
	status, err := ComputeStatus(branchEnv, refEnv, stageEnv)
	if err != nil {
		return "", err
	}
	if status == Clean {
		return "", errcode.New(errcode.EmptyCommit, "staging: nothing to commit")
	}

	var base string
	var master digest.Digest
	if err := branchEnv.View(func(tx *kv.Txn) error {
		var err error
		base, err = heads.StagingBase(tx)
		if err != nil {
			return err
		}
		master, err = heads.Head(tx, base)
		return err
	}); err != nil {
		return "", err
	}

	if err := CollectGarbage(hashEnv, stageHashEnv, stageEnv, storeDir, stageDir); err != nil {
		return "", err
	}

	var refs []commit.RefEntry
	if err := stageEnv.View(func(tx *kv.Txn) error {
		var err error
		_, refs, _, err = commit.ReadStagedSnapshot(tx)
		return err
	}); err != nil {
		return "", err
	}
	if err := promoteStaged(hashEnv, refs, storeDir, stageDir); err != nil {
		return "", err
	}

	c, err := commit.CommitRecords(refEnv, stageEnv, master, "", message, user, when)
	if err != nil {
		return "", err
	}

	if err := branchEnv.Update(func(tx *kv.Txn) error {
		return heads.SetHead(tx, base, c)
	}); err != nil {
		return "", err
	}

	if err := purgeStagedDigestMarkers(stageHashEnv); err != nil {
		return "", err
	}
	return c, nil
}

// Reset implements spec §4.5's hard-reset path: reject if CLEAN; remove
// every staged-only hashenv row and its backend payload (unconditionally,
// since reset discards the entire stage rather than only unreferenced
// samples); clear stagehashenv; then replace stageenv's contents with the
// staging-base branch's current head commit. As with Commit, closing
// backend handles beforehand and rebootstrapping facades afterward belong
// to package checkout.
func Reset(branchEnv, refEnv, stageEnv, hashEnv, stageHashEnv *kv.Environment, storeDir, stageDir string) error {
	status, err := ComputeStatus(branchEnv, refEnv, stageEnv)
	if err != nil {
		return err
	}
	if status == Clean {
		return errcode.New(errcode.EmptyCommit, "staging: nothing to reset")
	}

	if err := purgeAllStagedPayloads(hashEnv, stageHashEnv, storeDir, stageDir); err != nil {
		return err
	}

	var base string
	var head digest.Digest
	if err := branchEnv.View(func(tx *kv.Txn) error {
		var err error
		base, err = heads.StagingBase(tx)
		if err != nil {
			return err
		}
		head, err = heads.Head(tx, base)
		return err
	}); err != nil {
		return err
	}

	return refEnv.View(func(tx *kv.Txn) error {
		return commit.ReplaceStagingAreaWithCommit(tx, stageEnv, head)
	})
}

// purgeStagedDigestMarkers clears every stagehashenv row, used after a
// successful commit when every digest that was staged this session is
// now part of committed history and no longer needs tracking.
func purgeStagedDigestMarkers(stageHashEnv *kv.Environment) error {
	var keys [][]byte
	if err := stageHashEnv.View(func(tx *kv.Txn) error {
		return tx.Bucket(kv.RootBucket()).ForEachPrefix(records.StagedDigestPrefix(), func(key, _ []byte) error {
			cp := make([]byte, len(key))
			copy(cp, key)
			keys = append(keys, cp)
			return nil
		})
	}); err != nil {
		return err
	}
	return stageHashEnv.Update(func(tx *kv.Txn) error {
		b := tx.Bucket(kv.RootBucket())
		for _, key := range keys {
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// purgeAllStagedPayloads removes every digest recorded in stageHashEnv
// unconditionally (unlike CollectGarbage, which only removes ones no
// longer referenced by the current stage): used by Reset, which discards
// the entire staging session rather than reconciling it.
func purgeAllStagedPayloads(hashEnv, stageHashEnv *kv.Environment, storeDir, stageDir string) error {
	var staged []digest.Digest
	if err := stageHashEnv.View(func(tx *kv.Txn) error {
		return tx.Bucket(kv.RootBucket()).ForEachPrefix(records.StagedDigestPrefix(), func(key, _ []byte) error {
			d, ok := records.ParseStagedDigestKey(key)
			if !ok {
				return errcode.New(errcode.Corruption, "staging: malformed staged-digest key %q", key)
			}
			staged = append(staged, d)
			return nil
		})
	}); err != nil {
		return err
	}
	if len(staged) == 0 {
		return nil
	}

	opened := map[string]backend.Backend{}
	defer func() {
		for _, be := range opened {
			be.Close()
		}
	}()

	for _, d := range staged {
		var specRaw []byte
		if err := hashEnv.View(func(tx *kv.Txn) error {
			specRaw = tx.Bucket(kv.RootBucket()).Get(records.DataHashKey(d))
			return nil
		}); err != nil {
			return err
		}
		if specRaw != nil {
			code, isLocal, payload, err := records.DecodeSpecEnvelope(specRaw)
			if err != nil {
				return errcode.Wrap(errcode.Corruption, err)
			}
			if isLocal {
				be, ok := opened[code]
				if !ok {
					be, err = backend.Create(code)
					if err != nil {
						return err
					}
					if err := be.Open(backend.ModeAppend, storeDir, stageDir); err != nil {
						return err
					}
					opened[code] = be
				}
				if err := be.DeleteInProcessData(backend.Spec{Code: code, IsLocal: isLocal, Payload: payload}); err != nil {
					return err
				}
			}
			if err := hashEnv.Update(func(tx *kv.Txn) error {
				return tx.Bucket(kv.RootBucket()).Delete(records.DataHashKey(d))
			}); err != nil {
				return err
			}
		}
	}

	return purgeStagedDigestMarkers(stageHashEnv)
}
