package checkout

import (
	"os"
	"testing"
	"time"

	"github.com/hangar-io/hangar/backend"
	_ "github.com/hangar-io/hangar/backend/flatfile"
	"github.com/hangar-io/hangar/errcode"
	"github.com/hangar-io/hangar/heads"
	"github.com/hangar-io/hangar/kv"
	"github.com/hangar-io/hangar/records"
	"github.com/stretchr/testify/require"
)

type envs struct {
	branch, ref, stage, hash, label, stageHash *kv.Environment
	storeDir, stageDir                         string
}

func openEnvs(t *testing.T) envs {
	t.Helper()
	dir := t.TempDir()
	mk := func(name string) *kv.Environment {
		env, err := kv.OpenNamed(dir, name, kv.Options{})
		require.NoError(t, err)
		t.Cleanup(func() { env.Close() })
		return env
	}
	storeDir := dir + "/store"
	stageDir := dir + "/stage"
	require.NoError(t, os.MkdirAll(storeDir, 0o755))
	require.NoError(t, os.MkdirAll(stageDir, 0o755))
	return envs{
		branch: mk(kv.EnvBranch), ref: mk(kv.EnvRef), stage: mk(kv.EnvStage),
		hash: mk(kv.EnvHash), label: mk(kv.EnvLabel), stageHash: mk(kv.EnvStageHash),
		storeDir: storeDir, stageDir: stageDir,
	}
}

// seedBranch creates a branch pointing at no commit yet (the empty
// digest), the minimum heads state a repository needs before any
// checkout can open against it.
func seedBranch(t *testing.T, e envs, name string) {
	t.Helper()
	require.NoError(t, e.branch.Update(func(tx *kv.Txn) error {
		return heads.Create(tx, name, "")
	}))
}

func TestOpenWriterBootstrapsFirstBranch(t *testing.T) {
	e := openEnvs(t)
	seedBranch(t, e, "master")

	w, err := OpenWriter(e.branch, e.ref, e.stage, e.hash, e.label, e.stageHash, e.storeDir, e.stageDir, "master")
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, e.branch.View(func(tx *kv.Txn) error {
		base, err := heads.StagingBase(tx)
		require.NoError(t, err)
		require.Equal(t, "master", base)
		return nil
	}))
}

func TestOpenWriterFailsWhenLockHeld(t *testing.T) {
	e := openEnvs(t)
	seedBranch(t, e, "master")

	w1, err := OpenWriter(e.branch, e.ref, e.stage, e.hash, e.label, e.stageHash, e.storeDir, e.stageDir, "master")
	require.NoError(t, err)
	defer w1.Close()

	_, err = OpenWriter(e.branch, e.ref, e.stage, e.hash, e.label, e.stageHash, e.storeDir, e.stageDir, "master")
	require.Error(t, err)
	require.True(t, errcode.Is(err, errcode.LockHeld))
}

func TestWriterColumnCreateSetCommit(t *testing.T) {
	e := openEnvs(t)
	seedBranch(t, e, "master")

	w, err := OpenWriter(e.branch, e.ref, e.stage, e.hash, e.label, e.stageHash, e.storeDir, e.stageDir, "master")
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.CreateNDArrayColumn("images", "uint8", []int64{4}, false, false, "10", ""))

	col, err := w.Column("images")
	require.NoError(t, err)
	require.NoError(t, col.Set(records.NewStrKey("a"), nil, backend.Array{DType: "uint8", Shape: []int64{4}, Data: []byte{1, 2, 3, 4}}))

	require.NoError(t, w.SetMetadata("license", "CC0"))

	c, err := w.Commit("first", "alice", time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.NotEmpty(t, c)

	require.NoError(t, e.branch.View(func(tx *kv.Txn) error {
		head, err := heads.Head(tx, "master")
		require.NoError(t, err)
		require.Equal(t, c, head)
		return nil
	}))
}

func TestWriterResetDiscardsUncommittedColumn(t *testing.T) {
	e := openEnvs(t)
	seedBranch(t, e, "master")

	w, err := OpenWriter(e.branch, e.ref, e.stage, e.hash, e.label, e.stageHash, e.storeDir, e.stageDir, "master")
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.CreateNDArrayColumn("images", "uint8", []int64{4}, false, false, "10", ""))
	col, err := w.Column("images")
	require.NoError(t, err)
	require.NoError(t, col.Set(records.NewStrKey("a"), nil, backend.Array{DType: "uint8", Shape: []int64{4}, Data: []byte{1, 2, 3, 4}}))
	_, err = w.Commit("seed", "alice", time.Unix(1700000000, 0))
	require.NoError(t, err)

	col2, err := w.Column("images")
	require.NoError(t, err)
	require.NoError(t, col2.Set(records.NewStrKey("b"), nil, backend.Array{DType: "uint8", Shape: []int64{4}, Data: []byte{5, 6, 7, 8}}))

	require.NoError(t, w.Reset())

	col3, err := w.Column("images")
	require.NoError(t, err)
	n, err := col3.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestOpenWriterSwitchesCleanStageSilently(t *testing.T) {
	e := openEnvs(t)
	seedBranch(t, e, "master")

	w, err := OpenWriter(e.branch, e.ref, e.stage, e.hash, e.label, e.stageHash, e.storeDir, e.stageDir, "master")
	require.NoError(t, err)
	require.NoError(t, w.CreateNDArrayColumn("images", "uint8", []int64{4}, false, false, "10", ""))
	col, err := w.Column("images")
	require.NoError(t, err)
	require.NoError(t, col.Set(records.NewStrKey("a"), nil, backend.Array{DType: "uint8", Shape: []int64{4}, Data: []byte{1, 2, 3, 4}}))
	_, err = w.Commit("seed", "alice", time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, e.branch.Update(func(tx *kv.Txn) error {
		return heads.Create(tx, "dev", "")
	}))

	w2, err := OpenWriter(e.branch, e.ref, e.stage, e.hash, e.label, e.stageHash, e.storeDir, e.stageDir, "dev")
	require.NoError(t, err)
	defer w2.Close()

	require.NoError(t, e.branch.View(func(tx *kv.Txn) error {
		base, err := heads.StagingBase(tx)
		require.NoError(t, err)
		require.Equal(t, "dev", base)
		return nil
	}))
}

func TestOpenWriterRejectsDirtySwitch(t *testing.T) {
	e := openEnvs(t)
	seedBranch(t, e, "master")
	require.NoError(t, e.branch.Update(func(tx *kv.Txn) error {
		return heads.Create(tx, "dev", "")
	}))

	w, err := OpenWriter(e.branch, e.ref, e.stage, e.hash, e.label, e.stageHash, e.storeDir, e.stageDir, "master")
	require.NoError(t, err)
	require.NoError(t, w.CreateNDArrayColumn("images", "uint8", []int64{4}, false, false, "10", ""))
	col, err := w.Column("images")
	require.NoError(t, err)
	require.NoError(t, col.Set(records.NewStrKey("a"), nil, backend.Array{DType: "uint8", Shape: []int64{4}, Data: []byte{1, 2, 3, 4}}))
	require.NoError(t, w.Close())

	_, err = OpenWriter(e.branch, e.ref, e.stage, e.hash, e.label, e.stageHash, e.storeDir, e.stageDir, "dev")
	require.Error(t, err)
	require.True(t, errcode.Is(err, errcode.DirtySwitch))
}

func TestReaderReadsCommittedSnapshot(t *testing.T) {
	e := openEnvs(t)
	seedBranch(t, e, "master")

	w, err := OpenWriter(e.branch, e.ref, e.stage, e.hash, e.label, e.stageHash, e.storeDir, e.stageDir, "master")
	require.NoError(t, err)
	require.NoError(t, w.CreateNDArrayColumn("images", "uint8", []int64{4}, false, false, "10", ""))
	col, err := w.Column("images")
	require.NoError(t, err)
	val := backend.Array{DType: "uint8", Shape: []int64{4}, Data: []byte{1, 2, 3, 4}}
	require.NoError(t, col.Set(records.NewStrKey("a"), nil, val))
	require.NoError(t, w.SetMetadata("license", "CC0"))
	_, err = w.Commit("seed", "alice", time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := OpenReaderAtBranch(e.branch, e.ref, e.hash, e.label, e.storeDir, e.stageDir, "master")
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, []string{"images"}, r.Columns())

	rc, err := r.Column("images")
	require.NoError(t, err)
	got, err := rc.Get(records.NewStrKey("a"), nil)
	require.NoError(t, err)
	require.Equal(t, val, got)

	v, err := r.GetMetadata("license")
	require.NoError(t, err)
	require.Equal(t, "CC0", v)
}

func TestReaderClosedRejectsOps(t *testing.T) {
	e := openEnvs(t)
	seedBranch(t, e, "master")
	w, err := OpenWriter(e.branch, e.ref, e.stage, e.hash, e.label, e.stageHash, e.storeDir, e.stageDir, "master")
	require.NoError(t, err)
	require.NoError(t, w.CreateNDArrayColumn("images", "uint8", []int64{4}, false, false, "10", ""))
	col, err := w.Column("images")
	require.NoError(t, err)
	require.NoError(t, col.Set(records.NewStrKey("a"), nil, backend.Array{DType: "uint8", Shape: []int64{4}, Data: []byte{1, 2, 3, 4}}))
	_, err = w.Commit("seed", "alice", time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := OpenReaderAtBranch(e.branch, e.ref, e.hash, e.label, e.storeDir, e.stageDir, "master")
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.Column("images")
	require.Error(t, err)
	require.True(t, errcode.Is(err, errcode.Closed))
}
