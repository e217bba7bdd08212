package staging

import (
	"os"
	"testing"
	"time"

	"github.com/hangar-io/hangar/backend"
	_ "github.com/hangar-io/hangar/backend/flatfile"
	"github.com/hangar-io/hangar/commit"
	"github.com/hangar-io/hangar/digest"
	"github.com/hangar-io/hangar/errcode"
	"github.com/hangar-io/hangar/heads"
	"github.com/hangar-io/hangar/kv"
	"github.com/hangar-io/hangar/records"
	"github.com/stretchr/testify/require"
)

type envs struct {
	branch, ref, stage, hash, stageHash *kv.Environment
	storeDir, stageDir                  string
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
		branch:    mk(kv.EnvBranch),
		ref:       mk(kv.EnvRef),
		stage:     mk(kv.EnvStage),
		hash:      mk(kv.EnvHash),
		stageHash: mk(kv.EnvStageHash),
		storeDir:  storeDir,
		stageDir:  stageDir,
	}
}

// writeSample writes one array through the flatfile backend, stores its
// hashenv spec row, marks it staged, and stages its ref under column/key,
// the same steps package column's Handle.Set takes, plus a placeholder
// column-schema ref.
func writeSample(t *testing.T, e envs, column string, key records.SampleKey, payload string) digest.Digest {
	t.Helper()
	d := digest.ArrayDigest("uint8", []int64{int64(len(payload))}, []byte(payload))

	be, err := backend.Create("10")
	require.NoError(t, err)
	require.NoError(t, be.Open(backend.ModeAppend, e.storeDir, e.stageDir))
	spec, err := be.WriteData(backend.Array{DType: "uint8", Shape: []int64{int64(len(payload))}, Data: []byte(payload)})
	require.NoError(t, err)
	require.NoError(t, be.Close())

	envelope, err := records.EncodeSpecEnvelope(spec.Code, spec.IsLocal, spec.Payload)
	require.NoError(t, err)

	require.NoError(t, e.hash.Update(func(tx *kv.Txn) error {
		return tx.Bucket(kv.RootBucket()).Put(records.DataHashKey(d), envelope)
	}))
	require.NoError(t, MarkStaged(e.stageHash, d))
	require.NoError(t, e.stage.Update(func(tx *kv.Txn) error {
		return tx.Bucket(kv.RootBucket()).Put(records.RefKey(column, key, nil), []byte(d.String()))
	}))
	require.NoError(t, e.stage.Update(func(tx *kv.Txn) error {
		return tx.Bucket(kv.RootBucket()).Put(records.ColumnSchemaKey(column), []byte(digest.Digest("1schema").String()))
	}))
	return d
}

func bootstrap(t *testing.T, e envs) digest.Digest {
	t.Helper()
	when := time.Unix(1700000000, 0)
	writeSample(t, e, "images", records.NewStrKey("seed"), "seed-payload")

	c, err := commit.CommitRecords(e.ref, e.stage, "", "", "initial commit", "alice", when)
	require.NoError(t, err)

	require.NoError(t, e.branch.Update(func(tx *kv.Txn) error {
		if err := heads.Create(tx, "master", c); err != nil {
			return err
		}
		return heads.SetStagingBase(tx, "master")
	}))
	require.NoError(t, purgeStagedDigestMarkers(e.stageHash))
	return c
}

func TestComputeStatusCleanAfterBootstrap(t *testing.T) {
	e := openEnvs(t)
	bootstrap(t, e)

	status, err := ComputeStatus(e.branch, e.ref, e.stage)
	require.NoError(t, err)
	require.Equal(t, Clean, status)
}

func TestComputeStatusDirtyAfterWrite(t *testing.T) {
	e := openEnvs(t)
	bootstrap(t, e)
	writeSample(t, e, "images", records.NewStrKey("y"), "new-payload")

	status, err := ComputeStatus(e.branch, e.ref, e.stage)
	require.NoError(t, err)
	require.Equal(t, Dirty, status)
}

func TestCommitRejectsCleanStage(t *testing.T) {
	e := openEnvs(t)
	bootstrap(t, e)

	_, err := Commit(e.branch, e.ref, e.stage, e.hash, e.stageHash, e.storeDir, e.stageDir, "no-op", "alice", time.Unix(1700000100, 0))
	require.Error(t, err)
	require.True(t, errcode.Is(err, errcode.EmptyCommit))
}

func TestCommitAdvancesHeadAndStaysClean(t *testing.T) {
	e := openEnvs(t)
	root := bootstrap(t, e)
	writeSample(t, e, "images", records.NewStrKey("y"), "new-payload")

	c, err := Commit(e.branch, e.ref, e.stage, e.hash, e.stageHash, e.storeDir, e.stageDir, "second commit", "alice", time.Unix(1700000200, 0))
	require.NoError(t, err)
	require.NotEqual(t, root, c)

	require.NoError(t, e.branch.View(func(tx *kv.Txn) error {
		head, err := heads.Head(tx, "master")
		require.NoError(t, err)
		require.Equal(t, c, head)
		return nil
	}))

	status, err := ComputeStatus(e.branch, e.ref, e.stage)
	require.NoError(t, err)
	require.Equal(t, Clean, status)

	require.NoError(t, e.stageHash.View(func(tx *kv.Txn) error {
		require.Equal(t, 0, tx.Bucket(kv.RootBucket()).Stats())
		return nil
	}))
}

func TestCollectGarbageRemovesOverwrittenDigest(t *testing.T) {
	e := openEnvs(t)
	bootstrap(t, e)

	old := writeSample(t, e, "images", records.NewStrKey("x"), "old-payload")
	newD := writeSample(t, e, "images", records.NewStrKey("x"), "new-payload-2")
	require.NotEqual(t, old, newD)

	require.NoError(t, CollectGarbage(e.hash, e.stageHash, e.stage, e.storeDir, e.stageDir))

	require.NoError(t, e.hash.View(func(tx *kv.Txn) error {
		require.Nil(t, tx.Bucket(kv.RootBucket()).Get(records.DataHashKey(old)))
		require.NotNil(t, tx.Bucket(kv.RootBucket()).Get(records.DataHashKey(newD)))
		return nil
	}))
	require.NoError(t, e.stageHash.View(func(tx *kv.Txn) error {
		require.Nil(t, tx.Bucket(kv.RootBucket()).Get(records.StagedDigestKey(old)))
		return nil
	}))
}

func TestResetRejectsCleanStage(t *testing.T) {
	e := openEnvs(t)
	bootstrap(t, e)

	err := Reset(e.branch, e.ref, e.stage, e.hash, e.stageHash, e.storeDir, e.stageDir)
	require.Error(t, err)
	require.True(t, errcode.Is(err, errcode.EmptyCommit))
}

func TestResetDiscardsDirtyStage(t *testing.T) {
	e := openEnvs(t)
	bootstrap(t, e)
	writeSample(t, e, "images", records.NewStrKey("y"), "throwaway")

	require.NoError(t, Reset(e.branch, e.ref, e.stage, e.hash, e.stageHash, e.storeDir, e.stageDir))

	status, err := ComputeStatus(e.branch, e.ref, e.stage)
	require.NoError(t, err)
	require.Equal(t, Clean, status)

	require.NoError(t, e.stage.View(func(tx *kv.Txn) error {
		require.Nil(t, tx.Bucket(kv.RootBucket()).Get(records.RefKey("images", records.NewStrKey("y"), nil)))
		return nil
	}))
}
