package commit

import (
	"testing"
	"time"

	"github.com/hangar-io/hangar/digest"
	"github.com/hangar-io/hangar/errcode"
	"github.com/hangar-io/hangar/kv"
	"github.com/hangar-io/hangar/records"
	"github.com/stretchr/testify/require"
)

func openEnvs(t *testing.T) (refEnv, stageEnv *kv.Environment) {
	t.Helper()
	dir := t.TempDir()
	var err error
	refEnv, err = kv.OpenNamed(dir, kv.EnvRef, kv.Options{})
	require.NoError(t, err)
	stageEnv, err = kv.OpenNamed(dir, kv.EnvStage, kv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		refEnv.Close()
		stageEnv.Close()
	})
	return refEnv, stageEnv
}

func stageSample(t *testing.T, stageEnv *kv.Environment, column string, key records.SampleKey, d digest.Digest) {
	t.Helper()
	require.NoError(t, stageEnv.Update(func(tx *kv.Txn) error {
		b := tx.Bucket(kv.RootBucket())
		return b.Put(records.RefKey(column, key, nil), []byte(d.String()))
	}))
}

func stageSchema(t *testing.T, stageEnv *kv.Environment, column string, d digest.Digest) {
	t.Helper()
	require.NoError(t, stageEnv.Update(func(tx *kv.Txn) error {
		b := tx.Bucket(kv.RootBucket())
		return b.Put(records.ColumnSchemaKey(column), []byte(d.String()))
	}))
}

func stageMeta(t *testing.T, stageEnv *kv.Environment, key string, d digest.Digest) {
	t.Helper()
	require.NoError(t, stageEnv.Update(func(tx *kv.Txn) error {
		b := tx.Bucket(kv.RootBucket())
		return b.Put(records.MetaRefKey(key), []byte(d.String()))
	}))
}

func TestCommitRecordsRejectsEmptyStage(t *testing.T) {
	refEnv, stageEnv := openEnvs(t)
	_, err := CommitRecords(refEnv, stageEnv, "", "", "initial commit", "alice", time.Unix(1000, 0))
	require.Error(t, err)
	require.True(t, errcode.Is(err, errcode.EmptyCommit))
}

func TestCommitRecordsRoundTrip(t *testing.T) {
	refEnv, stageEnv := openEnvs(t)
	stageSchema(t, stageEnv, "images", digest.Digest("1aaa"))
	stageSample(t, stageEnv, "images", records.NewStrKey("0001"), digest.Digest("0bbb"))
	stageSample(t, stageEnv, "images", records.NewIntKey(7), digest.Digest("0ccc"))

	when := time.Unix(1700000000, 0)
	c, err := CommitRecords(refEnv, stageEnv, "", "", "initial commit", "alice", when)
	require.NoError(t, err)
	require.NotEmpty(t, c)

	require.NoError(t, refEnv.View(func(tx *kv.Txn) error {
		info, err := GetInfo(tx, c)
		require.NoError(t, err)
		require.Equal(t, "initial commit", info.Message)
		require.Equal(t, "alice", info.User)
		require.True(t, info.Master.Empty())
		require.True(t, info.Dev.Empty())
		require.Empty(t, info.Parents())

		schemas, err := ColumnSchemas(tx, c)
		require.NoError(t, err)
		require.Equal(t, digest.Digest("1aaa"), schemas["images"])

		refs, err := Refs(tx, c)
		require.NoError(t, err)
		require.Len(t, refs, 2)
		return nil
	}))
}

func TestCommitRecordsDeterministicDigest(t *testing.T) {
	refEnv1, stageEnv1 := openEnvs(t)
	stageSchema(t, stageEnv1, "images", digest.Digest("1aaa"))
	stageSample(t, stageEnv1, "images", records.NewStrKey("a"), digest.Digest("0bbb"))
	stageSample(t, stageEnv1, "images", records.NewStrKey("b"), digest.Digest("0ccc"))

	refEnv2, stageEnv2 := openEnvs(t)
	stageSchema(t, stageEnv2, "images", digest.Digest("1aaa"))
	// Insert in the opposite order; the commit digest must not depend on
	// bbolt's insertion or iteration order.
	stageSample(t, stageEnv2, "images", records.NewStrKey("b"), digest.Digest("0ccc"))
	stageSample(t, stageEnv2, "images", records.NewStrKey("a"), digest.Digest("0bbb"))

	when := time.Unix(1700000000, 0)
	c1, err := CommitRecords(refEnv1, stageEnv1, "", "", "msg", "alice", when)
	require.NoError(t, err)
	c2, err := CommitRecords(refEnv2, stageEnv2, "", "", "msg", "alice", when)
	require.NoError(t, err)
	require.Equal(t, c1, c2)
}

func TestListAllAndWalkAncestors(t *testing.T) {
	refEnv, stageEnv := openEnvs(t)
	when := time.Unix(1700000000, 0)

	stageSample(t, stageEnv, "images", records.NewStrKey("a"), digest.Digest("0aaa"))
	root, err := CommitRecords(refEnv, stageEnv, "", "", "root", "alice", when)
	require.NoError(t, err)

	stageSample(t, stageEnv, "images", records.NewStrKey("b"), digest.Digest("0bbb"))
	second, err := CommitRecords(refEnv, stageEnv, root, "", "second", "alice", when.Add(time.Second))
	require.NoError(t, err)

	require.NoError(t, refEnv.View(func(tx *kv.Txn) error {
		all, err := ListAll(tx)
		require.NoError(t, err)
		require.ElementsMatch(t, []digest.Digest{root, second}, all)

		inHistory, err := CheckInHistory(tx, second, root)
		require.NoError(t, err)
		require.True(t, inHistory)

		inHistory, err = CheckInHistory(tx, root, second)
		require.NoError(t, err)
		require.False(t, inHistory)

		var visited []digest.Digest
		err = WalkAncestors(tx, second, func(d digest.Digest) (bool, error) {
			visited = append(visited, d)
			return true, nil
		})
		require.NoError(t, err)
		require.ElementsMatch(t, []digest.Digest{root, second}, visited)
		return nil
	}))
}

func TestCommitRecordsIncludesMetaRefs(t *testing.T) {
	refEnv, stageEnv := openEnvs(t)
	stageMeta(t, stageEnv, "license", digest.Digest("2lic1"))
	when := time.Unix(1700000000, 0)
	c, err := CommitRecords(refEnv, stageEnv, "", "", "metadata only", "alice", when)
	require.NoError(t, err)

	require.NoError(t, refEnv.View(func(tx *kv.Txn) error {
		metaRefs, err := MetaRefs(tx, c)
		require.NoError(t, err)
		require.Len(t, metaRefs, 1)
		require.Equal(t, "license", metaRefs[0].Key)
		require.Equal(t, digest.Digest("2lic1"), metaRefs[0].Digest)
		return nil
	}))
}

func TestReplaceStagingAreaWithCommit(t *testing.T) {
	refEnv, stageEnv := openEnvs(t)
	when := time.Unix(1700000000, 0)
	stageSchema(t, stageEnv, "images", digest.Digest("1aaa"))
	stageSample(t, stageEnv, "images", records.NewStrKey("a"), digest.Digest("0aaa"))
	stageMeta(t, stageEnv, "license", digest.Digest("2lic1"))
	c, err := CommitRecords(refEnv, stageEnv, "", "", "root", "alice", when)
	require.NoError(t, err)

	// Dirty the stage with an extra, uncommitted sample.
	stageSample(t, stageEnv, "images", records.NewStrKey("dirty"), digest.Digest("0ddd"))

	require.NoError(t, refEnv.View(func(tx *kv.Txn) error {
		return ReplaceStagingAreaWithCommit(tx, stageEnv, c)
	}))

	require.NoError(t, stageEnv.View(func(tx *kv.Txn) error {
		b := tx.Bucket(kv.RootBucket())
		require.Nil(t, b.Get(records.RefKey("images", records.NewStrKey("dirty"), nil)))
		require.NotNil(t, b.Get(records.RefKey("images", records.NewStrKey("a"), nil)))
		require.NotNil(t, b.Get(records.MetaRefKey("license")))
		require.Equal(t, 3, b.Stats())
		return nil
	}))
}
