package heads

import (
	"testing"

	"github.com/hangar-io/hangar/digest"
	"github.com/hangar-io/hangar/kv"
	"github.com/stretchr/testify/require"
)

func openEnv(t *testing.T) *kv.Environment {
	t.Helper()
	env, err := kv.OpenNamed(t.TempDir(), kv.EnvBranch, kv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return env
}

func TestCreateAndHead(t *testing.T) {
	env := openEnv(t)
	require.NoError(t, env.Update(func(tx *kv.Txn) error {
		return Create(tx, "master", digest.Digest("0abc"))
	}))
	require.NoError(t, env.View(func(tx *kv.Txn) error {
		head, err := Head(tx, "master")
		require.NoError(t, err)
		require.Equal(t, digest.Digest("0abc"), head)
		return nil
	}))
}

func TestCreateRejectsDuplicateBranch(t *testing.T) {
	env := openEnv(t)
	require.NoError(t, env.Update(func(tx *kv.Txn) error {
		return Create(tx, "master", digest.Digest("0abc"))
	}))
	err := env.Update(func(tx *kv.Txn) error {
		return Create(tx, "master", digest.Digest("0def"))
	})
	require.Error(t, err)
}

func TestListBranchesSorted(t *testing.T) {
	env := openEnv(t)
	require.NoError(t, env.Update(func(tx *kv.Txn) error {
		require.NoError(t, Create(tx, "master", digest.Digest("0abc")))
		require.NoError(t, Create(tx, "dev", digest.Digest("0def")))
		return nil
	}))
	require.NoError(t, env.View(func(tx *kv.Txn) error {
		names, err := ListBranches(tx)
		require.NoError(t, err)
		require.Equal(t, []string{"dev", "master"}, names)
		return nil
	}))
}

func TestStagingBaseRoundTrip(t *testing.T) {
	env := openEnv(t)
	require.NoError(t, env.Update(func(tx *kv.Txn) error {
		return SetStagingBase(tx, "master")
	}))
	require.NoError(t, env.View(func(tx *kv.Txn) error {
		name, err := StagingBase(tx)
		require.NoError(t, err)
		require.Equal(t, "master", name)
		return nil
	}))
}

func TestWriterLockExclusivity(t *testing.T) {
	env := openEnv(t)

	token1, err := AcquireWriterLock(env)
	require.NoError(t, err)
	require.NotEmpty(t, token1)

	_, err = AcquireWriterLock(env)
	require.Error(t, err)

	require.NoError(t, ReleaseWriterLock(env, token1))

	token2, err := AcquireWriterLock(env)
	require.NoError(t, err)
	require.NotEqual(t, token1, token2)
}

func TestVerifyWriterLockRejectsStaleToken(t *testing.T) {
	env := openEnv(t)
	token, err := AcquireWriterLock(env)
	require.NoError(t, err)
	require.NoError(t, ReleaseWriterLock(env, token))

	err = env.View(func(tx *kv.Txn) error {
		return VerifyWriterLock(tx, token)
	})
	require.Error(t, err)
}
