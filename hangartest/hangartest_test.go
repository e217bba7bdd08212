package hangartest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFillBytesIsDeterministic(t *testing.T) {
	require.Equal(t, FillBytes(1, 16), FillBytes(1, 16))
	require.NotEqual(t, FillBytes(1, 16), FillBytes(2, 16))
}

func TestNDArrayShapeMatchesDataLength(t *testing.T) {
	a := NDArray(7, []int64{3, 4})
	require.Equal(t, "uint8", a.DType)
	require.Equal(t, []int64{3, 4}, a.Shape)
	require.Len(t, a.Data, 12)
}

func TestSmallNDArrayIsFourBytes(t *testing.T) {
	a := SmallNDArray(1)
	require.Equal(t, []int64{4}, a.Shape)
	require.Len(t, a.Data, 4)
}

func TestScratchRepoProducesUsableRepository(t *testing.T) {
	r := ScratchRepo(t, t.TempDir())
	defer r.Close()

	branches, err := r.ListBranches()
	require.NoError(t, err)
	require.Equal(t, []string{"master"}, branches)
}
