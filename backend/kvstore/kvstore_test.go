package kvstore

import (
	"testing"

	"github.com/hangar-io/hangar/backend"
	"github.com/hangar-io/hangar/errcode"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := &Backend{}
	require.NoError(t, b.Open(backend.ModeAppend, dir+"/store", dir+"/stage"))
	defer b.Close()

	in := backend.Array{DType: "bool", Shape: []int64{3, 3}, Data: []byte{1, 0, 1, 0, 1, 0, 1, 0, 1}}
	spec, err := b.WriteData(in)
	require.NoError(t, err)
	require.Equal(t, Code, spec.Code)

	out, err := b.ReadData(spec)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDeleteInProcessDataRemovesKey(t *testing.T) {
	dir := t.TempDir()
	b := &Backend{}
	require.NoError(t, b.Open(backend.ModeAppend, dir+"/store", dir+"/stage"))
	defer b.Close()

	spec, err := b.WriteData(backend.Array{DType: "int64", Shape: []int64{1}, Data: []byte{1}})
	require.NoError(t, err)
	require.NoError(t, b.DeleteInProcessData(spec))

	_, err = b.ReadData(spec)
	require.Error(t, err)
}

func TestReadUnknownPayloadIsNotFound(t *testing.T) {
	dir := t.TempDir()
	b := &Backend{}
	require.NoError(t, b.Open(backend.ModeAppend, dir+"/store", dir+"/stage"))
	defer b.Close()

	_, err := b.ReadData(backend.Spec{Code: Code, Payload: []byte("missing")})
	require.Error(t, err)
	require.True(t, errcode.Is(err, errcode.NotFound))
}
