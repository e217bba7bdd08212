package records

import (
	"errors"
	"testing"
	"time"

	"github.com/hangar-io/hangar/digest"
	"github.com/stretchr/testify/require"
)

func TestParentsRoundTrip(t *testing.T) {
	master := digest.Digest("0aaaa")
	dev := digest.Digest("0bbbb")

	m, d, err := DecodeParents(EncodeParents(master, dev))
	require.NoError(t, err)
	require.Equal(t, master, m)
	require.Equal(t, dev, d)

	m, d, err = DecodeParents(EncodeParents(master, ""))
	require.NoError(t, err)
	require.Equal(t, master, m)
	require.True(t, d.Empty())

	m, d, err = DecodeParents(EncodeParents("", ""))
	require.NoError(t, err)
	require.True(t, m.Empty())
	require.True(t, d.Empty())
}

func TestDecodeParentsRejectsMalformedRecord(t *testing.T) {
	_, _, err := DecodeParents([]byte("not-a-valid-record"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCorrupt))
}

func TestCommitMessageRoundTrip(t *testing.T) {
	msg, err := DecodeCommitMessage(EncodeCommitMessage("initial import of fixtures"))
	require.NoError(t, err)
	require.Equal(t, "initial import of fixtures", msg)
}

func TestCommitUserRoundTrip(t *testing.T) {
	when := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	user, got, err := DecodeCommitUser(EncodeCommitUser("ada", when))
	require.NoError(t, err)
	require.Equal(t, "ada", user)
	require.True(t, when.Equal(got))
}

func TestSchemaRoundTrip(t *testing.T) {
	s := Schema{
		DType:              "float64",
		Shape:              []int64{5, 7},
		VariableShape:      false,
		ContainsSubsamples: true,
		BackendCode:        "10",
		BackendOpts:        "",
	}
	got, err := DecodeSchema(EncodeSchema(s))
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestSchemaRoundTripEmptyShape(t *testing.T) {
	s := Schema{DType: "int64", Shape: nil}
	got, err := DecodeSchema(EncodeSchema(s))
	require.NoError(t, err)
	require.Empty(t, got.Shape)
}

func TestSpecEnvelopeRoundTrip(t *testing.T) {
	code, islocal, payload, err := DecodeSpecEnvelope(mustEnvelope(t, "10", true, []byte("payload")))
	require.NoError(t, err)
	require.Equal(t, "10", code)
	require.True(t, islocal)
	require.Equal(t, []byte("payload"), payload)
}

func mustEnvelope(t *testing.T, code string, islocal bool, payload []byte) []byte {
	t.Helper()
	b, err := EncodeSpecEnvelope(code, islocal, payload)
	require.NoError(t, err)
	return b
}

func TestEncodeSpecEnvelopeRejectsBadCodeLength(t *testing.T) {
	_, err := EncodeSpecEnvelope("1", true, nil)
	require.Error(t, err)
}

func TestSampleKeyStringAndIntAreDistinct(t *testing.T) {
	strKey := NewStrKey("5")
	intKey := NewIntKey(5)
	require.NotEqual(t, strKey.Encode(), intKey.Encode())

	decodedStr, err := DecodeSampleKey(strKey.Encode())
	require.NoError(t, err)
	require.Equal(t, strKey, decodedStr)

	decodedInt, err := DecodeSampleKey(intKey.Encode())
	require.NoError(t, err)
	require.Equal(t, intKey, decodedInt)
}

func TestRefKeyRoundTrip(t *testing.T) {
	key := RefKey("aset", NewStrKey("x"), nil)
	col, sample, sub, err := ParseRefKey(key)
	require.NoError(t, err)
	require.Equal(t, "aset", col)
	require.Equal(t, NewStrKey("x"), sample)
	require.Nil(t, sub)
}

func TestRefKeyRoundTripWithSubsample(t *testing.T) {
	key := RefKey("aset", NewIntKey(3), subPtr(NewStrKey("rgb")))
	col, sample, sub, err := ParseRefKey(key)
	require.NoError(t, err)
	require.Equal(t, "aset", col)
	require.Equal(t, NewIntKey(3), sample)
	require.NotNil(t, sub)
	require.Equal(t, NewStrKey("rgb"), *sub)
}

func subPtr(k SampleKey) *SampleKey { return &k }

func TestBranchHeadKeyRoundTrip(t *testing.T) {
	key := BranchHeadKey("master")
	name, ok := ParseBranchHeadKey(key)
	require.True(t, ok)
	require.Equal(t, "master", name)

	_, ok = ParseBranchHeadKey([]byte("not-a-branch-key"))
	require.False(t, ok)
}

func TestColumnSchemaKeyRoundTrip(t *testing.T) {
	key := ColumnSchemaKey("aset")
	name, ok := ParseColumnSchemaKey(key)
	require.True(t, ok)
	require.Equal(t, "aset", name)
}

func TestWriterLockFreeSentinel(t *testing.T) {
	require.True(t, IsWriterLockFree(EncodeWriterLockFree()))
	require.False(t, IsWriterLockFree([]byte("some-token")))
}
