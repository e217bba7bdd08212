package backend

import (
	"testing"

	"github.com/hangar-io/hangar/errcode"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct{ code string }

func (f *fakeBackend) Code() string                                          { return f.code }
func (f *fakeBackend) Capabilities() Capabilities                            { return Capabilities{Local: true} }
func (f *fakeBackend) Open(mode Mode, storeDir, stageDir string) error       { return nil }
func (f *fakeBackend) Close() error                                         { return nil }
func (f *fakeBackend) WriteData(a Array) (Spec, error)                      { return Spec{Code: f.code}, nil }
func (f *fakeBackend) ReadData(spec Spec) (Array, error)                    { return Array{}, nil }
func (f *fakeBackend) DeleteInProcessData(spec Spec) error                  { return nil }

type fakeFactory struct{ code string }

func (f fakeFactory) New() Backend { return &fakeBackend{code: f.code} }

func TestRegisterAndCreateRoundTrip(t *testing.T) {
	Register("zz", fakeFactory{code: "zz"}, Capabilities{Local: true})
	b, err := Create("zz")
	require.NoError(t, err)
	require.Equal(t, "zz", b.Code())
}

func TestRegisterPanicsOnDuplicateCode(t *testing.T) {
	Register("zy", fakeFactory{code: "zy"}, Capabilities{})
	require.Panics(t, func() {
		Register("zy", fakeFactory{code: "zy"}, Capabilities{})
	})
}

func TestCreateUnknownCodeIsInvalidArg(t *testing.T) {
	_, err := Create("--")
	require.Error(t, err)
	require.True(t, errcode.Is(err, errcode.InvalidArg))
}

func TestReservedCodeCannotBeCreated(t *testing.T) {
	Reserved("zx")
	require.True(t, Known("zx"))
	_, err := Create("zx")
	require.Error(t, err)
}

func TestIsLocalFollowsCodeRanges(t *testing.T) {
	require.True(t, IsLocal("00"))
	require.True(t, IsLocal("10"))
	require.True(t, IsLocal("aa"))
	require.False(t, IsLocal("50"))
	require.False(t, IsLocal("AA"))
	require.False(t, IsLocal(""))
}
