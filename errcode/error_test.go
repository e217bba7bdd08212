package errcode

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExitStatusMapsRegisteredCodes(t *testing.T) {
	require.Equal(t, 2, ExitStatus(New(InvalidArg, "bad shape")))
	require.Equal(t, 4, ExitStatus(New(LockHeld, "locked")))
	require.Equal(t, 3, ExitStatus(New(Corruption, "digest mismatch")))
}

func TestExitStatusDefaultsToGenericFailure(t *testing.T) {
	require.Equal(t, 1, ExitStatus(errors.New("plain error")))
}

func TestExitStatusOfNilIsZero(t *testing.T) {
	require.Equal(t, 0, ExitStatus(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(IO, cause)
	require.ErrorIs(t, err, cause)
}

func TestIsMatchesCodeThroughWrapping(t *testing.T) {
	err := fmtWrap(New(NotFound, "branch %q", "dev"))
	require.True(t, Is(err, NotFound))
	require.False(t, Is(err, Corruption))
}

func fmtWrap(err error) error {
	return errors.Join(err)
}
