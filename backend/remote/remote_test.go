package remote

import (
	"testing"

	"github.com/hangar-io/hangar/backend"
	"github.com/stretchr/testify/require"
)

func TestWriteDataFailsWithoutTransport(t *testing.T) {
	b := &Backend{}
	_, err := b.WriteData(backend.Array{})
	require.Error(t, err)
}

func TestReadDataFailsWithoutTransport(t *testing.T) {
	b := &Backend{}
	_, err := b.ReadData(backend.Spec{Code: Code})
	require.Error(t, err)
}

func TestCapabilitiesReportNonLocal(t *testing.T) {
	b := &Backend{}
	require.False(t, b.Capabilities().Local)
}
