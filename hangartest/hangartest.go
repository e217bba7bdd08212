// Package hangartest provides fixtures shared across this module's test
// suites: prototype arrays, a scratch repository factory, and a
// deterministic byte-filling helper for reproducible array payloads.
// Adapted from the teacher's testutil package (builder functions callers
// assert on themselves, rather than helpers that take a *testing.T), and
// from original_source/tests/conftest.py's fixture factories, which this
// implementation's own package tests (checkout, column, integrity, repo)
// mirror the shape of rather than import directly, since conftest.py's
// pytest fixtures have no direct Go analogue.
package hangartest

import (
	"context"
	"time"

	"github.com/hangar-io/hangar/backend"
	"github.com/hangar-io/hangar/config"
	"github.com/hangar-io/hangar/repo"
)

// FillBytes deterministically fills n bytes from seed, the same
// reproducible-fixture role conftest.py's numpy-seeded random arrays
// play for the original test suite: every call with the same (seed, n)
// produces byte-identical output, so a test asserting on a recomputed
// digest never flakes.
func FillBytes(seed, n int) []byte {
	b := make([]byte, n)
	x := uint32(seed*2654435761 + 1)
	for i := range b {
		x = x*1664525 + 1013904223
		b[i] = byte(x >> 24)
	}
	return b
}

// NDArray builds a prototype fixed-shape uint8 array whose payload is
// FillBytes(seed, product(shape)), ready to pass to column.Handle.Set or
// checkout.Writer's column facade.
func NDArray(seed int, shape []int64) backend.Array {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return backend.Array{DType: "uint8", Shape: shape, Data: FillBytes(seed, n)}
}

// SmallNDArray is a small prototype array: a 4-element 1-D uint8 array,
// well under the "10" flat-file backend's 400-element threshold.
func SmallNDArray(seed int) backend.Array {
	return NDArray(seed, []int64{4})
}

// ScratchRepo initializes a throwaway repository under dir (normally
// t.TempDir()) with the zero-config defaults, failing the calling test
// immediately on any error. Mirrors conftest.py's repo fixture, which
// every original test function depends on for a ready-to-use repository
// rather than constructing one inline.
func ScratchRepo(t interface {
	Helper()
	Fatalf(format string, args ...any)
}, dir string) *repo.Repository {
	t.Helper()
	r, err := repo.Init(context.Background(), dir, config.Default(), "hangartest", time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("hangartest: init scratch repo: %v", err)
	}
	return r
}
