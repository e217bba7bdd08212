// Package remote implements backend code "50": the remote-v5.0 backend
// slot. Client/server push and pull transport is explicitly out of scope
// (spec §1), so this backend satisfies the registry's capability
// descriptor and interface shape — letting the integrity verifier and the
// column facade recognize "50" as a known, non-local backend code (spec
// §4.8, "remote-only references ... counted and reported as unverifiable
// without fetch") — without implementing actual network transport.
package remote

import (
	"github.com/hangar-io/hangar/backend"
	"github.com/hangar-io/hangar/errcode"
)

const Code = "50"

func init() {
	backend.Register(Code, factory{}, backend.Capabilities{
		FixedShape:       true,
		VariableShape:    true,
		NestedSubsamples: true,
		Local:            false,
	})
}

type factory struct{}

func (factory) New() backend.Backend { return &Backend{} }

// Backend is a non-functional placeholder: every data operation fails
// with errcode.IO rather than silently succeeding, so a caller that
// reaches this backend without the (out-of-scope) remote transport layer
// gets a clear failure instead of a wrong result.
type Backend struct{}

func (b *Backend) Code() string { return Code }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{FixedShape: true, VariableShape: true, NestedSubsamples: true, Local: false}
}

func (b *Backend) Open(mode backend.Mode, storeDir, stageDir string) error { return nil }

func (b *Backend) Close() error { return nil }

func (b *Backend) WriteData(a backend.Array) (backend.Spec, error) {
	return backend.Spec{}, errcode.New(errcode.IO, "remote: writing through backend 50 requires a remote transport, which this build does not provide")
}

func (b *Backend) ReadData(spec backend.Spec) (backend.Array, error) {
	return backend.Array{}, errcode.New(errcode.IO, "remote: fetching %x requires a remote transport, which this build does not provide", spec.Payload)
}

func (b *Backend) DeleteInProcessData(spec backend.Spec) error {
	return nil
}
