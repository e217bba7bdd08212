// Package backend implements Hangar's backend registry and selection
// heuristics (spec §4.1). A backend is identified by a two-character code
// ("type"+"version"); lowercase letters and digits 0-4 in the first
// position mean a local backend, uppercase letters and digits 5-9 a
// remote one. The registry is a compile-time table keyed by code, as
// spec §9 ("Dynamic backend dispatch") recommends for a systems-language
// rendering, rather than the original's runtime code-to-class mapping.
//
// Individual backends live in subpackages (flatfile, hdf5lite, kvstore,
// remote) and register themselves from an init func, following the
// teacher's registry/storage/driver/factory Register pattern.
package backend

import (
	"fmt"

	"github.com/hangar-io/hangar/errcode"
)

// Array is the payload a backend stores or reconstructs: a flat buffer of
// raw little-endian bytes plus the dtype/shape metadata needed to
// interpret it. Hangar's core is numeric-library-agnostic (spec §1); a
// binding layer is responsible for producing and consuming this shape.
type Array struct {
	DType string
	Shape []int64
	Data  []byte
}

// Spec is a backend-private locator that, paired with a digest, can
// reconstruct an Array. Its wire encoding is produced by package records'
// spec envelope plus whatever a given backend appends as payload.
type Spec struct {
	Code    string
	IsLocal bool
	Payload []byte
}

// Capabilities describes what a backend implementation supports, used
// both for documentation and by option parsing to reject an incompatible
// pin (spec §4.1, "Option parsing").
type Capabilities struct {
	// DTypes lists supported dtype names, or nil to mean "any".
	DTypes []string
	// FixedShape / VariableShape report whether the backend can store
	// samples declared with that shape discipline.
	FixedShape    bool
	VariableShape bool
	// NestedSubsamples reports whether the backend supports columns with
	// a second level of subsample keys.
	NestedSubsamples bool
	// Local reports whether the backend stores payloads on the local
	// filesystem (true) or depends on a remote transport (false).
	Local bool
}

// Mode is the access mode a backend is opened with.
type Mode byte

const (
	ModeRead   Mode = 'r'
	ModeAppend Mode = 'a'
)

// Backend is the capability set every backend implementation provides
// (spec §4.1). Open/Close scope resource acquisition so handles are
// guaranteed released on every exit path (spec §5, P6); callers use
// Open/Close in a defer pattern rather than holding a Backend open
// implicitly.
type Backend interface {
	// Code returns this backend's permanent two-character code.
	Code() string
	// Capabilities describes what this backend supports.
	Capabilities() Capabilities
	// Open acquires whatever file handles or connections this backend
	// needs for mode, scoped to storeDir (committed payloads) and
	// stageDir (staged payloads).
	Open(mode Mode, storeDir, stageDir string) error
	// Close releases resources acquired by Open. Close must be safe to
	// call on a backend that was never successfully Opened.
	Close() error
	// WriteData stores a, returning the Spec that can later retrieve it.
	// WriteData always writes to the staging area.
	WriteData(a Array) (Spec, error)
	// ReadData reconstructs the Array located by spec. Must return a
	// bit-identical buffer to what WriteData originally stored for that
	// spec (spec I8).
	ReadData(spec Spec) (Array, error)
	// DeleteInProcessData removes a staged, not-yet-committed payload
	// located by spec, used by the staging area's garbage collection of
	// unreferenced staged files.
	DeleteInProcessData(spec Spec) error
}

// LocalPromoter is implemented by local backends whose WriteData stores a
// payload under the staging directory first. After a commit lands, the
// staging area calls Promote so the payload survives the next
// remove-unused-staged-files pass (spec §4.5, "Commit path").
type LocalPromoter interface {
	Promote(spec Spec, storeDir string) error
}

// Factory constructs a fresh, unopened Backend instance. Subpackages
// register one Factory per code from an init func.
type Factory interface {
	New() Backend
}

var registry = map[string]registration{}

type registration struct {
	factory  Factory
	caps     Capabilities
	reserved bool
}

// Reserved marks code as assigned but not yet backed by an implementation
// (spec's "20" and "60"): present in the registry so a future backend
// cannot silently reuse the code, but Create on it always fails.
func Reserved(code string) {
	if _, exists := registry[code]; exists {
		panic(fmt.Sprintf("backend: code %q registered twice", code))
	}
	registry[code] = registration{reserved: true}
}

// Register makes a backend factory available by its permanent code. As in
// the teacher's driver factory, registering the same code twice or with a
// nil factory is a programmer error and panics rather than erroring, since
// it can only happen from a miswritten init func, never from user input.
func Register(code string, factory Factory, caps Capabilities) {
	if factory == nil {
		panic("backend: must not register a nil Factory")
	}
	if _, exists := registry[code]; exists {
		panic(fmt.Sprintf("backend: code %q registered twice", code))
	}
	registry[code] = registration{factory: factory, caps: caps}
}

// Create returns a fresh Backend for code.
func Create(code string) (Backend, error) {
	reg, ok := registry[code]
	if !ok || reg.reserved {
		return nil, errcode.New(errcode.InvalidArg, "backend: unknown backend code %q", code)
	}
	return reg.factory.New(), nil
}

// CapabilitiesOf returns the registered capabilities for code.
func CapabilitiesOf(code string) (Capabilities, error) {
	reg, ok := registry[code]
	if !ok || reg.reserved {
		return Capabilities{}, errcode.New(errcode.InvalidArg, "backend: unknown backend code %q", code)
	}
	return reg.caps, nil
}

// IsLocal reports whether code identifies a local backend: lowercase
// letters or digits 0-4 in the first position (spec §4.1, §6).
func IsLocal(code string) bool {
	if len(code) == 0 {
		return false
	}
	c := code[0]
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '4':
		return true
	default:
		return false
	}
}

// Known reports whether code has been registered (including as reserved).
func Known(code string) bool {
	_, ok := registry[code]
	return ok
}
