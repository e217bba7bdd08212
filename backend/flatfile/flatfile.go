// Package flatfile implements backend code "10": an uncompressed flat file
// per digest, selected by the heuristic for small 1-D samples (spec
// §4.1). It is the Go analogue of the original's NUMPY_10 backend — a
// direct memmap-style file per array, with no compression overhead, which
// makes sense only because the heuristic restricts it to small buffers.
package flatfile

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hangar-io/hangar/backend"
	"github.com/hangar-io/hangar/errcode"
)

const Code = "10"

func init() {
	backend.Register(Code, factory{}, backend.Capabilities{
		FixedShape:       true,
		VariableShape:    true,
		NestedSubsamples: true,
		Local:            true,
	})
}

type factory struct{}

func (factory) New() backend.Backend { return &Backend{} }

// Backend stores each sample as its own file named by a random id, holding
// a tiny fixed header (dtype length, dtype bytes, shape rank, shape dims)
// followed by the raw payload bytes.
type Backend struct {
	stageDir string
	storeDir string
	open     bool
}

func (b *Backend) Code() string { return Code }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{FixedShape: true, VariableShape: true, NestedSubsamples: true, Local: true}
}

func (b *Backend) Open(mode backend.Mode, storeDir, stageDir string) error {
	b.storeDir, b.stageDir = storeDir, stageDir
	if mode == backend.ModeAppend {
		if err := os.MkdirAll(stageDir, 0o755); err != nil {
			return errcode.Wrap(errcode.IO, err)
		}
	}
	b.open = true
	return nil
}

func (b *Backend) Close() error {
	b.open = false
	return nil
}

func (b *Backend) WriteData(a backend.Array) (backend.Spec, error) {
	if !b.open {
		return backend.Spec{}, errcode.New(errcode.Closed, "flatfile: backend not open for writing")
	}
	id := uuid.New().String()
	path := filepath.Join(b.stageDir, id+".npf")
	if err := os.WriteFile(path, encodeRecord(a), 0o644); err != nil {
		return backend.Spec{}, errcode.Wrap(errcode.IO, err)
	}
	return backend.Spec{Code: Code, IsLocal: true, Payload: []byte(id)}, nil
}

func (b *Backend) ReadData(spec backend.Spec) (backend.Array, error) {
	id := string(spec.Payload)
	path, err := b.locate(id)
	if err != nil {
		return backend.Array{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return backend.Array{}, errcode.Wrap(errcode.IO, err)
	}
	return decodeRecord(raw)
}

func (b *Backend) DeleteInProcessData(spec backend.Spec) error {
	id := string(spec.Payload)
	path := filepath.Join(b.stageDir, id+".npf")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errcode.Wrap(errcode.IO, err)
	}
	return nil
}

// Promote moves a staged payload file into storeDir, satisfying
// backend.LocalPromoter.
func (b *Backend) Promote(spec backend.Spec, storeDir string) error {
	id := string(spec.Payload)
	src := filepath.Join(b.stageDir, id+".npf")
	dst := filepath.Join(storeDir, id+".npf")
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.Rename(src, dst); err != nil {
		return errcode.Wrap(errcode.IO, err)
	}
	return nil
}

func (b *Backend) locate(id string) (string, error) {
	name := id + ".npf"
	if p := filepath.Join(b.storeDir, name); fileExists(p) {
		return p, nil
	}
	if p := filepath.Join(b.stageDir, name); fileExists(p) {
		return p, nil
	}
	return "", errcode.New(errcode.NotFound, "flatfile: payload %q not found in store or stage", id)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// encodeRecord renders the file header: dtype (length-prefixed string),
// shape rank, then shape dims, followed by the raw payload. This is not a
// spec-level record (package records owns those); it is flatfile's own
// private on-disk layout, free to evolve so long as a new layout gets a
// new backend code (spec §3, "Spec").
func encodeRecord(a backend.Array) []byte {
	var header []byte
	header = appendUvarint(header, uint64(len(a.DType)))
	header = append(header, a.DType...)
	header = appendUvarint(header, uint64(len(a.Shape)))
	for _, dim := range a.Shape {
		header = appendUvarint(header, uint64(dim))
	}
	return append(header, a.Data...)
}

func decodeRecord(raw []byte) (backend.Array, error) {
	buf := raw
	dtypeLen, n, err := readUvarint(buf)
	if err != nil {
		return backend.Array{}, errcode.Wrap(errcode.Corruption, err)
	}
	buf = buf[n:]
	if uint64(len(buf)) < dtypeLen {
		return backend.Array{}, errcode.New(errcode.Corruption, "flatfile: truncated dtype field")
	}
	dtype := string(buf[:dtypeLen])
	buf = buf[dtypeLen:]

	rank, n, err := readUvarint(buf)
	if err != nil {
		return backend.Array{}, errcode.Wrap(errcode.Corruption, err)
	}
	buf = buf[n:]

	shape := make([]int64, rank)
	for i := range shape {
		dim, n, err := readUvarint(buf)
		if err != nil {
			return backend.Array{}, errcode.Wrap(errcode.Corruption, err)
		}
		shape[i] = int64(dim)
		buf = buf[n:]
	}
	return backend.Array{DType: dtype, Shape: shape, Data: append([]byte(nil), buf...)}, nil
}

func appendUvarint(b []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(b, tmp[:n]...)
}

func readUvarint(b []byte) (uint64, int, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, fmt.Errorf("flatfile: malformed uvarint (code=%d)", n)
	}
	return v, n, nil
}
