// Package hdf5lite implements backend codes "00" and "01": the compressed
// backends the selection heuristic picks for most array sizes (spec
// §4.1). The original implementation backs these with HDF5 plus a
// blosc/lzf compression pipeline; no HDF5 binding is available anywhere
// in the retrieved example pack, so this package reproduces the role HDF5
// played — compressed, chunk-free payload storage with a fast-codec/
// fallback-codec pair — using a real compression library instead:
// klauspost/compress's zstd encoder/decoder as the fast path, with
// stdlib compress/flate as the always-available fallback, mirroring the
// original's blosc(fast) -> lzf(fallback) pair (spec §9(a), §4.1 "Default
// options"). Code "00" targets the common case (fast zstd level);
// code "01" is reserved for fixed-shape arrays and tunes for a higher
// zstd compression level since those arrays are rewritten less often.
package hdf5lite

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hangar-io/hangar/backend"
	"github.com/hangar-io/hangar/errcode"
	"github.com/klauspost/compress/zstd"
)

const (
	Code00 = "00"
	Code01 = "01"
)

func init() {
	caps := backend.Capabilities{FixedShape: true, VariableShape: true, NestedSubsamples: true, Local: true}
	backend.Register(Code00, factory{variant: Code00, level: zstd.SpeedDefault}, caps)
	backend.Register(Code01, factory{variant: Code01, level: zstd.SpeedBestCompression}, caps)
}

type factory struct {
	variant string
	level   zstd.EncoderLevel
}

func (f factory) New() backend.Backend {
	return &Backend{variant: f.variant, level: f.level}
}

const (
	codecZstd  byte = 'z'
	codecFlate byte = 'f'
)

// Backend stores each sample as its own file: a one-byte codec tag, the
// flatfile-style dtype/shape header, then the compressed payload.
type Backend struct {
	variant  string
	level    zstd.EncoderLevel
	storeDir string
	stageDir string
	open     bool
}

func (b *Backend) Code() string { return b.variant }

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
		return backend.Spec{}, errcode.New(errcode.Closed, "hdf5lite: backend not open for writing")
	}
	codec := codecZstd
	compressed, err := b.compress(a.Data)
	if err != nil {
		// zstd encoder construction should never fail in practice; fall
		// back to flate rather than surface an opaque error for a codec
		// choice the caller never made explicitly.
		codec = codecFlate
		compressed, err = compressFlate(a.Data)
		if err != nil {
			return backend.Spec{}, errcode.Wrap(errcode.IO, err)
		}
	}
	if len(a.Data) < minCompressibleBytes() {
		codec = codecFlate
		compressed, err = compressFlate(a.Data)
		if err != nil {
			return backend.Spec{}, errcode.Wrap(errcode.IO, err)
		}
	}

	id := uuid.New().String()
	path := filepath.Join(b.stageDir, id+".h5l")
	record := encodeRecord(codec, a.DType, a.Shape, compressed)
	if err := os.WriteFile(path, record, 0o644); err != nil {
		return backend.Spec{}, errcode.Wrap(errcode.IO, err)
	}
	return backend.Spec{Code: b.variant, IsLocal: true, Payload: []byte(id)}, nil
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
	codec, dtype, shape, compressed, err := decodeRecord(raw)
	if err != nil {
		return backend.Array{}, err
	}
	var data []byte
	switch codec {
	case codecZstd:
		data, err = decompressZstd(compressed)
	case codecFlate:
		data, err = decompressFlate(compressed)
	default:
		err = fmt.Errorf("hdf5lite: unknown codec tag %q", codec)
	}
	if err != nil {
		return backend.Array{}, errcode.Wrap(errcode.Corruption, err)
	}
	return backend.Array{DType: dtype, Shape: shape, Data: data}, nil
}

func (b *Backend) DeleteInProcessData(spec backend.Spec) error {
	id := string(spec.Payload)
	path := filepath.Join(b.stageDir, id+".h5l")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errcode.Wrap(errcode.IO, err)
	}
	return nil
}

// Promote moves a staged payload file into storeDir, satisfying
// backend.LocalPromoter.
func (b *Backend) Promote(spec backend.Spec, storeDir string) error {
	id := string(spec.Payload)
	src := filepath.Join(b.stageDir, id+".h5l")
	dst := filepath.Join(storeDir, id+".h5l")
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.Rename(src, dst); err != nil {
		return errcode.Wrap(errcode.IO, err)
	}
	return nil
}

func (b *Backend) locate(id string) (string, error) {
	name := id + ".h5l"
	if p := filepath.Join(b.storeDir, name); fileExists(p) {
		return p, nil
	}
	if p := filepath.Join(b.stageDir, name); fileExists(p) {
		return p, nil
	}
	return "", errcode.New(errcode.NotFound, "hdf5lite: payload %q not found in store or stage", id)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func (b *Backend) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(b.level))
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressZstd(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

func compressFlate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressFlate(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	return io.ReadAll(r)
}

// minCompressibleBytes mirrors the original's rule that a compression
// buffer under 16 bytes is unsupported and must fall back (spec §9(a)).
func minCompressibleBytes() int { return 16 }

func encodeRecord(codec byte, dtype string, shape []int64, payload []byte) []byte {
	var header []byte
	header = append(header, codec)
	header = appendUvarint(header, uint64(len(dtype)))
	header = append(header, dtype...)
	header = appendUvarint(header, uint64(len(shape)))
	for _, dim := range shape {
		header = appendUvarint(header, uint64(dim))
	}
	header = appendUvarint(header, uint64(len(payload)))
	return append(header, payload...)
}

func decodeRecord(raw []byte) (codec byte, dtype string, shape []int64, payload []byte, err error) {
	if len(raw) < 1 {
		return 0, "", nil, nil, errcode.New(errcode.Corruption, "hdf5lite: empty record")
	}
	codec = raw[0]
	buf := raw[1:]

	dtypeLen, n, err := readUvarint(buf)
	if err != nil {
		return 0, "", nil, nil, errcode.Wrap(errcode.Corruption, err)
	}
	buf = buf[n:]
	if uint64(len(buf)) < dtypeLen {
		return 0, "", nil, nil, errcode.New(errcode.Corruption, "hdf5lite: truncated dtype field")
	}
	dtype = string(buf[:dtypeLen])
	buf = buf[dtypeLen:]

	rank, n, err := readUvarint(buf)
	if err != nil {
		return 0, "", nil, nil, errcode.Wrap(errcode.Corruption, err)
	}
	buf = buf[n:]
	shape = make([]int64, rank)
	for i := range shape {
		dim, n, err := readUvarint(buf)
		if err != nil {
			return 0, "", nil, nil, errcode.Wrap(errcode.Corruption, err)
		}
		shape[i] = int64(dim)
		buf = buf[n:]
	}

	payloadLen, n, err := readUvarint(buf)
	if err != nil {
		return 0, "", nil, nil, errcode.Wrap(errcode.Corruption, err)
	}
	buf = buf[n:]
	if uint64(len(buf)) < payloadLen {
		return 0, "", nil, nil, errcode.New(errcode.Corruption, "hdf5lite: truncated payload field")
	}
	payload = append([]byte(nil), buf[:payloadLen]...)
	return codec, dtype, shape, payload, nil
}

func appendUvarint(b []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(b, tmp[:n]...)
}

func readUvarint(b []byte) (uint64, int, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, fmt.Errorf("hdf5lite: malformed uvarint (code=%d)", n)
	}
	return v, n, nil
}
