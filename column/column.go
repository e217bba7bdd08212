// Package column implements Hangar's Column (a.k.a. arrayset) facade
// (spec §4.6): schema declaration, and scoped read/write/delete access to
// a column's samples and, for nested columns, their subsamples. A Handle
// holds backend file handles open across a sequence of operations rather
// than reopening per call, the same "scoped acquisition" shape spec §4.7
// describes for a checkout — closing backend handles on checkout
// commit/reset and invalidating outstanding handles is package
// checkout's job, not this package's.
package column

import (
	"sort"
	"strings"

	"github.com/hangar-io/hangar/backend"
	"github.com/hangar-io/hangar/digest"
	"github.com/hangar-io/hangar/errcode"
	"github.com/hangar-io/hangar/kv"
	"github.com/hangar-io/hangar/records"
	"github.com/hangar-io/hangar/staging"
)

// ValidateColumnName rejects the empty string and any name containing
// "::", package records' internal key-component separator.
func ValidateColumnName(name string) error {
	if name == "" {
		return errcode.New(errcode.InvalidArg, "column: name must not be empty")
	}
	if strings.Contains(name, "::") {
		return errcode.New(errcode.InvalidArg, "column: name must not contain %q", "::")
	}
	return nil
}

// ValidateSampleKey enforces spec §4.6's key-constraint paragraph: sample
// keys are ASCII [A-Za-z0-9_.-] of length 1-16, or non-negative integers
// in [0, 999_999]. String "5" and integer 5 are deliberately distinct
// (spec §9(c), SampleKey's tagged-union representation) — this function
// validates whichever kind the caller already chose, it does not infer
// intent from a key's shape.
func ValidateSampleKey(k records.SampleKey) error {
	switch k.Kind {
	case records.KindStr:
		if len(k.Str) < 1 || len(k.Str) > 16 {
			return errcode.New(errcode.InvalidArg, "column: string key %q must be 1-16 characters", k.Str)
		}
		for _, r := range k.Str {
			if !isKeyRune(r) {
				return errcode.New(errcode.InvalidArg, "column: string key %q contains invalid character %q", k.Str, r)
			}
		}
		return nil
	case records.KindInt:
		if k.Int < 0 || k.Int > 999_999 {
			return errcode.New(errcode.InvalidArg, "column: integer key %d out of range [0, 999999]", k.Int)
		}
		return nil
	default:
		return errcode.New(errcode.InvalidArg, "column: unknown sample key kind %q", k.Kind)
	}
}

func isKeyRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '.' || r == '-':
		return true
	default:
		return false
	}
}

// CreateNDArrayColumn declares a new numeric column: a fixed shape if
// variableShape is false, otherwise shape is the per-dimension maximum a
// written sample may not exceed. Fails with invalid-arg if name already
// names a column.
func CreateNDArrayColumn(hashEnv, stageEnv *kv.Environment, name, dtype string, shape []int64, variableShape, containsSubsamples bool, backendCode, backendOpts string) error {
	return createColumn(hashEnv, stageEnv, name, records.Schema{
		DType:              dtype,
		Shape:              shape,
		VariableShape:      variableShape,
		ContainsSubsamples: containsSubsamples,
		BackendCode:        backendCode,
		BackendOpts:        backendOpts,
	})
}

// CreateStrColumn declares a new column of UTF-8 string samples. Strings
// have no fixed shape, so the schema is always variable-shaped with a
// single dimension bound to the longest string written so far being
// irrelevant: backends accept any length, so Shape is left empty.
func CreateStrColumn(hashEnv, stageEnv *kv.Environment, name string, containsSubsamples bool, backendCode string) error {
	return createColumn(hashEnv, stageEnv, name, records.Schema{
		DType:              "str",
		VariableShape:      true,
		ContainsSubsamples: containsSubsamples,
		BackendCode:        backendCode,
	})
}

func createColumn(hashEnv, stageEnv *kv.Environment, name string, schema records.Schema) error {
	if err := ValidateColumnName(name); err != nil {
		return err
	}
	if schema.BackendCode != "" && !backend.Known(schema.BackendCode) {
		return errcode.New(errcode.InvalidArg, "column: unknown backend code %q", schema.BackendCode)
	}

	var exists bool
	if err := stageEnv.View(func(tx *kv.Txn) error {
		exists = tx.Bucket(kv.RootBucket()).Get(records.ColumnSchemaKey(name)) != nil
		return nil
	}); err != nil {
		return err
	}
	if exists {
		return errcode.New(errcode.InvalidArg, "column: %q already exists", name)
	}

	encoded := records.EncodeSchema(schema)
	d := digest.SchemaDigest(encoded)
	if err := hashEnv.Update(func(tx *kv.Txn) error {
		b := tx.Bucket(kv.RootBucket())
		if b.Get(records.SchemaHashKey(d)) != nil {
			return nil
		}
		return b.Put(records.SchemaHashKey(d), encoded)
	}); err != nil {
		return err
	}
	return stageEnv.Update(func(tx *kv.Txn) error {
		return tx.Bucket(kv.RootBucket()).Put(records.ColumnSchemaKey(name), []byte(d.String()))
	})
}

// ListColumns returns every column name currently declared in stageEnv,
// sorted.
func ListColumns(stageEnv *kv.Environment) ([]string, error) {
	var names []string
	err := stageEnv.View(func(tx *kv.Txn) error {
		return tx.Bucket(kv.RootBucket()).ForEachPrefix(records.ColumnSchemaPrefix(), func(key, _ []byte) error {
			name, ok := records.ParseColumnSchemaKey(key)
			if !ok {
				return errcode.New(errcode.Corruption, "column: malformed column-schema key %q", key)
			}
			names = append(names, name)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// GetSchema resolves name's currently staged schema.
func GetSchema(hashEnv, stageEnv *kv.Environment, name string) (records.Schema, error) {
	var d digest.Digest
	if err := stageEnv.View(func(tx *kv.Txn) error {
		v := tx.Bucket(kv.RootBucket()).Get(records.ColumnSchemaKey(name))
		if v == nil {
			return errcode.New(errcode.NotFound, "column: %q does not exist", name)
		}
		d = digest.Digest(v)
		return nil
	}); err != nil {
		return records.Schema{}, err
	}
	return fetchSchema(hashEnv, d)
}

func fetchSchema(hashEnv *kv.Environment, d digest.Digest) (records.Schema, error) {
	var raw []byte
	if err := hashEnv.View(func(tx *kv.Txn) error {
		raw = tx.Bucket(kv.RootBucket()).Get(records.SchemaHashKey(d))
		return nil
	}); err != nil {
		return records.Schema{}, err
	}
	if raw == nil {
		return records.Schema{}, errcode.New(errcode.Corruption, "column: no hashenv entry for schema digest %s", d)
	}
	return records.DecodeSchema(raw)
}

// Ref is a commit-scoped sample (or subsample) ref, mirroring
// commit.RefEntry's shape minus the column field (a Handle is already
// scoped to one column). A read-only checkout reads a commit's refs once
// via commit.Refs/commit.ColumnSchemas and passes them to OpenReader,
// rather than this package depending on package commit itself — the same
// decoupling package metadata uses for its own commit-scoped reads.
type Ref struct {
	Key    records.SampleKey
	Subkey *records.SampleKey
	Digest digest.Digest
}

type sampleEntry struct {
	key    records.SampleKey
	digest digest.Digest
	subs   map[string]digest.Digest
}

func buildRefIndex(refs []Ref) map[string]*sampleEntry {
	idx := map[string]*sampleEntry{}
	for _, r := range refs {
		enc := string(r.Key.Encode())
		e, ok := idx[enc]
		if !ok {
			e = &sampleEntry{key: r.Key}
			idx[enc] = e
		}
		if r.Subkey == nil {
			e.digest = r.Digest
		} else {
			if e.subs == nil {
				e.subs = map[string]digest.Digest{}
			}
			e.subs[string(r.Subkey.Encode())] = r.Digest
		}
	}
	return idx
}

// Handle is a scoped accessor over one column's samples. Not safe for
// concurrent use.
type Handle struct {
	name     string
	schema   records.Schema
	writable bool
	closed   bool

	hashEnv      *kv.Environment
	stageEnv     *kv.Environment // writable mode only
	stageHashEnv *kv.Environment // writable mode only

	refs map[string]*sampleEntry // read-only mode only: a commit's fixed snapshot

	storeDir, stageDir string
	opened             map[string]backend.Backend
}

// OpenWriter opens a writable handle bound to the live staging area.
func OpenWriter(hashEnv, stageEnv, stageHashEnv *kv.Environment, storeDir, stageDir, name string) (*Handle, error) {
	schema, err := GetSchema(hashEnv, stageEnv, name)
	if err != nil {
		return nil, err
	}
	return &Handle{
		name: name, schema: schema, writable: true,
		hashEnv: hashEnv, stageEnv: stageEnv, stageHashEnv: stageHashEnv,
		storeDir: storeDir, stageDir: stageDir,
		opened: map[string]backend.Backend{},
	}, nil
}

// OpenReader opens a read-only handle bound to a commit's already-read
// schema digest and refs.
func OpenReader(hashEnv *kv.Environment, storeDir, stageDir, name string, schemaDigest digest.Digest, refs []Ref) (*Handle, error) {
	schema, err := fetchSchema(hashEnv, schemaDigest)
	if err != nil {
		return nil, err
	}
	return &Handle{
		name: name, schema: schema, writable: false,
		hashEnv: hashEnv, refs: buildRefIndex(refs),
		storeDir: storeDir, stageDir: stageDir,
		opened: map[string]backend.Backend{},
	}, nil
}

// Name returns the column's name.
func (h *Handle) Name() string { return h.name }

// Schema returns the column's schema.
func (h *Handle) Schema() records.Schema { return h.schema }

// Close releases every backend handle this Handle opened. Safe to call
// more than once.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	var firstErr error
	for _, be := range h.opened {
		if err := be.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.opened = nil
	return firstErr
}

func (h *Handle) checkOpen() error {
	if h.closed {
		return errcode.New(errcode.Closed, "column: handle for %q is closed", h.name)
	}
	return nil
}

func (h *Handle) validateKeyShape(key records.SampleKey, subkey *records.SampleKey) error {
	if err := ValidateSampleKey(key); err != nil {
		return err
	}
	if h.schema.ContainsSubsamples {
		if subkey == nil {
			return errcode.New(errcode.InvalidArg, "column: %q requires a subsample key", h.name)
		}
		if err := ValidateSampleKey(*subkey); err != nil {
			return err
		}
	} else if subkey != nil {
		return errcode.New(errcode.InvalidArg, "column: %q does not contain subsamples", h.name)
	}
	return nil
}

func (h *Handle) validateValue(a backend.Array) error {
	if a.DType != h.schema.DType {
		return errcode.New(errcode.SchemaMismatch, "column: %q expects dtype %q, got %q", h.name, h.schema.DType, a.DType)
	}
	if len(a.Shape) != len(h.schema.Shape) {
		return errcode.New(errcode.SchemaMismatch, "column: %q expects rank %d, got %d", h.name, len(h.schema.Shape), len(a.Shape))
	}
	for i, dim := range a.Shape {
		if h.schema.VariableShape {
			if dim > h.schema.Shape[i] {
				return errcode.New(errcode.SchemaMismatch, "column: %q dimension %d value %d exceeds declared max %d", h.name, i, dim, h.schema.Shape[i])
			}
		} else if dim != h.schema.Shape[i] {
			return errcode.New(errcode.SchemaMismatch, "column: %q expects shape %v, got %v", h.name, h.schema.Shape, a.Shape)
		}
	}
	return nil
}

func (h *Handle) backendFor(code string) (backend.Backend, error) {
	if be, ok := h.opened[code]; ok {
		return be, nil
	}
	be, err := backend.Create(code)
	if err != nil {
		return nil, err
	}
	mode := backend.ModeRead
	if h.writable {
		mode = backend.ModeAppend
	}
	if err := be.Open(mode, h.storeDir, h.stageDir); err != nil {
		return nil, err
	}
	h.opened[code] = be
	return be, nil
}

// Get reads the array stored under key (and subkey, for a nested
// column).
func (h *Handle) Get(key records.SampleKey, subkey *records.SampleKey) (backend.Array, error) {
	if err := h.checkOpen(); err != nil {
		return backend.Array{}, err
	}
	if err := h.validateKeyShape(key, subkey); err != nil {
		return backend.Array{}, err
	}
	d, err := h.resolve(key, subkey)
	if err != nil {
		return backend.Array{}, err
	}
	return h.fetch(d)
}

func (h *Handle) resolve(key records.SampleKey, subkey *records.SampleKey) (digest.Digest, error) {
	if h.writable {
		var d digest.Digest
		err := h.stageEnv.View(func(tx *kv.Txn) error {
			v := tx.Bucket(kv.RootBucket()).Get(records.RefKey(h.name, key, subkey))
			if v == nil {
				return errcode.New(errcode.NotFound, "column: key %s not found in %q", key, h.name)
			}
			d = digest.Digest(v)
			return nil
		})
		return d, err
	}
	e, ok := h.refs[string(key.Encode())]
	if !ok {
		return "", errcode.New(errcode.NotFound, "column: key %s not found in %q", key, h.name)
	}
	if subkey == nil {
		if e.digest.Empty() {
			return "", errcode.New(errcode.NotFound, "column: key %s not found in %q", key, h.name)
		}
		return e.digest, nil
	}
	d, ok := e.subs[string(subkey.Encode())]
	if !ok {
		return "", errcode.New(errcode.NotFound, "column: subsample key %s not found under %s in %q", subkey, key, h.name)
	}
	return d, nil
}

func (h *Handle) fetch(d digest.Digest) (backend.Array, error) {
	var specRaw []byte
	if err := h.hashEnv.View(func(tx *kv.Txn) error {
		specRaw = tx.Bucket(kv.RootBucket()).Get(records.DataHashKey(d))
		return nil
	}); err != nil {
		return backend.Array{}, err
	}
	if specRaw == nil {
		return backend.Array{}, errcode.New(errcode.Corruption, "column: no hashenv entry for digest %s", d)
	}
	code, isLocal, payload, err := records.DecodeSpecEnvelope(specRaw)
	if err != nil {
		return backend.Array{}, errcode.Wrap(errcode.Corruption, err)
	}
	if !isLocal {
		return backend.Array{}, errcode.New(errcode.IO, "column: digest %s is remote-only; fetch it before reading", d)
	}
	be, err := h.backendFor(code)
	if err != nil {
		return backend.Array{}, err
	}
	return be.ReadData(backend.Spec{Code: code, IsLocal: isLocal, Payload: payload})
}

// Set validates value against the column's schema, writes it through the
// appropriate backend if its digest is new, and stages a ref under key
// (and subkey, for a nested column).
func (h *Handle) Set(key records.SampleKey, subkey *records.SampleKey, value backend.Array) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if !h.writable {
		return errcode.New(errcode.InvalidArg, "column: handle for %q is read-only", h.name)
	}
	if err := h.validateKeyShape(key, subkey); err != nil {
		return err
	}
	if err := h.validateValue(value); err != nil {
		return err
	}

	d := digest.ArrayDigest(value.DType, value.Shape, value.Data)

	var exists bool
	if err := h.hashEnv.View(func(tx *kv.Txn) error {
		exists = tx.Bucket(kv.RootBucket()).Get(records.DataHashKey(d)) != nil
		return nil
	}); err != nil {
		return err
	}

	if !exists {
		code := h.schema.BackendCode
		if code == "" {
			code = backend.SelectHeuristic(backend.Prototype{Shape: value.Shape, NBytes: int64(len(value.Data))}, h.schema.VariableShape)
		}
		be, err := h.backendFor(code)
		if err != nil {
			return err
		}
		spec, err := be.WriteData(value)
		if err != nil {
			return err
		}
		envelope, err := records.EncodeSpecEnvelope(spec.Code, spec.IsLocal, spec.Payload)
		if err != nil {
			return err
		}
		if err := h.hashEnv.Update(func(tx *kv.Txn) error {
			return tx.Bucket(kv.RootBucket()).Put(records.DataHashKey(d), envelope)
		}); err != nil {
			return err
		}
		if err := staging.MarkStaged(h.stageHashEnv, d); err != nil {
			return err
		}
	}

	return h.stageEnv.Update(func(tx *kv.Txn) error {
		return tx.Bucket(kv.RootBucket()).Put(records.RefKey(h.name, key, subkey), []byte(d.String()))
	})
}

// Delete removes key's staged ref. For a nested column, passing a nil
// subkey removes every subsample staged under key.
func (h *Handle) Delete(key records.SampleKey, subkey *records.SampleKey) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if !h.writable {
		return errcode.New(errcode.InvalidArg, "column: handle for %q is read-only", h.name)
	}
	if err := ValidateSampleKey(key); err != nil {
		return err
	}
	if subkey != nil {
		if err := ValidateSampleKey(*subkey); err != nil {
			return err
		}
	}

	if h.schema.ContainsSubsamples && subkey == nil {
		var keys [][]byte
		if err := h.stageEnv.View(func(tx *kv.Txn) error {
			return tx.Bucket(kv.RootBucket()).ForEachPrefix(subPrefix(h.name, key), func(k, _ []byte) error {
				keys = append(keys, append([]byte(nil), k...))
				return nil
			})
		}); err != nil {
			return err
		}
		if len(keys) == 0 {
			return errcode.New(errcode.NotFound, "column: key %s not found in %q", key, h.name)
		}
		return h.stageEnv.Update(func(tx *kv.Txn) error {
			b := tx.Bucket(kv.RootBucket())
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
	}

	refKey := records.RefKey(h.name, key, subkey)
	return h.stageEnv.Update(func(tx *kv.Txn) error {
		b := tx.Bucket(kv.RootBucket())
		if b.Get(refKey) == nil {
			return errcode.New(errcode.NotFound, "column: key %s not found in %q", key, h.name)
		}
		return b.Delete(refKey)
	})
}

// Len returns the number of distinct sample keys in the column.
func (h *Handle) Len() (int, error) {
	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	if h.writable {
		seen := map[string]bool{}
		if err := h.stageEnv.View(func(tx *kv.Txn) error {
			return tx.Bucket(kv.RootBucket()).ForEachPrefix(records.ColumnRefPrefix(h.name), func(key, _ []byte) error {
				_, sample, _, err := records.ParseRefKey(key)
				if err != nil {
					return errcode.Wrap(errcode.Corruption, err)
				}
				seen[string(sample.Encode())] = true
				return nil
			})
		}); err != nil {
			return 0, err
		}
		return len(seen), nil
	}
	return len(h.refs), nil
}

// SubLen returns the number of subsample keys staged under key, for a
// nested column.
func (h *Handle) SubLen(key records.SampleKey) (int, error) {
	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	if err := ValidateSampleKey(key); err != nil {
		return 0, err
	}
	if !h.schema.ContainsSubsamples {
		return 0, errcode.New(errcode.InvalidArg, "column: %q does not contain subsamples", h.name)
	}
	if h.writable {
		n := 0
		if err := h.stageEnv.View(func(tx *kv.Txn) error {
			return tx.Bucket(kv.RootBucket()).ForEachPrefix(subPrefix(h.name, key), func(_, _ []byte) error {
				n++
				return nil
			})
		}); err != nil {
			return 0, err
		}
		return n, nil
	}
	e, ok := h.refs[string(key.Encode())]
	if !ok {
		return 0, nil
	}
	return len(e.subs), nil
}

// Keys returns every distinct sample key in the column, sorted (string
// keys before int keys, then by native ordering within each kind).
func (h *Handle) Keys() ([]records.SampleKey, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	var out []records.SampleKey
	if h.writable {
		seen := map[string]records.SampleKey{}
		if err := h.stageEnv.View(func(tx *kv.Txn) error {
			return tx.Bucket(kv.RootBucket()).ForEachPrefix(records.ColumnRefPrefix(h.name), func(key, _ []byte) error {
				_, sample, _, err := records.ParseRefKey(key)
				if err != nil {
					return errcode.Wrap(errcode.Corruption, err)
				}
				seen[string(sample.Encode())] = sample
				return nil
			})
		}); err != nil {
			return nil, err
		}
		out = make([]records.SampleKey, 0, len(seen))
		for _, k := range seen {
			out = append(out, k)
		}
	} else {
		out = make([]records.SampleKey, 0, len(h.refs))
		for _, e := range h.refs {
			out = append(out, e.key)
		}
	}
	sortKeys(out)
	return out, nil
}

func sortKeys(keys []records.SampleKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind == records.KindStr
		}
		if keys[i].Kind == records.KindInt {
			return keys[i].Int < keys[j].Int
		}
		return keys[i].Str < keys[j].Str
	})
}

// subPrefix returns the scan prefix covering every subsample ref staged
// under key: RefKey(column, key, nil) never ends in "::", so appending it
// here cannot accidentally match a distinct, longer top-level key that
// merely shares key's encoded form as a prefix.
func subPrefix(column string, key records.SampleKey) []byte {
	return append(records.RefKey(column, key, nil), []byte("::")...)
}
