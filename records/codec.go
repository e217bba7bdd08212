package records

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hangar-io/hangar/digest"
)

// ErrCorrupt is the sentinel wrapped by every decode failure in this
// package. The error-handling design (spec §7) requires every parse
// failure to surface as the *corruption* kind and to be reported through
// the corruption-risk channel; package errcode recognizes this sentinel
// with errors.Is to perform that mapping without records needing to
// import errcode itself.
var ErrCorrupt = errors.New("records: corrupt record")

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrCorrupt}, args...)...)
}

const fieldSep = "\x1f" // ASCII unit separator; never appears in the fields it joins.

// EncodeParents encodes a commit's parent record. A commit has zero, one,
// or two parents; an absent parent is represented by the empty Digest.
// Regular commits carry master populated and dev empty; merge commits
// carry both; the repository's sole initial commit carries neither.
func EncodeParents(master, dev digest.Digest) []byte {
	return []byte(master.String() + fieldSep + dev.String())
}

// DecodeParents is the inverse of EncodeParents.
func DecodeParents(b []byte) (master, dev digest.Digest, err error) {
	parts := strings.Split(string(b), fieldSep)
	if len(parts) != 2 {
		return "", "", corruptf("parents record has %d fields, want 2: %q", len(parts), b)
	}
	return digest.Digest(parts[0]), digest.Digest(parts[1]), nil
}

// EncodeCommitMessage encodes a commit message. The wire form is the
// message's raw UTF-8 bytes; the function exists to keep every record kind
// symmetric under Encode/Decode and to give future message framing (e.g. a
// length prefix) a single place to land.
func EncodeCommitMessage(msg string) []byte {
	return []byte(msg)
}

// DecodeCommitMessage is the inverse of EncodeCommitMessage.
func DecodeCommitMessage(b []byte) (string, error) {
	return string(b), nil
}

// EncodeCommitUser encodes a commit's author name and timestamp.
func EncodeCommitUser(user string, when time.Time) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(when.UnixNano()))
	return append([]byte(user+fieldSep), ts[:]...)
}

// DecodeCommitUser is the inverse of EncodeCommitUser.
func DecodeCommitUser(b []byte) (user string, when time.Time, err error) {
	sep := []byte(fieldSep)
	idx := lastIndex(b, sep)
	if idx < 0 || len(b)-idx-len(sep) != 8 {
		return "", time.Time{}, corruptf("malformed commit-user record (len=%d)", len(b))
	}
	user = string(b[:idx])
	nanos := int64(binary.BigEndian.Uint64(b[idx+len(sep):]))
	return user, time.Unix(0, nanos).UTC(), nil
}

func lastIndex(b, sep []byte) int {
	for i := len(b) - len(sep); i >= 0; i-- {
		match := true
		for j := 0; j < len(sep); j++ {
			if b[i+j] != sep[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// Schema is the decoded form of a column's schema record (spec §3,
// "Schema").
type Schema struct {
	DType              string
	Shape              []int64
	VariableShape      bool
	ContainsSubsamples bool
	// BackendCode and BackendOpts are the column's declared default
	// backend, if any was pinned at creation rather than left to the
	// selection heuristic (spec §4.1). Empty BackendCode means "use the
	// heuristic at write time".
	BackendCode string
	BackendOpts string
}

// EncodeSchema renders s to its permanent wire form: one field-separated
// record of dtype, comma-joined shape, two boolean flags, and the backend
// pin (possibly empty).
func EncodeSchema(s Schema) []byte {
	dims := make([]string, len(s.Shape))
	for i, d := range s.Shape {
		dims[i] = strconv.FormatInt(d, 10)
	}
	fields := []string{
		s.DType,
		strings.Join(dims, ","),
		strconv.FormatBool(s.VariableShape),
		strconv.FormatBool(s.ContainsSubsamples),
		s.BackendCode,
		s.BackendOpts,
	}
	return []byte(strings.Join(fields, fieldSep))
}

// DecodeSchema is the inverse of EncodeSchema.
func DecodeSchema(b []byte) (Schema, error) {
	fields := strings.Split(string(b), fieldSep)
	if len(fields) != 6 {
		return Schema{}, corruptf("schema record has %d fields, want 6", len(fields))
	}
	var shape []int64
	if fields[1] != "" {
		for _, dimStr := range strings.Split(fields[1], ",") {
			d, err := strconv.ParseInt(dimStr, 10, 64)
			if err != nil {
				return Schema{}, corruptf("schema record shape dim %q: %v", dimStr, err)
			}
			shape = append(shape, d)
		}
	}
	variable, err := strconv.ParseBool(fields[2])
	if err != nil {
		return Schema{}, corruptf("schema record variable-shape flag %q: %v", fields[2], err)
	}
	subsamples, err := strconv.ParseBool(fields[3])
	if err != nil {
		return Schema{}, corruptf("schema record subsamples flag %q: %v", fields[3], err)
	}
	return Schema{
		DType:              fields[0],
		Shape:              shape,
		VariableShape:      variable,
		ContainsSubsamples: subsamples,
		BackendCode:        fields[4],
		BackendOpts:        fields[5],
	}, nil
}

// EncodeMetadataValue renders a metadata string value to its wire form
// (its raw UTF-8 bytes — metadata values have no internal structure).
func EncodeMetadataValue(v string) []byte {
	return []byte(v)
}

// DecodeMetadataValue is the inverse of EncodeMetadataValue.
func DecodeMetadataValue(b []byte) (string, error) {
	return string(b), nil
}

// EncodeSpecEnvelope wraps a backend's private spec payload with the
// two-character backend code and locality flag every spec carries (spec
// §3, "Spec"). The backend-private payload format itself is owned by each
// backend implementation (package backend and its subpackages); this
// envelope is the permanent, backend-agnostic wrapper around it.
func EncodeSpecEnvelope(code string, islocal bool, payload []byte) ([]byte, error) {
	if len(code) != 2 {
		return nil, fmt.Errorf("records: backend code %q must be exactly 2 characters", code)
	}
	out := make([]byte, 0, 2+1+len(payload))
	out = append(out, code[0], code[1])
	if islocal {
		out = append(out, 'L')
	} else {
		out = append(out, 'R')
	}
	out = append(out, payload...)
	return out, nil
}

// DecodeSpecEnvelope is the inverse of EncodeSpecEnvelope.
func DecodeSpecEnvelope(b []byte) (code string, islocal bool, payload []byte, err error) {
	if len(b) < 3 {
		return "", false, nil, corruptf("spec envelope too short (len=%d)", len(b))
	}
	code = string(b[:2])
	switch b[2] {
	case 'L':
		islocal = true
	case 'R':
		islocal = false
	default:
		return "", false, nil, corruptf("spec envelope locality flag %q invalid", b[2])
	}
	return code, islocal, b[3:], nil
}

// EncodeWriterLockFree is the sentinel value stored at WriterLockKey when
// no writer currently holds the lock.
func EncodeWriterLockFree() []byte { return []byte("") }

// IsWriterLockFree reports whether the raw branchenv value at
// WriterLockKey represents the unlocked state.
func IsWriterLockFree(b []byte) bool { return len(b) == 0 }
