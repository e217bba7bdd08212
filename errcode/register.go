// Package errcode implements Hangar's error-kind registry, adapted from
// the teacher's registry/api/errcode package. Where the teacher maps each
// registered code to an HTTP status for an API response, this package
// maps each of the nine kinds spec §7 names to a process exit status
// (spec §6), since Hangar has no HTTP surface of its own.
package errcode

import (
	"fmt"
	"sync"
)

// Code identifies one of the error kinds named in spec §7.
type Code string

// ErrorDescriptor documents a registered Code, mirroring the teacher's
// ErrorDescriptor shape (Value/Message/Description/status) with
// DefaultStatusCode replaced by ExitStatus.
type ErrorDescriptor struct {
	Code        Code
	Message     string
	Description string
	// ExitStatus is the process exit status a driver should use when this
	// kind escapes uncaught (spec §6).
	ExitStatus int
}

var (
	mu          sync.Mutex
	descriptors = map[Code]ErrorDescriptor{}
)

func register(d ErrorDescriptor) Code {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := descriptors[d.Code]; exists {
		panic(fmt.Sprintf("errcode: code %q registered twice", d.Code))
	}
	descriptors[d.Code] = d
	return d.Code
}

// Descriptor looks up the registered descriptor for code, if any.
func Descriptor(code Code) (ErrorDescriptor, bool) {
	mu.Lock()
	defer mu.Unlock()
	d, ok := descriptors[code]
	return d, ok
}

// The nine error kinds spec §7 names, each carrying the exit status
// spec §6 assigns: 0 success (never used here), 1 generic failure, 2
// invalid-arg, 3 corruption, 4 lock-held. Kinds spec §6 doesn't name an
// exit status for (schema-mismatch, not-found, dirty-switch, closed,
// empty-commit, io) are caller-facing and map to the generic failure
// status, matching the teacher's own pattern of reusing a generic code
// for conditions with no dedicated wire status.
var (
	InvalidArg = register(ErrorDescriptor{
		Code:        "INVALID_ARG",
		Message:     "invalid argument",
		Description: "A caller-supplied value violates a contract of the operation.",
		ExitStatus:  2,
	})

	SchemaMismatch = register(ErrorDescriptor{
		Code:        "SCHEMA_MISMATCH",
		Message:     "value incompatible with column schema",
		Description: "A sample's dtype or shape does not match the column's declared schema.",
		ExitStatus:  1,
	})

	NotFound = register(ErrorDescriptor{
		Code:        "NOT_FOUND",
		Message:     "not found",
		Description: "A referenced key, branch, or commit does not exist.",
		ExitStatus:  1,
	})

	DirtySwitch = register(ErrorDescriptor{
		Code:        "DIRTY_SWITCH",
		Message:     "cannot switch branch with a dirty staging area",
		Description: "A writer checkout was bootstrapped against a branch other than the one the staging area currently tracks, and the stage is dirty.",
		ExitStatus:  1,
	})

	LockHeld = register(ErrorDescriptor{
		Code:        "LOCK_HELD",
		Message:     "writer lock already held",
		Description: "Another writer checkout currently holds the repository's exclusive writer lock.",
		ExitStatus:  4,
	})

	Closed = register(ErrorDescriptor{
		Code:        "CLOSED",
		Message:     "operation on closed handle",
		Description: "The checkout, column, or metadata handle used for this operation has already been closed or invalidated.",
		ExitStatus:  1,
	})

	EmptyCommit = register(ErrorDescriptor{
		Code:        "EMPTY_COMMIT",
		Message:     "nothing to commit",
		Description: "commit or reset_staging_area was called while the staging area was CLEAN.",
		ExitStatus:  1,
	})

	Corruption = register(ErrorDescriptor{
		Code:        "CORRUPTION",
		Message:     "repository corruption detected",
		Description: "An invariant (I1-I6), a digest mismatch, or an unparseable record was found. Always accompanied by a corruption-risk event.",
		ExitStatus:  3,
	})

	IO = register(ErrorDescriptor{
		Code:        "IO",
		Message:     "backing store failure",
		Description: "A read or write against the filesystem or an embedded key-value store failed.",
		ExitStatus:  1,
	})
)
