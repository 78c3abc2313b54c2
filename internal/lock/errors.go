package lock

import "errors"

// Errors reported by stores and lock handles. Callers should match them with errors.Is;
// most are returned wrapped with the parent and target ids.
var (
	// ErrAcquireFailed is returned by Acquire with FailOnMiss when the timeout elapsed or the
	// context was cancelled before a lease was won.
	ErrAcquireFailed = errors.New("failed to acquire lock")

	// ErrRefreshFailed is returned by Refresh with FailOnMiss when the lease is no longer held.
	ErrRefreshFailed = errors.New("failed to refresh lock")

	// ErrReleaseFailed is returned by Release with FailOnMiss when the store reports the
	// lease is still held after the release attempt.
	ErrReleaseFailed = errors.New("failed to release lock")

	// ErrInvalidArgument is returned for missing ids, lock ids or malformed selectors.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoSelector is returned when a handle or store call was given the zero Selector.
	ErrNoSelector = errors.New("no selector configured")

	// ErrNotHeld is returned by Object with FailOnMiss when the handle holds no lease.
	ErrNotHeld = errors.New("lock not held by this handle")

	// ErrAlreadyHeld is returned by Acquire when the handle already holds a lease.
	ErrAlreadyHeld = errors.New("lock already held by this handle")

	// ErrDisposed is returned by every operation on a closed handle.
	ErrDisposed = errors.New("lock handle disposed")

	// ErrConflict is returned when an optimistic backend kept losing the write race.
	ErrConflict = errors.New("concurrent modification")

	// ErrUnversioned is returned by a conditional-write backend that read a document
	// without a version tag and so cannot write it back safely.
	ErrUnversioned = errors.New("document has no version tag")

	// ErrDocumentExists is returned by Create when the id is already taken.
	ErrDocumentExists = errors.New("document already exists")

	// ErrDocumentNotFound is returned by Get when no document has the id.
	ErrDocumentNotFound = errors.New("document not found")
)
