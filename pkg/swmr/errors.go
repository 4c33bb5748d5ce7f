package swmr

import "errors"

// Sentinel errors returned by swmr operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, swmr.ErrExhausted) {
//	    // writer churn outlasted the retry budget; not a bug
//	}
var (
	// ErrNotFound indicates the named record does not exist.
	//
	// This is a definitive answer taken under a stable metadata
	// snapshot, not a transient condition. It is never retried.
	ErrNotFound = errors.New("swmr: record not found")

	// ErrExhausted indicates the retry budget was consumed while the
	// record kept failing validation on every attempt.
	//
	// Expected under sustained writer mutation of the same record.
	// Recovery: retry the whole read later.
	ErrExhausted = errors.New("swmr: retry budget exhausted")

	// ErrCancelled indicates the caller's context was cancelled
	// between retry attempts. The context error is wrapped.
	ErrCancelled = errors.New("swmr: read cancelled")

	// ErrCorrupt indicates the container file is structurally damaged
	// under a stable metadata snapshot. Never retried.
	//
	// Recovery: the writer must recreate the file.
	ErrCorrupt = errors.New("swmr: corrupt")

	// ErrIncompatible indicates a format or configuration mismatch.
	//
	// The file was created with a different page size or metadata
	// reservation than the options passed to [Open]/[OpenWriter], or
	// its format version is not recognized.
	ErrIncompatible = errors.New("swmr: incompatible")

	// ErrBusy indicates another writer holds the container's write
	// lock.
	//
	// Recovery: retry after a short delay, or find the other writer.
	ErrBusy = errors.New("swmr: busy")

	// ErrFull indicates the record directory has no free entry left.
	//
	// Directory capacity is fixed at creation time by
	// [Options.MetadataPages]. Recovery: recreate with a larger
	// metadata reservation.
	ErrFull = errors.New("swmr: directory full")

	// ErrExists indicates CreateRecord was called for a name that
	// already has a live record. Use [Writer.UpdateRecord] instead.
	ErrExists = errors.New("swmr: record exists")

	// ErrClosed indicates the [File] or [Writer] has already been
	// closed. This is a programming error.
	ErrClosed = errors.New("swmr: closed")

	// ErrInvalidInput indicates invalid arguments were provided.
	//
	// Common causes: empty or oversized record name, bad options,
	// oversized payload. This is a programming error.
	ErrInvalidInput = errors.New("swmr: invalid input")
)

// errContended is an internal sentinel indicating that a metadata
// snapshot could not be taken because the seqlock generation kept
// moving (or an impossible invariant was observed while the generation
// changed underneath the read). The retry loop treats it like an
// out-of-bounds condition: wait a tick, re-resolve. It is never
// returned to callers.
var errContended = errors.New("swmr: internal: metadata snapshot contended")
