package swmr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// cancelled wraps a context error so callers can match both
// [ErrCancelled] and the underlying context sentinel.
func cancelled(ctxErr error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
}

// validateRecordName checks name against the directory entry limits.
func validateRecordName(name string) error {
	if name == "" {
		return fmt.Errorf("record name is empty: %w", ErrInvalidInput)
	}

	if len(name) > maxRecordNameLen {
		return fmt.Errorf("record name %d bytes exceeds max %d: %w", len(name), maxRecordNameLen, ErrInvalidInput)
	}

	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("record name contains NUL: %w", ErrInvalidInput)
	}

	return nil
}

// ReadRecord reads the current content of the named record.
//
// The read is a small state machine per attempt: resolve the record
// through the metadata directory, fetch the covering heap pages
// through the page cache, validate the assembled frame against the
// resolved view. A validation mismatch that a concurrent writer
// commit explains is retried on the next tick boundary; the budget is
// MaxLag+1 attempts.
//
// The returned slice is a private copy.
//
// Possible errors:
//   - [ErrNotFound]: the record does not exist (not retried)
//   - [ErrExhausted]: the retry budget was consumed
//   - [ErrCancelled]: ctx was cancelled between states
//   - [ErrCorrupt]: structural damage under a stable snapshot
//   - [ErrClosed], [ErrInvalidInput]
//   - wrapped syscall errors on backing-store failure
func (f *File) ReadRecord(ctx context.Context, name string) ([]byte, error) {
	if f.closed() {
		return nil, ErrClosed
	}

	if err := validateRecordName(name); err != nil {
		return nil, err
	}

	nameBytes := []byte(name)
	budget := f.retryBudget()

	for attempt := uint64(0); ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}

		payload, retryable, err := f.lockedAttempt(nameBytes)
		if err != nil {
			return nil, err
		}

		if !retryable {
			return payload, nil
		}

		if attempt+1 >= budget {
			return nil, fmt.Errorf("record %q still inconsistent after %d attempts: %w", name, attempt+1, ErrExhausted)
		}

		if err := f.waitTick(ctx); err != nil {
			return nil, err
		}
	}
}

// lockedAttempt runs one attempt while holding the handle's read
// lock, so a concurrent [File.Close] cannot unmap the metadata region
// under the attempt's feet. Close takes the write lock and therefore
// waits for in-flight attempts to finish; the lock is released across
// the tick wait so Close never blocks on a sleeping reader.
func (f *File) lockedAttempt(name []byte) ([]byte, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.isClosed {
		return nil, false, ErrClosed
	}

	return f.readAttempt(name)
}

// readAttempt runs one RESOLVE -> FETCH -> VALIDATE pass.
//
// Returns (payload, false, nil) on acceptance, (nil, true, nil) when
// the attempt observed a recoverable torn state, and a terminal error
// otherwise.
func (f *File) readAttempt(name []byte) ([]byte, bool, error) {
	view, err := f.resolve(name)
	if err != nil {
		if errors.Is(err, errContended) {
			// Could not take a stable metadata snapshot; the commit
			// that blocked us will have settled by the next tick.
			return nil, true, nil
		}

		return nil, false, err
	}

	frame, err := f.fetchFrame(view)
	if err != nil {
		return nil, false, err
	}

	result := checkFrame(view, frame)

	switch result.kind {
	case trapOK:
		payload := make([]byte, view.length)
		copy(payload, frame[frmOffPayload:frmOffPayload+int(view.length)])

		return payload, false, nil

	case trapOutOfBounds:
		f.oobCaught.Add(1)
		f.invalidateCovering(view)

		return nil, true, nil

	default:
		return nil, false, fmt.Errorf("%s at heap offset %d: %w", result.reason, view.heapOffset, ErrCorrupt)
	}
}

// fetchFrame assembles the heap frame described by view from the
// page cache. The result holds frameHeaderSize + view.length bytes;
// regions past end-of-file arrive zero-filled.
func (f *File) fetchFrame(view resolvedView) ([]byte, error) {
	total := frameHeaderSize + view.length
	pageSize := uint64(f.pageSize)

	frame := make([]byte, total)

	firstPage := view.heapOffset / pageSize
	lastPage := (view.heapOffset + total - 1) / pageSize

	filled := uint64(0)

	for idx := firstPage; idx <= lastPage; idx++ {
		page, err := f.pages.fetch(idx)
		if err != nil {
			return nil, err
		}

		pageStart := idx * pageSize

		from := uint64(0)
		if pageStart < view.heapOffset {
			from = view.heapOffset - pageStart
		}

		filled += uint64(copy(frame[filled:], page[from:]))
	}

	return frame, nil
}

// invalidateCovering drops the cached pages covering view, so the
// next attempt refetches post-commit images.
func (f *File) invalidateCovering(view resolvedView) {
	total := frameHeaderSize + view.length
	pageSize := uint64(f.pageSize)

	firstPage := view.heapOffset / pageSize
	lastPage := (view.heapOffset + total - 1) / pageSize

	for idx := firstPage; idx <= lastPage; idx++ {
		f.pages.invalidate(idx)
	}
}
