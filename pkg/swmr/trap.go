package swmr

import (
	"encoding/binary"
)

// Out-of-bounds trap.
//
// The trap is the classifier consulted after every fetch: it compares
// what the directory promised (the resolved view) against the frame
// bytes actually retrieved from the heap, and decides whether a
// mismatch is the recoverable signature of a read that straddled a
// writer commit, or real corruption. It is a pure function of its
// inputs; retry policy lives entirely in [File.ReadRecord].

// trapKind classifies a validation outcome.
type trapKind int

const (
	// trapOK: the frame matches the resolved view; the payload is a
	// consistent committed image.
	trapOK trapKind = iota

	// trapOutOfBounds: the frame does not correspond to the resolved
	// view in a way a concurrent commit explains (stale metadata
	// against a fresh page, or fresh metadata against a stale or
	// not-yet-visible page). Recoverable by retry.
	trapOutOfBounds

	// trapFatal: the bytes at the resolved location are structurally
	// impossible for any commit. Not retryable.
	trapFatal
)

// trapResult carries the classification and a short reason for
// diagnostics.
type trapResult struct {
	kind   trapKind
	reason string
}

// checkFrame validates a fetched frame against the resolved view.
//
// frame must hold at least frameHeaderSize bytes (the fetch path
// zero-fills past end-of-file, so short heaps show up as zeroed
// headers, not short slices).
func checkFrame(view resolvedView, frame []byte) trapResult {
	if len(frame) < frameHeaderSize {
		return trapResult{kind: trapFatal, reason: "frame buffer shorter than header"}
	}

	magic := binary.LittleEndian.Uint32(frame[frmOffMagic:])

	if magic != frameMagic {
		if isZero(frame[:frameHeaderSize]) {
			// The directory points at heap bytes that are not visible
			// yet (or were served from a pre-commit page image).
			return trapResult{kind: trapOutOfBounds, reason: "out of bounds"}
		}

		return trapResult{kind: trapFatal, reason: "bad frame magic"}
	}

	length := binary.LittleEndian.Uint32(frame[frmOffLength:])
	recordGen := binary.LittleEndian.Uint64(frame[frmOffRecordGen:])
	nameHash := binary.LittleEndian.Uint64(frame[frmOffNameHash:])

	// Any single mismatch between a well-formed frame and the resolved
	// view is the torn-read signature: the two were taken from
	// different commits. The writer never rewrites a live frame in
	// place, so under a settled writer view and frame always agree.
	if uint64(length) != view.length {
		return trapResult{kind: trapOutOfBounds, reason: "out of bounds"}
	}

	if recordGen != view.recordGen {
		return trapResult{kind: trapOutOfBounds, reason: "out of bounds"}
	}

	if nameHash != view.nameHash {
		return trapResult{kind: trapOutOfBounds, reason: "out of bounds"}
	}

	if uint64(len(frame)) < frameHeaderSize+view.length {
		return trapResult{kind: trapFatal, reason: "frame buffer shorter than payload"}
	}

	return trapResult{kind: trapOK}
}

// isZero reports whether every byte in buf is zero.
func isZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}

	return true
}
