// Package swmr provides single-writer/multiple-reader access to
// variable-length records stored in a page-cached, tick-versioned
// container file.
//
// One writer process appends, lengthens, shortens and deletes records
// in the file's heap region. Any number of reader processes open the
// same file read-only and observe a consistent view of each record
// without taking locks. Readers that catch a record mid-mutation
// detect the torn read, retry on the next tick boundary, and give up
// cleanly after a bounded budget.
//
// # Basic Usage
//
// Reader:
//
//	f, err := swmr.Open(swmr.Options{Path: "data.swmr"})
//	if err != nil {
//	    // handle
//	}
//	defer f.Close()
//
//	payload, err := f.ReadRecord(ctx, "dset-0")
//
// Writer:
//
//	w, err := swmr.OpenWriter(swmr.Options{Path: "data.swmr"})
//	w.CreateRecord("dset-0", []byte("content 0 seq 1 short"))
//	w.UpdateRecord("dset-0", []byte("content 0 seq 2 longer..."))
//	w.DeleteRecord("dset-0")
//	w.Close()
//
// # Concurrency
//
//   - Read methods on [File] are safe for concurrent use.
//   - Exactly one [Writer] may be active at a time (across all
//     processes); a second open returns [ErrBusy].
//   - Methods on [Writer] are NOT thread-safe.
//
// The writer publishes every mutation through a seqlock generation in
// the file header and advances a logical tick counter. Readers bound
// their patience in ticks: a read that keeps failing validation is
// retried once per tick and reported as [ErrExhausted] after
// MaxLag+1 attempts.
//
// # Error Handling
//
// Callers distinguish three non-success outcomes with [errors.Is]:
// [ErrNotFound] (the record genuinely does not exist), [ErrExhausted]
// (bounded retries consumed — expected under heavy writer churn), and
// fatal errors ([ErrCorrupt], I/O failures) which are never retried.
package swmr
