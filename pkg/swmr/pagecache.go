package swmr

import (
	"sync"
)

// pageCache caches fixed-size pages of the container's heap region.
//
// A fetch serves from cache when the page is present; otherwise it
// preads the page from the backing file and caches it. Each cached
// page is a single pread image, so one fetch never mixes bytes from
// two different writer commits within a page. Staleness is possible
// by design: a cached page may predate the writer's latest commit,
// which is exactly the skew the out-of-bounds trap detects.
//
// Invalidation is the only writer-to-reader channel: when the reader
// observes a newer seqlock generation it drops cached pages so the
// next fetch reloads post-commit images.
//
// Safe for concurrent use.
type pageCache struct {
	mu       sync.Mutex
	fd       int
	pageSize int
	pages    map[uint64][]byte

	// maxPages bounds memory. When full, an arbitrary page is
	// evicted; the access pattern here is a handful of hot records,
	// so anything smarter than random eviction is wasted code.
	maxPages int

	hits   uint64
	misses uint64
}

// defaultMaxCachedPages bounds the per-handle page cache
// (128 pages * 4 KiB default page size = 512 KiB).
const defaultMaxCachedPages = 128

func newPageCache(fd, pageSize int) *pageCache {
	return &pageCache{
		fd:       fd,
		pageSize: pageSize,
		pages:    make(map[uint64][]byte),
		maxPages: defaultMaxCachedPages,
	}
}

// fetch returns the cached image of page idx, loading it from the
// backing file on a miss. The returned slice is always pageSize long;
// bytes past end-of-file are zero. Callers must not mutate it.
func (pc *pageCache) fetch(idx uint64) ([]byte, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.pages == nil {
		return nil, ErrClosed
	}

	if page, ok := pc.pages[idx]; ok {
		pc.hits++

		return page, nil
	}

	pc.misses++

	page := make([]byte, pc.pageSize)

	// Short reads past EOF leave the tail zeroed; the trap classifies
	// a frame that lands in the zeroed region as out-of-bounds.
	_, err := preadFull(pc.fd, page, int64(idx)*int64(pc.pageSize))
	if err != nil {
		return nil, err
	}

	if len(pc.pages) >= pc.maxPages {
		pc.evictOneLocked()
	}

	pc.pages[idx] = page

	return page, nil
}

// invalidate drops the cached copy of page idx, if any.
func (pc *pageCache) invalidate(idx uint64) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	delete(pc.pages, idx)
}

// invalidateAll drops every cached page.
func (pc *pageCache) invalidateAll() {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	clear(pc.pages)
}

// drop releases the cache map entirely (handle close).
func (pc *pageCache) drop() {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.pages = nil
}

// stats returns cumulative hit/miss counters.
func (pc *pageCache) stats() (hits, misses uint64) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	return pc.hits, pc.misses
}

func (pc *pageCache) evictOneLocked() {
	for idx := range pc.pages {
		delete(pc.pages, idx)

		return
	}
}
