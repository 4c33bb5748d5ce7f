package swmr

import (
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

// openPageFile creates a file with the given content and returns an
// fd the test's page cache reads through.
func openPageFile(t *testing.T, content []byte) int {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pages.bin")

	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing backing file: %v", err)
	}

	fd, err := syscall.Open(path, syscall.O_RDWR, 0)
	if err != nil {
		t.Fatalf("opening backing file: %v", err)
	}

	t.Cleanup(func() { _ = syscall.Close(fd) })

	return fd
}

func Test_PageCache_Fetch_Serves_From_Cache_After_Miss(t *testing.T) {
	t.Parallel()

	content := bytes.Repeat([]byte{0xAB}, 1024)
	fd := openPageFile(t, content)

	pc := newPageCache(fd, 512)

	page, err := pc.fetch(0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if !bytes.Equal(page, content[:512]) {
		t.Fatal("fetched page does not match backing bytes")
	}

	_, err = pc.fetch(0)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	hits, misses := pc.stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("hits=%d misses=%d, want 1/1", hits, misses)
	}
}

func Test_PageCache_Fetch_ZeroFills_Past_EOF(t *testing.T) {
	t.Parallel()

	fd := openPageFile(t, bytes.Repeat([]byte{0xCD}, 300))

	pc := newPageCache(fd, 512)

	page, err := pc.fetch(0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if len(page) != 512 {
		t.Fatalf("page is %d bytes, want 512", len(page))
	}

	if !bytes.Equal(page[:300], bytes.Repeat([]byte{0xCD}, 300)) {
		t.Fatal("file bytes missing from page")
	}

	if !isZero(page[300:]) {
		t.Fatal("bytes past EOF are not zero")
	}
}

func Test_PageCache_Serves_Stale_Image_Until_Invalidated(t *testing.T) {
	t.Parallel()

	fd := openPageFile(t, bytes.Repeat([]byte{0x01}, 512))

	pc := newPageCache(fd, 512)

	stale, err := pc.fetch(0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	// Simulate a writer commit changing the page on disk.
	if err := pwriteFull(fd, bytes.Repeat([]byte{0x02}, 512), 0); err != nil {
		t.Fatalf("pwrite: %v", err)
	}

	cached, err := pc.fetch(0)
	if err != nil {
		t.Fatalf("fetch after write: %v", err)
	}

	if !bytes.Equal(cached, stale) {
		t.Fatal("cache reloaded without invalidation")
	}

	pc.invalidate(0)

	fresh, err := pc.fetch(0)
	if err != nil {
		t.Fatalf("fetch after invalidate: %v", err)
	}

	if fresh[0] != 0x02 {
		t.Fatal("invalidate did not force a reload")
	}
}

func Test_PageCache_InvalidateAll_Drops_Every_Page(t *testing.T) {
	t.Parallel()

	fd := openPageFile(t, bytes.Repeat([]byte{0x01}, 2048))

	pc := newPageCache(fd, 512)

	for idx := uint64(0); idx < 4; idx++ {
		if _, err := pc.fetch(idx); err != nil {
			t.Fatalf("fetch %d: %v", idx, err)
		}
	}

	pc.invalidateAll()

	for idx := uint64(0); idx < 4; idx++ {
		if _, err := pc.fetch(idx); err != nil {
			t.Fatalf("refetch %d: %v", idx, err)
		}
	}

	_, misses := pc.stats()
	if misses != 8 {
		t.Fatalf("misses = %d, want 8 (4 cold + 4 after invalidateAll)", misses)
	}
}

func Test_PageCache_Evicts_When_Full(t *testing.T) {
	t.Parallel()

	fd := openPageFile(t, bytes.Repeat([]byte{0x01}, 4096))

	pc := newPageCache(fd, 512)
	pc.maxPages = 2

	for idx := uint64(0); idx < 4; idx++ {
		if _, err := pc.fetch(idx); err != nil {
			t.Fatalf("fetch %d: %v", idx, err)
		}
	}

	pc.mu.Lock()
	n := len(pc.pages)
	pc.mu.Unlock()

	if n > 2 {
		t.Fatalf("cache holds %d pages, cap is 2", n)
	}
}

func Test_PageCache_Fetch_After_Drop_Returns_ErrClosed(t *testing.T) {
	t.Parallel()

	fd := openPageFile(t, make([]byte, 512))

	pc := newPageCache(fd, 512)
	pc.drop()

	_, err := pc.fetch(0)
	if err != ErrClosed {
		t.Fatalf("fetch after drop = %v, want ErrClosed", err)
	}
}
