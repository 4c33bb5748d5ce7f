package swmr_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/swmr/pkg/swmr"
)

func Test_OpenWriter_Creates_And_Initializes_Empty_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fresh.swmr")

	w, err := swmr.OpenWriter(swmr.Options{Path: path})
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()

	got, err := w.Tick()
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if got != 0 {
		t.Fatalf("fresh container tick = %d, want 0", got)
	}

	f, err := swmr.Open(swmr.Options{Path: path})
	if err != nil {
		t.Fatalf("Open fresh container: %v", err)
	}
	defer f.Close()

	names, err := f.Names()
	if err != nil {
		t.Fatalf("Names: %v", err)
	}

	if len(names) != 0 {
		t.Fatalf("fresh container has records: %v", names)
	}
}

func Test_OpenWriter_Second_Writer_Returns_ErrBusy(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "locked.swmr")

	w, err := swmr.OpenWriter(swmr.Options{Path: path})
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()

	_, err = swmr.OpenWriter(swmr.Options{Path: path})
	if !errors.Is(err, swmr.ErrBusy) {
		t.Fatalf("second OpenWriter err = %v, want ErrBusy", err)
	}

	// Releasing the first writer frees the lock.
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := swmr.OpenWriter(swmr.Options{Path: path})
	if err != nil {
		t.Fatalf("OpenWriter after release: %v", err)
	}

	_ = w2.Close()
}

func Test_OpenWriter_Rejects_Mismatched_Layout(t *testing.T) {
	t.Parallel()

	path := newContainer(t)

	_, err := swmr.OpenWriter(swmr.Options{Path: path, PageSize: 8192})
	if !errors.Is(err, swmr.ErrIncompatible) {
		t.Fatalf("err = %v, want ErrIncompatible", err)
	}
}

func Test_CreateRecord_Duplicate_Returns_ErrExists(t *testing.T) {
	t.Parallel()

	w, err := swmr.OpenWriter(swmr.Options{Path: filepath.Join(t.TempDir(), "t.swmr")})
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()

	if err := w.CreateRecord("rec", []byte("v1")); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	err = w.CreateRecord("rec", []byte("v2"))
	if !errors.Is(err, swmr.ErrExists) {
		t.Fatalf("err = %v, want ErrExists", err)
	}
}

func Test_UpdateRecord_Missing_Returns_ErrNotFound(t *testing.T) {
	t.Parallel()

	w, err := swmr.OpenWriter(swmr.Options{Path: filepath.Join(t.TempDir(), "t.swmr")})
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()

	err = w.UpdateRecord("ghost", []byte("v"))
	if !errors.Is(err, swmr.ErrNotFound) {
		t.Fatalf("update err = %v, want ErrNotFound", err)
	}

	err = w.DeleteRecord("ghost")
	if !errors.Is(err, swmr.ErrNotFound) {
		t.Fatalf("delete err = %v, want ErrNotFound", err)
	}
}

func Test_UpdateRecord_Lengthen_And_Shorten(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "t.swmr")

	w, err := swmr.OpenWriter(swmr.Options{Path: path})
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()

	f, err := swmr.Open(swmr.Options{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	steps := []string{
		"short",
		"a much longer payload that needs a bigger heap frame",
		"s",
		"", // empty payload is a legal record value
	}

	if err := w.CreateRecord("rec", []byte(steps[0])); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	for i, want := range steps {
		if i > 0 {
			if err := w.UpdateRecord("rec", []byte(want)); err != nil {
				t.Fatalf("UpdateRecord step %d: %v", i, err)
			}
		}

		got, err := f.ReadRecord(context.Background(), "rec")
		if err != nil {
			t.Fatalf("ReadRecord step %d: %v", i, err)
		}

		if string(got) != want {
			t.Fatalf("step %d payload = %q, want %q", i, got, want)
		}
	}
}

func Test_DeleteRecord_Frees_The_Directory_Slot(t *testing.T) {
	t.Parallel()

	// One 512-byte metadata page holds the superblock plus exactly two
	// directory entries.
	w, err := swmr.OpenWriter(swmr.Options{
		Path:          filepath.Join(t.TempDir(), "tiny.swmr"),
		PageSize:      512,
		MetadataPages: 1,
	})
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()

	if err := w.CreateRecord("a", []byte("1")); err != nil {
		t.Fatalf("create a: %v", err)
	}

	if err := w.CreateRecord("b", []byte("2")); err != nil {
		t.Fatalf("create b: %v", err)
	}

	err = w.CreateRecord("c", []byte("3"))
	if !errors.Is(err, swmr.ErrFull) {
		t.Fatalf("third create err = %v, want ErrFull", err)
	}

	if err := w.DeleteRecord("a"); err != nil {
		t.Fatalf("delete a: %v", err)
	}

	if err := w.CreateRecord("c", []byte("3")); err != nil {
		t.Fatalf("create c after delete: %v", err)
	}
}

func Test_Writer_Validates_Record_Name(t *testing.T) {
	t.Parallel()

	w, err := swmr.OpenWriter(swmr.Options{Path: filepath.Join(t.TempDir(), "t.swmr")})
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()

	if err := w.CreateRecord("", []byte("v")); !errors.Is(err, swmr.ErrInvalidInput) {
		t.Fatalf("empty name err = %v, want ErrInvalidInput", err)
	}

	if err := w.CreateRecord("bad\x00name", []byte("v")); !errors.Is(err, swmr.ErrInvalidInput) {
		t.Fatalf("NUL name err = %v, want ErrInvalidInput", err)
	}
}

func Test_Every_Commit_Advances_The_Tick(t *testing.T) {
	t.Parallel()

	w, err := swmr.OpenWriter(swmr.Options{Path: filepath.Join(t.TempDir(), "t.swmr")})
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()

	if err := w.CreateRecord("rec", []byte("v1")); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	got, err := w.Tick()
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if got != 1 {
		t.Fatalf("tick after create = %d, want 1", got)
	}

	if err := w.UpdateRecord("rec", []byte("v2")); err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}

	if err := w.AdvanceTick(); err != nil {
		t.Fatalf("AdvanceTick: %v", err)
	}

	if err := w.DeleteRecord("rec"); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}

	got, err = w.Tick()
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if got != 4 {
		t.Fatalf("tick = %d, want 4 (create, update, idle, delete)", got)
	}
}

func Test_Writer_State_Survives_Reopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "persist.swmr")

	w, err := swmr.OpenWriter(swmr.Options{Path: path})
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}

	if err := w.CreateRecord("rec", []byte("generation one")); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w, err = swmr.OpenWriter(swmr.Options{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w.Close()

	tick, err := w.Tick()
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if tick != 1 {
		t.Fatalf("tick after reopen = %d, want 1", tick)
	}

	// The reopened writer appends after the persisted heap end, not
	// over the old frame.
	if err := w.UpdateRecord("rec", []byte("generation two")); err != nil {
		t.Fatalf("UpdateRecord after reopen: %v", err)
	}

	f, err := swmr.Open(swmr.Options{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	payload, err := f.ReadRecord(context.Background(), "rec")
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}

	if string(payload) != "generation two" {
		t.Fatalf("payload = %q, want \"generation two\"", payload)
	}
}

func Test_Writer_Close_Is_Idempotent_And_Terminal(t *testing.T) {
	t.Parallel()

	w, err := swmr.OpenWriter(swmr.Options{Path: filepath.Join(t.TempDir(), "t.swmr")})
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := w.CreateRecord("rec", []byte("v")); !errors.Is(err, swmr.ErrClosed) {
		t.Fatalf("create after close err = %v, want ErrClosed", err)
	}

	if err := w.AdvanceTick(); !errors.Is(err, swmr.ErrClosed) {
		t.Fatalf("tick advance after close err = %v, want ErrClosed", err)
	}

	// Tick on a fresh container is genuinely 0, so a closed writer
	// must report the error instead of an ambiguous zero.
	if _, err := w.Tick(); !errors.Is(err, swmr.ErrClosed) {
		t.Fatalf("tick read after close err = %v, want ErrClosed", err)
	}
}
