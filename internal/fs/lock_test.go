package fs

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func Test_TryLock_Acquires_And_Releases(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "test.lock")

	lock, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Released lock can be re-acquired.
	lock, err = locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}

	_ = lock.Close()
}

func Test_TryLock_Creates_Parent_Directories(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "a", "b", "test.lock")

	lock, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer lock.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
}

func Test_TryLock_Held_Lock_Returns_ErrWouldBlock(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "test.lock")

	lock, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer lock.Close()

	// flock is per open file description, so a second TryLock conflicts
	// even within one process.
	_, err = locker.TryLock(path)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("second TryLock err = %v, want ErrWouldBlock", err)
	}
}

func Test_Lock_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())

	lock, err := locker.TryLock(filepath.Join(t.TempDir(), "test.lock"))
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func Test_LockWithTimeout_Rejects_NonPositive_Timeout(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())

	_, err := locker.LockWithTimeout(filepath.Join(t.TempDir(), "test.lock"), 0)
	if !errors.Is(err, ErrInvalidTimeout) {
		t.Fatalf("err = %v, want ErrInvalidTimeout", err)
	}

	_, err = locker.LockWithTimeout(filepath.Join(t.TempDir(), "test.lock"), -time.Second)
	if !errors.Is(err, ErrInvalidTimeout) {
		t.Fatalf("err = %v, want ErrInvalidTimeout", err)
	}
}

func Test_LockWithTimeout_Times_Out_On_Held_Lock(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "test.lock")

	lock, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer lock.Close()

	start := time.Now()

	_, err = locker.LockWithTimeout(path, 50*time.Millisecond)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("err = %v, want ErrWouldBlock", err)
	}

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("returned after %s, before the timeout", elapsed)
	}
}

func Test_LockWithTimeout_Acquires_When_Lock_Is_Released(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "test.lock")

	lock, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = lock.Close()
	}()

	got, err := locker.LockWithTimeout(path, 2*time.Second)
	if err != nil {
		t.Fatalf("LockWithTimeout: %v", err)
	}

	_ = got.Close()
}

func Test_TryLock_Detects_Replaced_Lock_File(t *testing.T) {
	t.Parallel()

	// A locker whose flock replaces the lock file mid-acquire: the
	// inode check must catch the swap instead of returning a lock on a
	// deleted inode.
	path := filepath.Join(t.TempDir(), "test.lock")

	locker := NewLocker(NewReal())
	locker.flock = func(fd int, how int) error {
		if err := syscall.Flock(fd, how); err != nil {
			return err
		}

		if how&syscall.LOCK_UN == 0 {
			_ = os.Remove(path)

			f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
			if err != nil {
				return err
			}

			_ = f.Close()
		}

		return nil
	}

	_, err := locker.TryLock(path)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("err = %v, want ErrWouldBlock after inode mismatch", err)
	}
}

func Test_FlockRetryEINTR_Retries_Interrupted_Calls(t *testing.T) {
	t.Parallel()

	calls := 0
	flock := func(fd int, how int) error {
		calls++
		if calls < 3 {
			return syscall.EINTR
		}

		return nil
	}

	if err := flockRetryEINTR(flock, 0, syscall.LOCK_EX); err != nil {
		t.Fatalf("err = %v, want nil after retries", err)
	}

	if calls != 3 {
		t.Fatalf("flock called %d times, want 3", calls)
	}
}

func Test_FlockRetryEINTR_Passes_Through_Other_Errors(t *testing.T) {
	t.Parallel()

	flock := func(fd int, how int) error {
		return syscall.EBADF
	}

	err := flockRetryEINTR(flock, 0, syscall.LOCK_EX)
	if !errors.Is(err, syscall.EBADF) {
		t.Fatalf("err = %v, want EBADF", err)
	}
}
