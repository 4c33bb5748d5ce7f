// swmr-reader reads records from a container file while a companion
// swmr-writer mutates them.
//
// It demonstrates the reader side of the protocol: every read either
// returns a consistent committed payload, retries through a caught
// out-of-bounds condition, or gives up with a distinct exhausted
// outcome — it never crashes on a torn read.
//
// Usage:
//
//	swmr-reader [-c config.jsonc] [-f file] [-n iterations] [-W]
//
//	-W: do not wait for the writer's ready marker
//
// Exit codes: 0 success, 1 hard failure, 2 retry budget exhausted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/swmr/internal/config"
	"github.com/calvinalkan/swmr/internal/fs"
	"github.com/calvinalkan/swmr/pkg/swmr"
)

const numRecords = 2

// Exit codes.
const (
	exitOK        = 0
	exitFatal     = 1
	exitExhausted = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		filePath   string
		iterations int
		noWait     bool
	)

	flag.StringVarP(&configPath, "config", "c", "", "JSONC config file")
	flag.StringVarP(&filePath, "file", "f", "", "container file (overrides config)")
	flag.IntVarP(&iterations, "iterations", "n", 100, "number of read iterations to perform")
	flag.BoolVarP(&noWait, "no-wait", "W", false, "do not wait for the writer's ready marker")
	flag.Parse()

	if flag.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "swmr-reader: unexpected command-line arguments")

		return exitFatal
	}

	fsys := fs.NewReal()

	cfg := config.Default()

	if configPath != "" {
		var err error

		cfg, err = config.Load(fsys, configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "swmr-reader: %v\n", err)

			return exitFatal
		}
	}

	if filePath != "" {
		cfg.File = filePath
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tickLen := time.Duration(cfg.TickLenMS) * time.Millisecond

	if !noWait {
		if err := waitForReady(ctx, fsys, cfg.File+".ready", tickLen); err != nil {
			fmt.Fprintf(os.Stderr, "swmr-reader: %v\n", err)

			return exitFatal
		}
	}

	f, err := swmr.Open(cfg.Options())
	if err != nil {
		fmt.Fprintf(os.Stderr, "swmr-reader: open: %v\n", err)

		return exitFatal
	}
	defer f.Close()

	exhausted := 0

	for i := 0; i < iterations; i++ {
		which := i % numRecords
		name := fmt.Sprintf("dset-%d", which)

		fmt.Fprintf(os.Stderr, "iteration %d which %d\n", i, which)

		payload, err := f.ReadRecord(ctx, name)

		switch {
		case err == nil:
			fmt.Printf("%s = %q\n", name, payload)

		case errors.Is(err, swmr.ErrNotFound):
			// The writer deletes records as part of its cycle; absence
			// is an expected, definitive answer.
			fmt.Printf("%s deleted\n", name)

		case errors.Is(err, swmr.ErrExhausted):
			fmt.Fprintf(os.Stderr, "swmr-reader: %v\n", err)
			exhausted++

		case errors.Is(err, swmr.ErrCancelled):
			fmt.Fprintln(os.Stderr, "swmr-reader: cancelled")

			return exitOK

		default:
			fmt.Fprintf(os.Stderr, "swmr-reader: fatal: %v\n", err)

			return exitFatal
		}

		select {
		case <-ctx.Done():
			return exitOK
		case <-time.After(tickLen):
		}
	}

	fmt.Fprintf(os.Stderr, "caught out of bounds %d times\n", f.OutOfBoundsCaught())

	if exhausted > 0 {
		return exitExhausted
	}

	return exitOK
}

// waitForReady polls for the writer's ready marker.
//
// This is harness pacing, not protocol: it only avoids opening a file
// the writer has not created yet.
func waitForReady(ctx context.Context, fsys fs.FS, path string, tickLen time.Duration) error {
	for {
		_, err := fsys.Stat(path)
		if err == nil {
			return nil
		}

		if !os.IsNotExist(err) {
			return fmt.Errorf("stat ready marker: %w", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for writer: %w", ctx.Err())
		case <-time.After(tickLen):
		}
	}
}
