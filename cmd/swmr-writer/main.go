// swmr-writer is the companion writer process for the SWMR reader
// harness.
//
// It opens (or creates) the shared container file, publishes a ready
// marker so readers know the file is initialized, and then cycles
// each record through create -> lengthen -> shorten -> delete steps,
// one commit per tick.
//
// Usage:
//
//	swmr-writer [-c config.jsonc] [-f file] [-n steps]
package main

import (
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

// Mutation step cycle, matching the shapes the readers must tolerate:
// a record appears, grows, shrinks, and disappears.
const (
	stepCreate = iota
	stepLengthen
	stepShorten
	stepDelete
	numSteps
)

// Payload tails per step; lengthen/shorten move between them.
var stepTails = map[int]string{
	stepCreate:   "short",
	stepLengthen: "long long long long long long long long",
	stepShorten:  "medium medium medium",
}

const numRecords = 2

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "swmr-writer: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		filePath   string
		steps      int
	)

	flag.StringVarP(&configPath, "config", "c", "", "JSONC config file")
	flag.StringVarP(&filePath, "file", "f", "", "container file (overrides config)")
	flag.IntVarP(&steps, "steps", "n", 100, "number of mutation steps to perform")
	flag.Parse()

	if flag.NArg() > 0 {
		return errors.New("unexpected command-line arguments")
	}

	fsys := fs.NewReal()

	cfg := config.Default()

	if configPath != "" {
		var err error

		cfg, err = config.Load(fsys, configPath)
		if err != nil {
			return err
		}
	}

	if filePath != "" {
		cfg.File = filePath
	}

	w, err := swmr.OpenWriter(cfg.Options())
	if err != nil {
		return fmt.Errorf("open writer: %w", err)
	}
	defer w.Close()

	tick, err := w.Tick()
	if err != nil {
		return fmt.Errorf("read tick: %w", err)
	}

	// Publish the ready marker only after the container is
	// initialized; readers poll for it instead of racing the create.
	readyPath := cfg.File + ".ready"

	marker := fmt.Sprintf("pid %d tick %d\n", os.Getpid(), tick)
	if err := fsys.WriteFileAtomic(readyPath, []byte(marker)); err != nil {
		return fmt.Errorf("publish ready marker: %w", err)
	}

	defer func() { _ = fsys.Remove(readyPath) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	tickLen := time.Duration(cfg.TickLenMS) * time.Millisecond
	seq := make([]int, numRecords)

	for i := 0; i < steps; i++ {
		which := i % numRecords
		step := (i / numRecords) % numSteps
		name := fmt.Sprintf("dset-%d", which)

		if err := mutate(w, name, which, step, &seq[which]); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, name, err)
		}

		tick, err = w.Tick()
		if err != nil {
			return fmt.Errorf("read tick: %w", err)
		}

		fmt.Fprintf(os.Stderr, "step %d which %d tick %d\n", i, which, tick)

		select {
		case <-stop:
			fmt.Fprintln(os.Stderr, "interrupted")

			return nil
		case <-time.After(tickLen):
		}
	}

	return nil
}

// mutate applies one lifecycle step to the named record.
func mutate(w *swmr.Writer, name string, which, step int, seq *int) error {
	if step == stepDelete {
		err := w.DeleteRecord(name)
		if errors.Is(err, swmr.ErrNotFound) {
			// Deleted in a previous cycle that was cut short.
			return w.AdvanceTick()
		}

		return err
	}

	*seq++
	payload := []byte(fmt.Sprintf("content %d seq %d %s", which, *seq, stepTails[step]))

	if step == stepCreate {
		err := w.CreateRecord(name, payload)
		if errors.Is(err, swmr.ErrExists) {
			return w.UpdateRecord(name, payload)
		}

		return err
	}

	return w.UpdateRecord(name, payload)
}
