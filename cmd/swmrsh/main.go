// swmrsh is a simple interactive inspector for swmr container files.
//
// Usage:
//
//	swmrsh <container-file>
//
// Commands (in REPL):
//
//	get <name>          Read a record and print its payload
//	ls                  List live record names
//	info                Show superblock state
//	oob                 Show out-of-bounds conditions caught so far
//	watch <name> <n>    Read a record n times, once per tick
//	help                Show this help
//	exit / quit / q     Exit
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/calvinalkan/swmr/pkg/swmr"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: swmrsh <container-file>")

		return errors.New("missing container file path")
	}

	f, err := swmr.Open(swmr.Options{Path: os.Args[1]})
	if err != nil {
		return fmt.Errorf("opening %s: %w", os.Args[1], err)
	}
	defer f.Close()

	info, err := f.Info()
	if err != nil {
		return err
	}

	fmt.Printf("opened %s (page_size=%d md_pages=%d capacity=%d tick=%d)\n",
		os.Args[1], info.PageSize, info.MetadataPages, info.RecordCapacity, info.Tick)

	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("swmr> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println()

				return nil
			}

			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		if done := execute(f, input); done {
			return nil
		}
	}
}

// execute runs one REPL command. Returns true when the session should
// end.
func execute(f *swmr.File, input string) bool {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "exit", "quit", "q":
		return true

	case "help":
		printHelp()

	case "get":
		if len(args) != 1 {
			fmt.Println("usage: get <name>")

			break
		}

		printRead(f, args[0])

	case "ls":
		names, err := f.Names()
		if err != nil {
			fmt.Printf("error: %v\n", err)

			break
		}

		if len(names) == 0 {
			fmt.Println("(no live records)")
		}

		for _, name := range names {
			fmt.Println(name)
		}

	case "info":
		info, err := f.Info()
		if err != nil {
			fmt.Printf("error: %v\n", err)

			break
		}

		fmt.Printf("page_size  %d\n", info.PageSize)
		fmt.Printf("md_pages   %d\n", info.MetadataPages)
		fmt.Printf("capacity   %d\n", info.RecordCapacity)
		fmt.Printf("live       %d\n", info.LiveCount)
		fmt.Printf("tick       %d\n", info.Tick)
		fmt.Printf("generation %d\n", info.Generation)
		fmt.Printf("heap_end   %d\n", info.HeapEnd)

	case "oob":
		fmt.Printf("caught out of bounds %d times\n", f.OutOfBoundsCaught())

	case "watch":
		if len(args) != 2 {
			fmt.Println("usage: watch <name> <count>")

			break
		}

		count, err := strconv.Atoi(args[1])
		if err != nil || count < 1 {
			fmt.Println("count must be a positive integer")

			break
		}

		for i := 0; i < count; i++ {
			printRead(f, args[0])
			time.Sleep(100 * time.Millisecond)
		}

	default:
		fmt.Printf("unknown command %q (try 'help')\n", cmd)
	}

	return false
}

func printRead(f *swmr.File, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := f.ReadRecord(ctx, name)

	switch {
	case err == nil:
		fmt.Printf("%s = %q (%d bytes)\n", name, payload, len(payload))
	case errors.Is(err, swmr.ErrNotFound):
		fmt.Printf("%s: not found\n", name)
	case errors.Is(err, swmr.ErrExhausted):
		fmt.Printf("%s: retry budget exhausted (writer busy?)\n", name)
	default:
		fmt.Printf("%s: error: %v\n", name, err)
	}
}

func printHelp() {
	fmt.Println(`Commands:
  get <name>          Read a record and print its payload
  ls                  List live record names
  info                Show superblock state
  oob                 Show out-of-bounds conditions caught so far
  watch <name> <n>    Read a record n times
  help                Show this help
  exit / quit / q     Exit`)
}
