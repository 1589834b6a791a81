// Command memguard is the front-end CLI: it accepts the same option
// letters as the library keys, sets the environment, optionally sets a
// preload library, and runs the child command as a subprocess, waiting for
// it; it does not replace its own process image with the child. The exit
// code is the child's, with its high byte masked.
//
// Grounded on original_source/src/mpatrol.c's main(), which parses a
// getopt option string into a set of library options, folds them into a
// single MP_OPTIONS environment variable of space-separated KEY=VALUE
// pairs (original_source/src/mpatrol.c's setoptions()), optionally sets
// LD_PRELOAD (setlibraries()), then runs the given command with that
// environment. This rendition uses the standard flag package (as
// internal/xflag wraps it elsewhere in this codebase) for option parsing
// rather than a hand-rolled getopt, and os/exec rather than a raw exec
// syscall: the child's exit status still has to be read back to mask its
// low byte into this process's own exit code, which only a
// fork+exec+wait gives a portable Go program.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const version = "1.0.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("memguard", flag.ContinueOnError)

	allocStop := fs.Uint64("A", 0, "stop the program when allocation index A is reached")
	freeStop := fs.Uint64("F", 0, "stop the program when allocation index F is freed")
	allocByte := fs.Uint("a", 0, "8-bit fill pattern for newly allocated memory")
	freeByte := fs.Uint("f", 0, "8-bit fill pattern for newly freed memory")
	align := fs.Uint("D", 0, "default alignment for general-purpose allocations")
	limit := fs.Uint64("L", 0, "maximum number of bytes the library is allowed to allocate")
	logFile := fs.String("l", "memguard.%n.log", "log file name, %n expands to the process id")
	progFile := fs.String("e", "", "alternative filename for locating the program's symbols")
	checkAll := fs.Bool("c", false, "check the integrity of the whole heap after every operation")
	safeSignals := fs.Bool("S", false, "mask signals for the duration of every library call")
	useMmap := fs.Bool("m", false, "obtain all memory from mmap rather than sbrk")
	preload := fs.String("d", "", "shared library to add to LD_PRELOAD before running the command")
	printVersion := fs.Bool("V", false, "print the version number and exit")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [options] command [args...]\n", fs.Name())
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *printVersion {
		fmt.Println("memguard", version)
		return 0
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	opts := buildOptions(optionValues{
		allocStop:   *allocStop,
		freeStop:    *freeStop,
		allocByte:   byte(*allocByte),
		freeByte:    byte(*freeByte),
		align:       *align,
		limit:       *limit,
		logFile:     *logFile,
		progFile:    *progFile,
		checkAll:    *checkAll,
		safeSignals: *safeSignals,
		useMmap:     *useMmap,
	}, fs)

	env := append(os.Environ(), "MEMGUARD_OPTIONS="+opts)
	if *preload != "" {
		env = append(env, "LD_PRELOAD="+*preload)
	}

	cmd := exec.Command(rest[0], rest[1:]...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintf(os.Stderr, "memguard: %s: %v\n", rest[0], err)
			return 1
		}
		return exitErr.ExitCode() & 0xff
	}
	return 0
}

// optionValues holds the flags that were parsed, so buildOptions can tell
// which ones the user actually set apart from their zero values.
type optionValues struct {
	allocStop, freeStop   uint64
	allocByte, freeByte   byte
	align                 uint
	limit                 uint64
	logFile, progFile     string
	checkAll, safeSignals bool
	useMmap               bool
}

// buildOptions folds the parsed flags into the space-separated KEY=VALUE
// option string [internal/config.Parse] consumes, matching
// original_source/src/mpatrol.c's setoptions(): LOGFILE is always present,
// every other key appears only if its flag was explicitly set.
func buildOptions(v optionValues, fs *flag.FlagSet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "LOGFILE=%s", v.logFile)

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["A"] {
		fmt.Fprintf(&b, " ALLOCSTOP=%d", v.allocStop)
	}
	if set["F"] {
		fmt.Fprintf(&b, " FREESTOP=%d", v.freeStop)
	}
	if set["a"] {
		fmt.Fprintf(&b, " ALLOCBYTE=0x%02x", v.allocByte)
	}
	if set["f"] {
		fmt.Fprintf(&b, " FREEBYTE=0x%02x", v.freeByte)
	}
	if set["D"] {
		fmt.Fprintf(&b, " ALIGN=%d", v.align)
	}
	if set["L"] {
		fmt.Fprintf(&b, " LIMIT=%d", v.limit)
	}
	if set["e"] {
		fmt.Fprintf(&b, " PROGFILE=%s", v.progFile)
	}
	if v.checkAll {
		b.WriteString(" CHECKALL=true")
	}
	if v.safeSignals {
		b.WriteString(" SAFESIGNALS=true")
	}
	if v.useMmap {
		b.WriteString(" USEMMAP=true")
	}

	return b.String()
}
