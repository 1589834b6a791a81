// Package config parses the single option string controlling this
// library: space-separated KEY=VALUE pairs, read from an environment
// variable and augmentable via API. Unknown keys are warned and ignored.
//
// Grounded on internal/xflag.Func's generic-parser idiom (a function from
// a string to (T, error), here applied to one key at a time instead of
// one flag.FlagSet entry) and on original_source/src/mpatrol.c's own
// MALLOPT-style option-string table, which this key set mirrors. Fields
// that distinguish "unset" from "set to the zero value" (LogFile,
// ProgramFile, UnfreedAbort) use pkg/opt.Option[T] rather than a pointer
// or a sentinel.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/flier/memguard/pkg/allocator"
	"github.com/flier/memguard/pkg/failpolicy"
	"github.com/flier/memguard/pkg/integrity"
	"github.com/flier/memguard/pkg/opt"
)

// PageAllocMode selects page-granular placement, per the "page-alloc
// mode (upper|lower)" key.
type PageAllocMode int

const (
	PageAllocNone PageAllocMode = iota
	PageAllocUpper
	PageAllocLower
)

// Config is the parsed form of the option string: every recognised key,
// grouped by the subsystem it configures.
type Config struct {
	Allocator   allocator.Config
	FailPolicy  failpolicy.Config
	Integrity   integrity.Config
	PageAlloc   PageAllocMode

	LogFile        opt.Option[string] // "%n" template expands to the PID
	ProgramFile    opt.Option[string]
	SafeSignals    bool
	NoProtect      bool
	NoFree         bool
	PreserveConts  bool
	OverflowWatch  bool
	UseMmap        bool
	UseDebug       bool
	LogAll         bool
	UnfreedAbort   opt.Option[uint64]

	ShowMap    bool
	ShowSymbols bool
	ShowFree   bool
	ShowFreed  bool
	ShowUnfreed bool
}

// Default returns the configuration in effect with no options set,
// matching the allocator's documented defaults (alignment the pointer
// size, a 0xFB overflow byte, a 16-byte overflow region, no byte limit,
// no quarantine, integrity sweeps over the whole heap).
func Default() Config {
	return Config{
		Allocator: allocator.Config{
			Alignment:     8,
			OverflowSize:  16,
			GuardByte:     0xFB,
			AllocFillByte: 0xCD,
			FreeFillByte:  0xDD,
			MinSplit:      32,
		},
		Integrity: integrity.Config{Scope: integrity.All},
	}
}

// Warning reports an unrecognised key encountered while parsing. Unknown
// keys are warned and ignored.
type Warning struct {
	Key string
}

func (w Warning) String() string { return fmt.Sprintf("config: unknown key %q ignored", w.Key) }

// Parse parses an option string of space-separated KEY=VALUE pairs into
// cfg, returning one [Warning] per unrecognised key.
func Parse(s string, cfg Config) (Config, []Warning) {
	var warnings []Warning

	for _, field := range strings.Fields(s) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			warnings = append(warnings, Warning{Key: field})
			continue
		}

		if !apply(&cfg, strings.ToUpper(key), value) {
			warnings = append(warnings, Warning{Key: key})
		}
	}

	return cfg, warnings
}

func apply(cfg *Config, key, value string) bool {
	switch key {
	case "ALLOCSTOP":
		cfg.FailPolicy.StopIndex = parseUint(value)
	case "FREESTOP", "REALLOCSTOP":
		// Aliases of ALLOCSTOP in the original; this distillation tracks one
		// stop-index shared across allocation-like operations.
		cfg.FailPolicy.StopIndex = parseUint(value)
	case "ALLOCBYTE":
		cfg.Allocator.AllocFillByte = parseByte(value)
	case "FREEBYTE":
		cfg.Allocator.FreeFillByte = parseByte(value)
	case "OFLOWBYTE":
		cfg.Allocator.GuardByte = parseByte(value)
	case "OFLOWSIZE":
		cfg.Allocator.OverflowSize = int(parseUint(value))
	case "ALIGN":
		cfg.Allocator.Alignment = int(parseUint(value))
	case "LIMIT":
		cfg.FailPolicy.ByteLimit = parseUint(value)
	case "FAILFREQ":
		cfg.FailPolicy.FailFrequency = parseUint(value)
	case "FAILSEED":
		cfg.FailPolicy.Seed = parseUint(value)
	case "LOGFILE":
		cfg.LogFile = opt.Some(value)
	case "PROGFILE":
		cfg.ProgramFile = opt.Some(value)
	case "CHECKFREQ":
		cfg.Integrity.Frequency = parseUint(value)
	case "CHECKALL":
		cfg.Integrity.CheckAll = parseBool(value)
	case "PAGEALLOC":
		switch strings.ToLower(value) {
		case "upper":
			cfg.PageAlloc = PageAllocUpper
		case "lower":
			cfg.PageAlloc = PageAllocLower
		default:
			return false
		}
	case "SAFESIGNALS":
		cfg.SafeSignals = parseBool(value)
	case "NOPROTECT":
		cfg.NoProtect = parseBool(value)
		cfg.Allocator.NoProtect = cfg.NoProtect
	case "NOFREE":
		cfg.NoFree = parseBool(value)
	case "PRESERVE":
		cfg.PreserveConts = parseBool(value)
	case "OFLOWWATCH":
		cfg.OverflowWatch = parseBool(value)
	case "USEMMAP":
		cfg.UseMmap = parseBool(value)
	case "USEDEBUG":
		cfg.UseDebug = parseBool(value)
	case "SHOWMAP":
		cfg.ShowMap = parseBool(value)
	case "SHOWSYMBOLS":
		cfg.ShowSymbols = parseBool(value)
	case "SHOWFREE":
		cfg.ShowFree = parseBool(value)
	case "SHOWFREED":
		cfg.ShowFreed = parseBool(value)
	case "SHOWUNFREED":
		cfg.ShowUnfreed = parseBool(value)
	case "UNFREEDABORT":
		cfg.UnfreedAbort = opt.Some(parseUint(value))
	case "LOGALL":
		cfg.LogAll = parseBool(value)
	default:
		return false
	}
	return true
}

func parseUint(s string) uint64 {
	n, _ := strconv.ParseUint(s, 0, 64)
	return n
}

func parseByte(s string) byte {
	n, _ := strconv.ParseUint(s, 0, 8)
	return byte(n)
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
