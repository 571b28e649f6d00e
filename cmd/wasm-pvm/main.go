// wasm-pvm compiles a WebAssembly module into a PVM/SPI program image.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	env "github.com/xyproto/env/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/xyproto/wasmpvm/internal/clog"
	"github.com/xyproto/wasmpvm/internal/compiler"
	"github.com/xyproto/wasmpvm/internal/imports"
	"github.com/xyproto/wasmpvm/internal/stackbackend"
)

const versionString = "wasm-pvm 0.1.0"

// importSpecs accumulates repeated -import flags into a name=Action map.
type importSpecs struct {
	byName map[string]imports.Action
}

func (s *importSpecs) String() string {
	if s == nil || len(s.byName) == 0 {
		return ""
	}
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	return strings.Join(names, ",")
}

// Set parses one "-import name=action" occurrence. Recognized action
// forms: trap, nop, hostcall:N, pvmptr:ADDR (ADDR accepts 0x-prefixed hex).
func (s *importSpecs) Set(raw string) error {
	name, spec, ok := strings.Cut(raw, "=")
	if !ok {
		return fmt.Errorf("invalid -import %q: expected name=action", raw)
	}

	kind, arg, _ := strings.Cut(spec, ":")
	var act imports.Action
	switch kind {
	case "trap":
		act = imports.Action{Kind: imports.ActionTrap}
	case "nop":
		act = imports.Action{Kind: imports.ActionNop}
	case "hostcall":
		n, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid -import %q: %w", raw, err)
		}
		act = imports.Action{Kind: imports.ActionHostCall, HostCallNum: uint32(n)}
	case "pvmptr":
		n, err := strconv.ParseInt(arg, 0, 32)
		if err != nil {
			return fmt.Errorf("invalid -import %q: %w", raw, err)
		}
		act = imports.Action{Kind: imports.ActionPvmPtr, PvmAddr: int32(n)}
	default:
		return fmt.Errorf("invalid -import %q: unknown action %q", raw, kind)
	}

	if s.byName == nil {
		s.byName = make(map[string]imports.Action)
	}
	s.byName[name] = act
	return nil
}

func parseEntryConvention(s string) (stackbackend.EntryConvention, error) {
	switch strings.ToLower(s) {
	case "", "bare":
		return stackbackend.EntryBareValue, nil
	case "packed":
		return stackbackend.EntryPackedI64, nil
	case "globals":
		return stackbackend.EntryGlobalsPtrLen, nil
	default:
		return 0, fmt.Errorf("unsupported -entry %q (want bare, packed, or globals)", s)
	}
}

func main() {
	var imps importSpecs

	var (
		outputFlag     = flag.String("o", "", "output SPI program filename (default: input with .wasm replaced by .spi)")
		versionFlag    = flag.Bool("V", false, "print version information and exit")
		versionLong    = flag.Bool("version", false, "print version information and exit")
		verboseFlag    = flag.Bool("v", false, "verbose mode")
		logLevelFlag   = flag.String("log-level", env.Str("WASMPVM_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
		entryFlag      = flag.String("entry", "bare", "entry result convention: bare, packed, or globals")
		globalsPtrFlag = flag.Uint("globals-ptr", 0, "WASM global index holding the result pointer (entry=globals)")
		globalsLenFlag = flag.Uint("globals-len", 0, "WASM global index holding the result length (entry=globals)")
		stackSizeFlag  = flag.Uint("stack-size", 0, "stack size in bytes (default: SPI default)")
		heapPagesFlag  = env.Int("WASMPVM_HEAP_PAGES", 0)
	)
	flag.Var(&imps, "import", "map a WASM import to an action: name=trap|nop|hostcall:N|pvmptr:ADDR (repeatable)")
	flag.Parse()

	if *versionFlag || *versionLong {
		fmt.Println(versionString)
		os.Exit(0)
	}

	if *verboseFlag && *logLevelFlag == "info" {
		*logLevelFlag = "debug"
	}

	inputFiles := flag.Args()
	if len(inputFiles) != 1 {
		fmt.Fprintf(os.Stderr, "usage: wasm-pvm [flags] input.wasm\n")
		flag.PrintDefaults()
		os.Exit(1)
	}
	inputFile := inputFiles[0]

	if err := unix.Access(inputFile, unix.R_OK); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read %s: %v\n", inputFile, err)
		os.Exit(1)
	}

	outputFile := *outputFlag
	if outputFile == "" {
		outputFile = strings.TrimSuffix(inputFile, filepath.Ext(inputFile)) + ".spi"
	}

	logger, err := clog.New(*logLevelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	convention, err := parseEntryConvention(*entryFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	wasmBytes, err := os.ReadFile(inputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading %s: %v\n", inputFile, err)
		os.Exit(1)
	}

	opts := compiler.Options{
		Logger:          logger,
		EntryConvention: convention,
		GlobalsPtrIdx:   uint32(*globalsPtrFlag),
		GlobalsLenIdx:   uint32(*globalsLenFlag),
		Imports:         imps.byName,
		StackSize:       uint32(*stackSizeFlag),
		HeapPages:       uint16(heapPagesFlag),
	}

	program, err := compiler.Compile(wasmBytes, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	encoded := program.Encode()
	if err := os.WriteFile(outputFile, encoded, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: writing %s: %v\n", outputFile, err)
		os.Exit(1)
	}

	logger.Info("wrote SPI program",
		zap.String("input", inputFile),
		zap.String("output", outputFile),
		zap.Int("bytes", len(encoded)),
	)
	if !*verboseFlag {
		fmt.Println(outputFile)
	}
}
