// Rox CLI - the main entry point for running Lox programs
package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"

	"github.com/roxlang/rox/compiler"
	"github.com/roxlang/rox/manifest"
	"github.com/roxlang/rox/vm"

	_ "github.com/tliron/commonlog/simple"
)

// Exit codes follow the sysexits convention: 65 for malformed input, 70 for
// an internal runtime failure.
const (
	exitCompileError = 65
	exitRuntimeError = 70
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output (enables debug logging)")
	interactive := flag.Bool("i", false, "Start interactive REPL")
	trace := flag.Bool("trace", false, "Trace each instruction during execution")
	disasm := flag.Bool("disasm", false, "Print disassembly of the compiled script")
	fingerprint := flag.Bool("fingerprint", false, "Print the compiled script's fingerprint and exit")
	stressGC := flag.Bool("gc-stress", false, "Collect on every allocation")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rox [options] [script]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a Lox script, or starts a REPL when no script is given.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  rox program.lox          # Run a script\n")
		fmt.Fprintf(os.Stderr, "  rox -i                   # Start REPL\n")
		fmt.Fprintf(os.Stderr, "  rox -disasm program.lox  # Show bytecode alongside execution\n")
		fmt.Fprintf(os.Stderr, "  rox                      # Run rox.toml entry, or REPL\n")
	}
	flag.Parse()

	scriptPath := flag.Arg(0)

	// A rox.toml found between here and the filesystem root supplies
	// defaults; flags win over the manifest.
	startDir := "."
	if scriptPath != "" {
		startDir = filepath.Dir(scriptPath)
	}
	m, err := manifest.FindAndLoad(startDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if m == nil {
		m = manifest.Default()
	}

	verbosity := 0
	if *verbose || m.Debug.LogGC {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	vmInst := vm.NewVM()
	vmInst.UseCompiler(compiler.Compile)
	vmInst.SetFrameLimit(m.Runtime.FrameLimit)
	vmInst.Heap().SetGCThreshold(m.GC.InitialThreshold)
	vmInst.Heap().SetGCGrowthFactor(m.GC.GrowthFactor)
	vmInst.Heap().StressGC = m.GC.Stress || *stressGC
	vmInst.TraceExecution = m.Debug.TraceExecution || *trace

	if scriptPath == "" && !*interactive && m.Dir != "" {
		// Manifest-driven run: rox.toml names the entry script.
		if _, err := os.Stat(m.EntryPath()); err == nil {
			scriptPath = m.EntryPath()
		}
	}

	if scriptPath == "" || *interactive {
		runREPL(vmInst)
		return
	}

	source, err := os.ReadFile(scriptPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read %s: %v\n", scriptPath, err)
		os.Exit(1)
	}

	showDisasm := *disasm || m.Debug.PrintDisassembly
	if showDisasm || *fingerprint {
		fnVal, err := compiler.Compile(vmInst.Heap(), string(source))
		if err != nil {
			reportError(err)
			os.Exit(exitCompileError)
		}
		if showDisasm {
			fmt.Print(vmInst.Heap().DisassembleFunction(fnVal))
		}
		if *fingerprint {
			sum, err := vmInst.Heap().Fingerprint(fnVal)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(hex.EncodeToString(sum[:]))
			return
		}
	}

	if _, err := vmInst.Interpret(string(source)); err != nil {
		reportError(err)
		var rerr *vm.RuntimeError
		if errors.As(err, &rerr) {
			os.Exit(exitRuntimeError)
		}
		os.Exit(exitCompileError)
	}

	if *verbose {
		stats := vmInst.Heap().Stats()
		fmt.Fprintf(os.Stderr, "gc: %d collections, %d bytes live, %d objects\n",
			stats.Collections, stats.BytesAllocated, vmInst.Heap().LiveObjects())
	}
}

// reportError prints an error to stderr, in red when stderr is a terminal.
func reportError(err error) {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "\x1b[31m%v\x1b[0m\n", err)
	} else {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
}

// runREPL starts an interactive read-eval-print loop over one persistent
// VM, so globals and class definitions carry across lines.
func runREPL(vmInst *vm.VM) {
	fmt.Println("Rox REPL (type 'exit' to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if line == "exit" || line == "quit" {
			break
		}
		if line == "" {
			continue
		}

		result, err := vmInst.Interpret(line)
		if err != nil {
			reportError(err)
			continue
		}
		if !result.IsNil() {
			fmt.Println(vmInst.Heap().FormatValue(result))
		}
	}
	fmt.Println()
}
