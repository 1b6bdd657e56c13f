// Golama CLI - loads, verifies, analyzes and runs Lama bytecode files.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/tliron/commonlog"
	"golang.org/x/term"

	"github.com/golama/golama/vm"

	_ "github.com/tliron/commonlog/simple"
)

type options struct {
	inputFile string
	mode      string
	time      bool
	verbose   bool

	configPath    string
	maxStack      int
	dynamicChecks bool
	trace         bool
	emitInfo      string
	useInfo       string
	statsDB       string
	statsTop      int
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("golama", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts options
	fs.StringVar(&opts.mode, "mode", "run", "execution mode: disas, verify, idiom or run")
	fs.BoolVar(&opts.time, "t", false, "measure the execution time")
	fs.BoolVar(&opts.time, "time", false, "measure the execution time")
	fs.BoolVar(&opts.verbose, "v", false, "verbose logging")
	fs.StringVar(&opts.configPath, "config", "", "path to a golama.toml configuration file")
	fs.IntVar(&opts.maxStack, "max-stack", 0, "virtual stack size limit in cells (0 = default)")
	fs.BoolVar(&opts.dynamicChecks, "dynamic-checks", false,
		"replace static verification with per-operation dynamic checks")
	fs.BoolVar(&opts.trace, "trace", false, "print a per-cycle dispatch trace on stderr")
	fs.StringVar(&opts.emitInfo, "emit-info", "", "write the verification result to a cache file")
	fs.StringVar(&opts.useInfo, "use-info", "", "reuse a verification result cache when it matches")
	fs.StringVar(&opts.statsDB, "stats-db", "", "record idiom analysis runs into a SQLite database")
	fs.IntVar(&opts.statsTop, "stats-top", 0, "print the N most frequent idioms across recorded runs")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: golama [options] <input>\n\n")
		fmt.Fprintf(os.Stderr, "  <input>       A path to the Lama bytecode file to interpret.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nModes:\n")
		fmt.Fprintf(os.Stderr, "  disas    disassemble the bytecode and exit\n")
		fmt.Fprintf(os.Stderr, "  verify   only perform bytecode verification\n")
		fmt.Fprintf(os.Stderr, "  idiom    search for bytecode idioms\n")
		fmt.Fprintf(os.Stderr, "  run      execute the bytecode (default)\n")
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	switch opts.mode {
	case "disas", "verify", "idiom", "run":
	default:
		fmt.Fprintf(os.Stderr, "Unrecognized mode: %s\n", opts.mode)
		fs.Usage()
		return 2
	}

	switch fs.NArg() {
	case 0:
		fmt.Fprintln(os.Stderr, "No input path given.")
		fs.Usage()
		return 2
	case 1:
		opts.inputFile = fs.Arg(0)
	default:
		fmt.Fprintf(os.Stderr, "Unexpected positional argument: %s\n", fs.Arg(1))
		fs.Usage()
		return 2
	}

	verbosity := 0
	if opts.verbose {
		verbosity = 1
	}
	commonlog.Configure(verbosity, nil)
	color.NoColor = color.NoColor || !term.IsTerminal(int(os.Stderr.Fd()))

	if err := execute(&opts); err != nil {
		printError(err)
		return 1
	}
	return 0
}

// execute drives the selected mode; every error it returns is fatal.
func execute(opts *options) error {
	if opts.configPath != "" {
		cfg, err := vm.LoadConfig(opts.configPath)
		if err != nil {
			return err
		}
		applyConfig(opts, cfg)
	}

	timings := newTimings(opts.time)
	defer timings.report(os.Stderr)

	mod, err := loadModule(opts.inputFile, timings)
	if err != nil {
		return err
	}

	switch opts.mode {
	case "disas":
		vm.Disassemble(mod.Bytecode, os.Stdout, vm.DisasmOptions{PrintAddr: true})
		return nil

	case "verify":
		info, err := timeVerify(mod, timings)
		if err != nil {
			return err
		}
		if opts.emitInfo != "" {
			return vm.WriteInfoCache(opts.emitInfo, mod, info)
		}
		return nil

	case "idiom":
		info, err := timeVerify(mod, timings)
		if err != nil {
			return err
		}
		var idioms []vm.Idiom
		timings.measure("analysis", func() {
			idioms = vm.FindIdioms(mod, info)
		})
		for _, idiom := range idioms {
			fmt.Printf("%6d  %s\n", idiom.Occurrences, idiom.Render())
		}
		return recordStats(opts, mod, idioms)

	default: // run
		var info *vm.ModuleInfo
		if !opts.dynamicChecks {
			if info, err = resolveInfo(opts, mod, timings); err != nil {
				return err
			}
		}

		interp := vm.NewInterpreter(mod, info, vm.Options{
			DynamicChecks: opts.dynamicChecks,
			Trace:         opts.trace,
			MaxStack:      opts.maxStack,
		})
		var runErr error
		timings.measure("execution", func() {
			runErr = interp.Run()
		})
		return runErr
	}
}

func loadModule(path string, tm *timings) (*vm.Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vm.ErrFileOpen, err)
	}
	defer f.Close()

	name := filepath.Base(path)
	var mod *vm.Module
	var loadErr error
	tm.measure("loading", func() {
		mod, loadErr = vm.NewLoader(name, f).Load()
	})
	return mod, loadErr
}

func timeVerify(mod *vm.Module, tm *timings) (*vm.ModuleInfo, error) {
	var info *vm.ModuleInfo
	var err error
	tm.measure("verification", func() {
		info, err = vm.Verify(mod)
	})
	return info, err
}

// resolveInfo produces the ModuleInfo for a run: from the cache when it
// matches, from full verification otherwise.
func resolveInfo(opts *options, mod *vm.Module, tm *timings) (*vm.ModuleInfo, error) {
	if opts.useInfo != "" {
		// The cache only ever holds results of successful verification
		// of byte-identical modules, so a hit skips verification.
		info, err := vm.ReadInfoCache(opts.useInfo, mod)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, vm.ErrInfoCacheStale) && !os.IsNotExist(errors.Unwrap(err)) {
			return nil, err
		}
	}

	info, err := timeVerify(mod, tm)
	if err != nil {
		return nil, err
	}
	if opts.emitInfo != "" {
		if err := vm.WriteInfoCache(opts.emitInfo, mod, info); err != nil {
			return nil, err
		}
	}
	return info, nil
}

func recordStats(opts *options, mod *vm.Module, idioms []vm.Idiom) error {
	if opts.statsDB == "" {
		return nil
	}
	store, err := vm.OpenStatStore(opts.statsDB)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RecordRun(mod.Name, mod.Fingerprint(), idioms); err != nil {
		return err
	}

	if opts.statsTop > 0 {
		rows, err := store.Top(opts.statsTop)
		if err != nil {
			return err
		}
		fmt.Printf("\nTop %d idioms across all recorded runs:\n", opts.statsTop)
		for _, row := range rows {
			fmt.Printf("%6d  %s\n", row.Occurrences, row.Rendering)
		}
	}
	return nil
}

func applyConfig(opts *options, cfg *vm.Config) {
	if opts.maxStack == 0 {
		opts.maxStack = cfg.Runtime.MaxStack
	}
	if cfg.Runtime.DynamicChecks {
		opts.dynamicChecks = true
	}
	if cfg.Runtime.Trace {
		opts.trace = true
	}
	if opts.statsDB == "" {
		opts.statsDB = cfg.Analysis.StatsDB
	}
	if opts.useInfo == "" {
		opts.useInfo = cfg.Analysis.InfoCache
	}
}

func printError(err error) {
	bold := color.New(color.FgRed, color.Bold)
	bold.Fprintf(os.Stderr, "error: ")
	fmt.Fprintln(os.Stderr, err.Error())

	var rtErr *vm.RuntimeError
	if errors.As(err, &rtErr) && len(rtErr.Backtrace) > 0 {
		fmt.Fprintln(os.Stderr, rtErr.RenderBacktrace())
	}
}
