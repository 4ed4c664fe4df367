package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"gomapimg/archive"
	"gomapimg/common"
	"gomapimg/config"
	"gomapimg/kph"
	"gomapimg/mapimg"
	"gomapimg/phsvc"
	"gomapimg/region"
)

// Options collected from the command line.
type Options struct {
	Verbose     bool
	Parallel    bool
	MaxWorkers  int
	Dump        bool
	All         bool
	ShowHelp    bool
	ShowVersion bool
}

// ProcessStats accumulates results across files.
type ProcessStats struct {
	mu        sync.Mutex
	Processed int
	Failed    int
	Images    int
	Archives  int
	Entries   int
	Walkers   int // walkers that stopped on an error
}

const versionString = "gomapimg, version 0.3"

var (
	opts  = &Options{}
	stats = &ProcessStats{}

	verbose     = flag.Bool("v", false, "Enable verbose output")
	parallel    = flag.Bool("j", false, "Process files in parallel")
	maxWorkers  = flag.Int("workers", 4, "Maximum number of parallel workers")
	dump        = flag.Bool("dump", false, "Dump decoded tables instead of formatting them")
	all         = flag.Bool("all", false, "Run every walker that applies to the image")
	configPath  = flag.String("config", "", "Load settings from a YAML file")
	pid         = flag.Int("pid", 0, "Read the image loaded in this process instead of files")
	base        = flag.Uint64("base", 0, "Base address of the image in -pid")
	size        = flag.Int("size", 0, "Bytes to read at -base (default: the image's SizeOfImage)")
	serveMode   = flag.Bool("serve", false, "Run the service port until idle or interrupted")

	stringSections = flag.String("section", "", "Comma-separated sections scanned by -strings; a trailing * matches a prefix")
	minStringLen   = flag.Int("min", 6, "Minimum length of strings reported by -strings")

	showHelp    = flag.Bool("help", false, "Display this help and exit")
	showVersion = flag.Bool("version", false, "Display version information and exit")
)

// ProcessResult is the outcome of inspecting one file or process image.
type ProcessResult struct {
	Filename string
	Kind     string
	Size     int64
	Results  []*common.OperationResult
	Output   bytes.Buffer
	Error    error
}

func init() {
	for i := range walkers {
		walkers[i].enabled = flag.Bool(walkers[i].name, false, walkers[i].usage)
	}
	flag.Usage = customUsage
}

func customUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] FILE...\n", os.Args[0])
	_, _ = fmt.Fprintln(os.Stderr, "Inspect mapped PE and ELF images and import library archives.")
	_, _ = fmt.Fprintln(os.Stderr, "")
	_, _ = fmt.Fprintln(os.Stderr, "Options:")
	flag.PrintDefaults()
	_, _ = fmt.Fprintln(os.Stderr, "")
	_, _ = fmt.Fprintln(os.Stderr, "Examples:")
	_, _ = fmt.Fprintf(os.Stderr, "  %s /usr/bin/ls                    # Full report\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  %s -exports -imports app.dll       # Selected tables\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  %s -j -workers=8 *.so              # Parallel processing with 8 workers\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  %s -pid 1234 -base 0x7ff600000000  # Image loaded in another process\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  %s -serve -config gomapimg.yaml     # Run the service port\n", os.Args[0])
}

func parseFlags() {
	flag.Parse()

	opts.Verbose = *verbose
	opts.Parallel = *parallel
	opts.MaxWorkers = *maxWorkers
	opts.Dump = *dump
	opts.All = *all
	opts.ShowHelp = *showHelp
	opts.ShowVersion = *showVersion

	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	if opts.MaxWorkers > 16 {
		opts.MaxWorkers = 16
	}
}

func loadConfig() (config.Config, error) {
	if *configPath == "" {
		return config.Default(), nil
	}
	return config.Load(*configPath)
}

// inspect writes the selected tables, or the full report when none is
// selected, and records the walker summary.
func inspect(result *ProcessResult, img *mapimg.MappedImage) {
	result.Kind = img.Kind().String()
	result.Size = int64(img.Region().Len())

	selected := selectedWalkers(opts.All)
	if len(selected) == 0 {
		if err := img.Report(&result.Output); err != nil {
			result.Error = err
			return
		}
		result.Results = img.Walk()
		return
	}

	p := newPrinter(&result.Output, opts.Verbose, opts.Dump)
	fmt.Fprintf(&result.Output, "%s: %s\n", result.Filename, result.Kind)
	failed := p.run(img, selected)
	result.Results = append(img.Walk(), failed...)
}

func inspectArchive(result *ProcessResult, a *archive.Archive) {
	result.Kind = "archive"
	result.Size = int64(a.Region().Len())
	if err := a.Report(&result.Output); err != nil {
		result.Error = err
		return
	}
	result.Results = a.Walk()
}

func processFile(filename string, limits mapimg.Limits) *ProcessResult {
	result := &ProcessResult{Filename: filename}

	fileInfo, err := os.Stat(filename)
	if err != nil {
		result.Error = fmt.Errorf("cannot access file: %w", err)
		return result
	}
	if !fileInfo.Mode().IsRegular() {
		result.Error = fmt.Errorf("not a regular file")
		return result
	}

	r, err := region.Open(filename, false)
	if err != nil {
		result.Error = fmt.Errorf("failed to map file: %w", err)
		return result
	}
	defer r.Close()

	a, err := archive.Open(r)
	switch {
	case err == nil:
		inspectArchive(result, a)
		return result
	case !errors.Is(err, common.ErrArchiveMagic):
		result.Error = err
		return result
	}

	img, err := mapimg.IdentifyWithLimits(r, limits)
	if err != nil {
		result.Error = err
		return result
	}
	inspect(result, img)
	return result
}

// processRemote inspects the image loaded at base in another process.
// Without a size only the module's own SizeOfImage is read, which limits
// it to PE images.
func processRemote(pid int, base uint64, size int, limits mapimg.Limits) *ProcessResult {
	name := fmt.Sprintf("pid %d @ 0x%x", pid, base)
	result := &ProcessResult{Filename: name}

	var img *mapimg.MappedImage
	var err error
	if size > 0 {
		var r *region.Region
		r, err = region.OpenRemote(name, base, size, region.ProcessReader(pid))
		if err == nil {
			if img, err = mapimg.IdentifyWithLimits(r, limits); err != nil {
				r.Close()
			}
		}
	} else {
		img, err = mapimg.OpenProcessImage(pid, base, limits)
	}
	if err != nil {
		result.Error = err
		return result
	}
	defer img.Close()

	inspect(result, img)
	return result
}

func processFilesSequential(filenames []string, limits mapimg.Limits) []ProcessResult {
	results := make([]ProcessResult, 0, len(filenames))

	for _, filename := range filenames {
		result := processFile(filename, limits)
		printResult(result)
		results = append(results, *result)
	}

	return results
}

func processFilesParallel(filenames []string, limits mapimg.Limits) []ProcessResult {
	jobs := make(chan string, len(filenames))
	results := make(chan *ProcessResult, len(filenames))

	var wg sync.WaitGroup
	for i := 0; i < opts.MaxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for filename := range jobs {
				results <- processFile(filename, limits)
			}
		}()
	}

	go func() {
		for _, filename := range filenames {
			jobs <- filename
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var allResults []ProcessResult
	for result := range results {
		printResult(result)
		allResults = append(allResults, *result)
	}

	return allResults
}

func printResult(result *ProcessResult) {
	if result.Output.Len() > 0 {
		_, _ = os.Stdout.Write(result.Output.Bytes())
		fmt.Println()
	}
	if !opts.Verbose {
		return
	}
	if result.Error != nil {
		_, _ = fmt.Fprintf(os.Stderr, "  ❌ %s: %v\n", filepath.Base(result.Filename), result.Error)
		return
	}
	entries, failed := countResults(result.Results)
	fmt.Printf("  ✅ %s: %s, %d bytes, %d entries, %d walkers failed\n",
		filepath.Base(result.Filename), result.Kind, result.Size, entries, failed)
}

func countResults(results []*common.OperationResult) (entries, failed int) {
	for _, r := range results {
		if r.Err != nil {
			failed++
			continue
		}
		entries += r.Count
	}
	return entries, failed
}

func updateStats(results []ProcessResult) {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	for _, result := range results {
		stats.Processed++
		if result.Error != nil {
			stats.Failed++
			continue
		}
		if result.Kind == "archive" {
			stats.Archives++
		} else {
			stats.Images++
		}
		entries, failed := countResults(result.Results)
		stats.Entries += entries
		stats.Walkers += failed
	}
}

func printSummary() {
	if stats.Processed == 0 {
		return
	}

	fmt.Printf("\nSummary:\n")
	fmt.Printf("  Files processed: %d\n", stats.Processed)
	fmt.Printf("  Successful: %d (%d images, %d archives)\n", stats.Processed-stats.Failed, stats.Images, stats.Archives)
	fmt.Printf("  Failed: %d\n", stats.Failed)
	fmt.Printf("  Entries walked: %d\n", stats.Entries)
	if stats.Walkers > 0 {
		fmt.Printf("  Walkers stopped on errors: %d\n", stats.Walkers)
	}
}

// serve runs the service port with a command channel device behind it. The
// port shuts down after the configured idle time or on SIGINT/SIGTERM.
func serve(cfg config.Config) error {
	logger := log.New(os.Stderr, "gomapimg: ", log.LstdFlags)
	if !opts.Verbose {
		logger.SetFlags(0)
	}

	params, err := cfg.Driver.Parameters()
	if err != nil {
		return err
	}
	device, err := kph.NewDevice(params, kph.Options{Logger: logger})
	if err != nil {
		return err
	}
	srv, err := phsvc.NewServer(cfg.Service.Server(device, logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if idle := cfg.Service.IdleTimeout; idle > 0 {
		go func() {
			if err := srv.WaitIdle(ctx, idle); err == nil {
				logger.Printf("no clients for %s, shutting down", idle)
				cancel()
			}
		}()
	}

	logger.Printf("listening on %s (%s, %d workers)", cfg.Service.Path, cfg.Service.Level, cfg.Service.Workers)
	return srv.Serve(ctx)
}

func main() {
	parseFlags()

	if opts.ShowHelp {
		flag.Usage()
		os.Exit(0)
	}

	if opts.ShowVersion {
		fmt.Println(versionString)
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(2)
	}

	if *serveMode {
		if err := serve(cfg); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
			os.Exit(1)
		}
		return
	}

	limits := cfg.Image.Limits()
	filenames := flag.Args()

	var results []ProcessResult
	switch {
	case *pid != 0:
		result := processRemote(*pid, *base, *size, limits)
		printResult(result)
		results = append(results, *result)
	case len(filenames) == 0:
		flag.Usage()
		os.Exit(0)
	case opts.Parallel && len(filenames) > 1:
		if opts.Verbose {
			fmt.Printf("Processing %d files with %d workers...\n", len(filenames), opts.MaxWorkers)
		}
		results = processFilesParallel(filenames, limits)
	default:
		results = processFilesSequential(filenames, limits)
	}

	updateStats(results)

	if !opts.Verbose {
		for _, result := range results {
			if result.Error != nil {
				_, _ = fmt.Fprintf(os.Stderr, "%s: %s: %v\n", os.Args[0], result.Filename, result.Error)
			}
		}
	}

	if len(results) > 1 || opts.Verbose {
		printSummary()
	}

	if stats.Failed > 0 {
		os.Exit(1)
	}
}
