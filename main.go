package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"mcdump/common"
	"mcdump/maxtocode"
	"mcdump/perw"

	log "github.com/sirupsen/logrus"
)

// Program configuration
type Config struct {
	Verbose     bool
	Parallel    bool
	MaxWorkers  int
	OutputDir   string
	ShowTable   bool
	ShowHelp    bool
	ShowVersion bool
}

// Totals across every processed file
type ProcessStats struct {
	mu          sync.Mutex
	Processed   int
	Failed      int
	Unpacked    int
	Recovered   int
	SkippedRows int
}

const (
	versionString = "mcdump, version 0.3 (MaxtoCode method body recovery)"
	maxWorkerCap  = 16
)

var (
	config = &Config{}
	stats  = &ProcessStats{}

	verbose     = flag.Bool("v", false, "Enable verbose output")
	parallel    = flag.Bool("j", false, "Process files in parallel")
	maxWorkers  = flag.Int("workers", 4, "Maximum number of parallel workers (default: 4)")
	outputDir   = flag.String("o", "", "Write <file>.methods.json dumps to this directory")
	showTable   = flag.Bool("t", false, "Print a table of the recovered methods")
	showHelp    = flag.Bool("help", false, "Display this help and exit")
	showVersion = flag.Bool("version", false, "Display version information and exit")
)

var ErrNotRegularFile = errors.New("not a regular file")

// ProcessResult is the outcome of recovering the methods of one file
type ProcessResult struct {
	Filename   string
	Methods    map[uint32]*maxtocode.RecoveredMethod
	Stats      maxtocode.Stats
	Operations []*common.OperationResult
	DumpPath   string
	Error      error
}

func init() {
	flag.Usage = customUsage
}

func customUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] FILE...\n", os.Args[0])
	_, _ = fmt.Fprintln(os.Stderr, "Recover the method bodies of MaxtoCode protected .NET assemblies.")
	_, _ = fmt.Fprintln(os.Stderr, "")
	_, _ = fmt.Fprintln(os.Stderr, "Options:")
	flag.PrintDefaults()
	_, _ = fmt.Fprintln(os.Stderr, "")
	_, _ = fmt.Fprintln(os.Stderr, "Examples:")
	_, _ = fmt.Fprintf(os.Stderr, "  %s -t app.exe                # Show recovered methods\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  %s -o dumps *.dll            # Write JSON dumps for the patcher\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  %s -j -workers=8 -o dumps *  # Parallel processing with 8 workers\n", os.Args[0])
}

func parseFlags() {
	flag.Parse()

	config.Verbose = *verbose
	config.Parallel = *parallel
	config.MaxWorkers = clampWorkers(*maxWorkers)
	config.OutputDir = *outputDir
	config.ShowTable = *showTable
	config.ShowHelp = *showHelp
	config.ShowVersion = *showVersion

	if config.Verbose {
		log.SetLevel(log.DebugLevel)
	}
}

func clampWorkers(n int) int {
	return min(max(n, 1), maxWorkerCap)
}

func processFile(filename string) *ProcessResult {
	result := &ProcessResult{Filename: filename}

	fileInfo, err := os.Stat(filename)
	if err != nil {
		result.Error = fmt.Errorf("cannot access file: %w", err)
		return result
	}
	if !fileInfo.Mode().IsRegular() {
		result.Error = ErrNotRegularFile
		return result
	}

	pf, err := perw.Open(filename)
	if err != nil {
		result.Error = err
		return result
	}
	defer func(pf *perw.PEFile) {
		_ = pf.Close()
	}(pf)

	entry := log.WithField("file", filepath.Base(filename))
	logPEInfo(entry, pf)

	methods, recoveryStats, err := maxtocode.DecryptPE(pf, maxtocode.WithLogger(entry))
	if err != nil {
		result.Error = err
		return result
	}
	result.Methods = methods
	result.Stats = recoveryStats
	result.Operations = summarizeRecovery(recoveryStats)

	if config.OutputDir != "" {
		path, err := writeDump(config.OutputDir, filename, methods)
		if err != nil {
			result.Error = fmt.Errorf("failed to write dump: %w", err)
			return result
		}
		result.DumpPath = path
		result.Operations = append(result.Operations,
			common.NewApplied("dump written to "+path, len(methods)))
	}

	return result
}

func logPEInfo(entry *log.Entry, pf *perw.PEFile) {
	fields := log.Fields{
		"machine":  pf.Machine,
		"sections": len(pf.Sections),
		"packed":   pf.IsPacked,
	}
	if s, err := pf.GetSectionByName(".text"); err == nil {
		fields["textEntropy"] = fmt.Sprintf("%.2f", s.Entropy)
	}
	entry.WithFields(fields).Debug("parsed PE image")
}

// summarizeRecovery turns the decrypter counters into report lines.
func summarizeRecovery(s maxtocode.Stats) []*common.OperationResult {
	if s.Records == 0 {
		return []*common.OperationResult{common.NewSkipped("no encrypted method records", 0)}
	}

	ops := []*common.OperationResult{
		common.NewApplied("encrypted method records decrypted", s.Records),
		common.NewApplied("methods recovered", s.Recovered),
	}
	skips := []struct {
		count  int
		reason string
	}{
		{s.SkippedZeroRva, "rows skipped without a body"},
		{s.SkippedUnknownRva, "rows skipped with no encrypted record"},
		{s.SkippedBadMarker, "rows skipped with an unexpected body marker"},
		{s.IndexMismatches, "fragment index mismatches"},
	}
	for _, skip := range skips {
		if skip.count > 0 {
			ops = append(ops, common.NewSkipped(skip.reason, skip.count))
		}
	}
	return ops
}

func processFilesSequential(filenames []string) []ProcessResult {
	results := make([]ProcessResult, 0, len(filenames))

	for _, filename := range filenames {
		result := processFile(filename)
		results = append(results, *result)
		reportResult(result)
	}

	return results
}

func processFilesParallel(filenames []string) []ProcessResult {
	jobs := make(chan string, len(filenames))
	results := make(chan ProcessResult, len(filenames))

	var wg sync.WaitGroup
	for i := 0; i < config.MaxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for filename := range jobs {
				result := processFile(filename)
				results <- *result
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
		allResults = append(allResults, result)
		reportResult(&result)
	}

	return allResults
}

// reportResult prints what the flags ask for. It runs on the collecting
// goroutine only, so output of different files never interleaves.
func reportResult(result *ProcessResult) {
	if config.Verbose {
		printResult(result)
	}
	if config.ShowTable && result.Error == nil && len(result.Methods) > 0 {
		fmt.Printf("\n%s\n", filepath.Base(result.Filename))
		printMethodTable(os.Stdout, result.Methods)
	}
}

func printResult(result *ProcessResult) {
	name := filepath.Base(result.Filename)
	if result.Error != nil {
		_, _ = fmt.Fprintf(os.Stderr, "  ❌ %s: %v\n", name, result.Error)
		return
	}

	fmt.Printf("  ✅ %s: %d methods recovered from %d records\n", name, result.Stats.Recovered, result.Stats.Records)
	details := common.Details(result.Operations)
	fmt.Println(common.FormatOperationResult("     "+name, details, common.CategorizeDetails(details)))
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
		if result.Stats.Records == 0 {
			stats.Unpacked++
		}
		stats.Recovered += result.Stats.Recovered
		stats.SkippedRows += result.Stats.SkippedZeroRva + result.Stats.SkippedUnknownRva + result.Stats.SkippedBadMarker
	}
}

func printSummary() {
	if stats.Processed == 0 {
		return
	}

	fmt.Printf("\nSummary:\n")
	fmt.Printf("  Files processed: %d\n", stats.Processed)
	fmt.Printf("  Successful: %d\n", stats.Processed-stats.Failed)
	fmt.Printf("  Failed: %d\n", stats.Failed)
	if stats.Unpacked > 0 {
		fmt.Printf("  Without encrypted methods: %d\n", stats.Unpacked)
	}
	fmt.Printf("  Methods recovered: %d\n", stats.Recovered)
	if stats.SkippedRows > 0 {
		fmt.Printf("  MethodDef rows skipped: %d\n", stats.SkippedRows)
	}
}

func main() {
	parseFlags()

	if config.ShowHelp {
		flag.Usage()
		os.Exit(0)
	}

	if config.ShowVersion {
		fmt.Println(versionString)
		os.Exit(0)
	}

	filenames := flag.Args()
	if len(filenames) == 0 {
		flag.Usage()
		os.Exit(0)
	}

	var results []ProcessResult
	if config.Parallel && len(filenames) > 1 {
		log.WithFields(log.Fields{
			"files":   len(filenames),
			"workers": config.MaxWorkers,
		}).Debug("processing in parallel")
		results = processFilesParallel(filenames)
	} else {
		results = processFilesSequential(filenames)
	}

	updateStats(results)

	if !config.Verbose {
		for _, result := range results {
			if result.Error != nil {
				_, _ = fmt.Fprintf(os.Stderr, "%s: %s: %v\n", os.Args[0], result.Filename, result.Error)
			}
		}
	}

	if len(filenames) > 1 || config.Verbose {
		printSummary()
	}

	if stats.Failed > 0 {
		os.Exit(1)
	}
}
