package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/crawlkit/taskcrawl/pkg/config"
	"github.com/crawlkit/taskcrawl/pkg/crawler"
	"github.com/crawlkit/taskcrawl/pkg/log"
	"github.com/crawlkit/taskcrawl/pkg/orchestrate"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "crawl":
		runCrawl(os.Args[2:], false)
	case "resume":
		runCrawl(os.Args[2:], true)
	case "validate":
		runValidate(os.Args[2:])
	case "list-sites":
		runListSites(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "version":
		fmt.Printf("taskcrawl %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `taskcrawl - Task-scheduled web crawler

Usage:
  taskcrawl <command> [options]

Commands:
  crawl       Start fresh crawl tasks
  resume      Resume interrupted crawl tasks from the state DB
  validate    Validate configuration file
  list-sites  List available site keys
  watch       Re-crawl sites on a fixed interval
  mcp-server  Start MCP server for task control
  version     Show version info

Run 'taskcrawl <command> -h' for command-specific help.`)
}

// crawlOptions carries the parsed crawl/resume flags.
type crawlOptions struct {
	configPath string
	siteKeys   []string
	allSites   bool
	resume     bool
	logLevel   string
	logFormat  string
	outputDir  string
	pprofAddr  string
}

// runCrawl handles both crawl and resume subcommands
func runCrawl(args []string, isResume bool) {
	cmdName := "crawl"
	if isResume {
		cmdName = "resume"
	}

	fs := flag.NewFlagSet(cmdName, flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	siteKey := fs.String("site", "", "Site key from config (single site)")
	sites := fs.String("sites", "", "Comma-separated site keys to crawl concurrently")
	allSites := fs.Bool("all-sites", false, "Crawl all configured sites")
	logLevel := fs.String("loglevel", "info", "Log level (trace, debug, info, warn, error)")
	logFormat := fs.String("logformat", "text", "Log format (text, json)")
	output := fs.String("output", "", "Override output_base_dir for extracted pages")
	pprofAddr := fs.String("pprof", "", "pprof address, e.g. localhost:6060 (disabled by default)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: taskcrawl %s [options]\n\nOptions:\n", cmdName)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  taskcrawl %s -site go_docs\n", cmdName)
		fmt.Fprintf(os.Stderr, "  taskcrawl %s -sites go_docs,k8s_docs\n", cmdName)
		fmt.Fprintf(os.Stderr, "  taskcrawl %s --all-sites\n", cmdName)
		fmt.Fprintf(os.Stderr, "\nInterrupt once to soft cancel every task, twice to hard cancel.\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	opts := crawlOptions{
		configPath: *configFile,
		allSites:   *allSites,
		resume:     isResume,
		logLevel:   *logLevel,
		logFormat:  *logFormat,
		outputDir:  *output,
		pprofAddr:  *pprofAddr,
	}
	switch {
	case *allSites:
	case *sites != "":
		opts.siteKeys = splitSiteKeys(*sites)
	case *siteKey != "":
		opts.siteKeys = []string{*siteKey}
	}
	if !opts.allSites && len(opts.siteKeys) == 0 {
		fmt.Fprintln(os.Stderr, "Error: one of -site, -sites, or --all-sites is required")
		fs.Usage()
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	os.Exit(doCrawl(opts, sigChan, os.Stderr))
}

func splitSiteKeys(list string) []string {
	var keys []string
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			keys = append(keys, s)
		}
	}
	return keys
}

// doCrawl runs the selected sites as tasks on one engine and returns the
// process exit code. The first value on sigs soft cancels every task; the
// second hard cancels them and stops waiting.
func doCrawl(opts crawlOptions, sigs <-chan os.Signal, stderr io.Writer) int {
	logger, err := log.NewLogger(stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	appCfg, err := loadAndValidateConfig(opts.configPath, logger)
	if err != nil {
		logger.Errorf("Config error: %v", err)
		return 1
	}
	if opts.outputDir != "" {
		appCfg.OutputBaseDir = opts.outputDir
	}

	siteKeys := opts.siteKeys
	if opts.allSites {
		siteKeys = orchestrate.GetAllSiteKeys(appCfg)
		logger.Infof("All sites mode: found %d sites", len(siteKeys))
	}
	if err := orchestrate.ValidateSiteKeys(appCfg, siteKeys); err != nil {
		logger.Errorf("Invalid site keys: %v", err)
		return 1
	}
	if err := validateSiteConfigs(appCfg, siteKeys, logger); err != nil {
		logger.Error(err)
		return 1
	}
	logAppConfig(appCfg, logger)
	startPprof(opts.pprofAddr, logger)

	logEntry := logger.WithField("component", "crawl")

	rt, err := startEngine(appCfg, opts.resume, logEntry)
	if err != nil {
		logger.Errorf("Failed to initialize visited DB: %v", err)
		return 1
	}

	// --- Global timeout & signals ---
	var crawlCtx context.Context
	var cancelCrawl context.CancelFunc
	if appCfg.GlobalCrawlTimeout > 0 {
		logger.Infof("Setting global crawl timeout: %v", appCfg.GlobalCrawlTimeout)
		crawlCtx, cancelCrawl = context.WithTimeout(context.Background(), appCfg.GlobalCrawlTimeout)
	} else {
		crawlCtx, cancelCrawl = context.WithCancel(context.Background())
	}
	defer cancelCrawl()

	orch := orchestrate.NewOrchestrator(appCfg, rt.engine, siteKeys, opts.resume, logEntry)

	var interrupted atomic.Bool
	go func() {
		soft := true
		for {
			select {
			case <-crawlCtx.Done():
				return
			case sig := <-sigs:
				interrupted.Store(true)
				if soft {
					logger.Warnf("Received signal %v. Soft cancelling %d tasks; interrupt again to hard cancel.", sig, len(orch.TaskIDs()))
					orch.Cancel(false)
					soft = false
					continue
				}
				logger.Warnf("Received second signal %v. Hard cancelling.", sig)
				orch.Cancel(true)
				cancelCrawl()
				return
			}
		}
	}()

	// --- Run ---
	results := orch.Run(crawlCtx)
	if crawlCtx.Err() != nil {
		// Nothing waits on these tasks any more; drop their queued work.
		orch.Cancel(true)
	}

	rt.Close()

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	switch {
	case failed == 0:
		logger.Info("Crawl completed successfully.")
		return 0
	case interrupted.Load():
		logger.Warn("Crawl cancelled by signal.")
		return 0
	case errors.Is(crawlCtx.Err(), context.DeadlineExceeded):
		logger.Error("Crawl timed out (global timeout).")
		return 1
	default:
		logger.Errorf("%d of %d sites did not complete.", failed, len(results))
		return 1
	}
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	siteKey := fs.String("site", "", "Site key to validate (optional, validates all if empty)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: taskcrawl validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doValidate(*configFile, *siteKey, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath, siteKey string, stdout, stderr io.Writer) int {
	appCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	keys := orchestrate.GetAllSiteKeys(appCfg)
	if siteKey != "" {
		if err := orchestrate.ValidateSiteKeys(appCfg, []string{siteKey}); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		keys = []string{siteKey}
	}

	hasError := false
	for _, key := range keys {
		siteCfg := appCfg.Sites[key]
		siteWarnings, err := siteCfg.Validate()
		if err != nil {
			fmt.Fprintf(stderr, "ERROR: [%s] %v\n", key, err)
			hasError = true
			continue
		}
		for _, w := range siteWarnings {
			fmt.Fprintf(stdout, "WARN: [%s] %s\n", key, w)
		}
		if _, err := crawler.JobFromConfig(key, siteCfg, appCfg); err != nil {
			fmt.Fprintf(stderr, "ERROR: [%s] %v\n", key, err)
			hasError = true
			continue
		}
		fmt.Fprintf(stdout, "OK: [%s]\n", key)
	}
	if hasError {
		return 1
	}

	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// runListSites handles the list-sites subcommand
func runListSites(args []string) {
	fs := flag.NewFlagSet("list-sites", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: taskcrawl list-sites [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doListSites(*configFile, os.Stdout, os.Stderr))
}

// doListSites lists sites and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doListSites(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Sites in %s:\n\n", configPath)
	for _, key := range orchestrate.GetAllSiteKeys(appCfg) {
		site := appCfg.Sites[key]
		fmt.Fprintf(stdout, "  %s\n", key)
		domain := site.AllowedDomain
		if domain == "" {
			domain = "(from first start URL)"
		}
		fmt.Fprintf(stdout, "    Domain: %s\n", domain)
		fmt.Fprintf(stdout, "    Start URLs: %d\n", len(site.StartURLs))
		if site.AllowedPathPrefix != "" && site.AllowedPathPrefix != "/" {
			fmt.Fprintf(stdout, "    Path Prefix: %s\n", site.AllowedPathPrefix)
		}
		if site.Priority != 0 {
			fmt.Fprintf(stdout, "    Priority: %d\n", site.Priority)
		}
		fmt.Fprintln(stdout)
	}
	return 0
}

// loadAndValidateConfig loads the config file, validates it, and logs warnings.
func loadAndValidateConfig(configFile string, logger *logrus.Logger) (*config.AppConfig, error) {
	logger.Infof("Loading configuration from %s", configFile)
	appCfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	appWarnings, err := appCfg.Validate()
	for _, w := range appWarnings {
		logger.Warn(w)
	}
	if err != nil {
		return nil, err
	}
	return appCfg, nil
}

// validateSiteConfigs validates each selected site, storing the normalized
// form back into appCfg.
func validateSiteConfigs(appCfg *config.AppConfig, siteKeys []string, logger *logrus.Logger) error {
	for _, key := range siteKeys {
		siteCfg := appCfg.Sites[key]
		siteWarnings, err := siteCfg.Validate()
		if err != nil {
			return fmt.Errorf("site '%s' configuration error: %w", key, err)
		}
		for _, w := range siteWarnings {
			logger.Warnf("[%s] %s", key, w)
		}
		appCfg.Sites[key] = siteCfg
	}
	return nil
}

// startPprof starts the pprof HTTP server if addr is non-empty.
func startPprof(addr string, logger *logrus.Logger) {
	if addr == "" {
		return
	}
	runtime.SetBlockProfileRate(1000)
	runtime.SetMutexProfileFraction(1000)
	go func() {
		logger.Infof("Starting pprof server at http://%s/debug/pprof/", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Errorf("pprof server error: %v", err)
		}
	}()
}

// logAppConfig logs the effective global configuration
func logAppConfig(appCfg *config.AppConfig, logger *logrus.Logger) {
	logger.Infof("Global Config: Workers:%d, MaxReqs:%d, MaxReqPerHost:%d, RPS/host:%v",
		appCfg.NumWorkers, appCfg.MaxRequests, appCfg.MaxRequestsPerHost, appCfg.RequestsPerSecond)
	logger.Infof("Global Config: StateDir:%s, OutputDir:%q, Dedup:%s",
		appCfg.StateDir, appCfg.OutputBaseDir, appCfg.DedupBackend)
	logger.Infof("Global Config Pacing: Sleep:%v, RetrySleep:%v, CycleRetries:%d, AcceptCodes:%q",
		appCfg.DefaultSleepTime, appCfg.DefaultRetrySleepTime, appCfg.DefaultCycleRetryTimes, appCfg.DefaultAcceptCodes)
	logger.Infof("Global Config Retries: Max:%d, InitialDelay:%v, MaxDelay:%v",
		appCfg.MaxRetries, appCfg.InitialRetryDelay, appCfg.MaxRetryDelay)
	logger.Infof("Global Config Timeouts: SemaphoreAcquire:%v, GlobalCrawl:%v",
		appCfg.SemaphoreAcquireTimeout, appCfg.GlobalCrawlTimeout)
	logger.Infof("Global Config HTTP Client: Timeout:%v, MaxIdle:%d, MaxIdlePerHost:%d, IdleTimeout:%v, TLSTimeout:%v, DialerTimeout:%v",
		appCfg.HTTPClientSettings.Timeout, appCfg.HTTPClientSettings.MaxIdleConns, appCfg.HTTPClientSettings.MaxIdleConnsPerHost,
		appCfg.HTTPClientSettings.IdleConnTimeout, appCfg.HTTPClientSettings.TLSHandshakeTimeout, appCfg.HTTPClientSettings.DialerTimeout)
}
