package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/crawlkit/taskcrawl/pkg/config"
	"github.com/crawlkit/taskcrawl/pkg/crawler"
	"github.com/crawlkit/taskcrawl/pkg/log"
	"github.com/crawlkit/taskcrawl/pkg/orchestrate"
	"github.com/crawlkit/taskcrawl/pkg/watch"
)

// watchOptions carries the parsed watch flags.
type watchOptions struct {
	configPath string
	siteKeys   []string
	allSites   bool
	interval   string
	once       bool
	logLevel   string
	logFormat  string
	outputDir  string
}

// runWatch handles the watch subcommand
func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	siteKey := fs.String("site", "", "Site key from config (single site)")
	sites := fs.String("sites", "", "Comma-separated site keys to watch")
	allSites := fs.Bool("all-sites", false, "Watch all configured sites")
	interval := fs.String("interval", "24h", "Time between crawls of a site (e.g. 30m, 6h, 7d)")
	once := fs.Bool("once", false, "Crawl the sites that are due, then exit")
	logLevel := fs.String("loglevel", "info", "Log level (trace, debug, info, warn, error)")
	logFormat := fs.String("logformat", "text", "Log format (text, json)")
	output := fs.String("output", "", "Override output_base_dir for extracted pages")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: taskcrawl watch [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  taskcrawl watch -site go_docs -interval 6h\n")
		fmt.Fprintf(os.Stderr, "  taskcrawl watch --all-sites -interval 7d -once\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	opts := watchOptions{
		configPath: *configFile,
		allSites:   *allSites,
		interval:   *interval,
		once:       *once,
		logLevel:   *logLevel,
		logFormat:  *logFormat,
		outputDir:  *output,
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(doWatch(ctx, opts, os.Stderr))
}

// doWatch re-crawls the selected sites every interval until ctx is done.
// Each round's tasks are purged afterwards so the next round starts from
// an empty visited set.
func doWatch(ctx context.Context, opts watchOptions, stderr io.Writer) int {
	logger, err := log.NewLogger(stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	interval, err := watch.ParseInterval(opts.interval)
	if err != nil {
		logger.Errorf("Invalid interval: %v", err)
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

	logEntry := logger.WithField("component", "watch")
	rt, err := startEngine(appCfg, false, logEntry)
	if err != nil {
		logger.Errorf("Failed to initialize visited DB: %v", err)
		return 1
	}
	defer rt.Close()

	sched := watch.NewScheduler(siteKeys, interval, appCfg.StateDir, roundRunner(appCfg, rt.engine, logEntry), logEntry)
	if opts.once {
		failed := 0
		for _, r := range sched.RunOnce(ctx) {
			if !r.Success {
				failed++
			}
		}
		if failed > 0 {
			logger.Errorf("%d sites did not complete.", failed)
			return 1
		}
		return 0
	}
	if err := sched.Run(ctx); err != nil {
		logger.Errorf("Watch failed: %v", err)
		return 1
	}
	return 0
}

// roundRunner crawls one round on the shared engine. When ctx ends the
// round's tasks are hard cancelled.
func roundRunner(appCfg *config.AppConfig, engine *crawler.Engine, log *logrus.Entry) watch.Runner {
	return func(ctx context.Context, siteKeys []string) []orchestrate.SiteResult {
		orch := orchestrate.NewOrchestrator(appCfg, engine, siteKeys, false, log)
		stop := context.AfterFunc(ctx, func() { orch.Cancel(true) })
		defer stop()

		results := orch.Run(ctx)
		for _, r := range results {
			if r.TaskID == "" {
				continue
			}
			if err := engine.Purge(r.TaskID); err != nil {
				log.WithField("task_id", r.TaskID).Debugf("Task not purged: %v", err)
			}
		}
		return results
	}
}
