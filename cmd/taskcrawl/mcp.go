package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/crawlkit/taskcrawl/pkg/log"
	"github.com/crawlkit/taskcrawl/pkg/mcp"
)

// runMcpServer handles the mcp-server subcommand
func runMcpServer(args []string) {
	fs := flag.NewFlagSet("mcp-server", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	transport := fs.String("transport", "stdio", "Transport type (stdio, sse)")
	port := fs.Int("port", 8080, "HTTP port (for sse transport)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: taskcrawl mcp-server [options]

Start an MCP (Model Context Protocol) server that controls crawl tasks.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Start with stdio transport
  taskcrawl mcp-server -config config.yaml

  # Start with SSE transport on port 8080
  taskcrawl mcp-server -config config.yaml -transport sse -port 8080

Available MCP Tools:
  list_sites       List all configured sites
  start_crawl      Start a background crawl task for a site
  pause_task       Pause a task
  recover_task     Resume a paused or cancelled task
  cancel_task      Soft or hard cancel a task
  get_task_status  Show a task's state and counters
  list_tasks       List every task started by the server
  search_crawled   Search extracted page content
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doMcpServer(*configFile, *transport, *port, *logLevel, os.Stderr))
}

// doMcpServer is the testable implementation of the MCP server
func doMcpServer(configPath, transport string, port int, logLevel string, stderr io.Writer) int {
	if transport != "stdio" && transport != "sse" {
		fmt.Fprintf(stderr, "Unknown transport: %s (supported: stdio, sse)\n", transport)
		return 1
	}

	// MCP protocol uses stdout, logs go to stderr
	logger, err := log.NewLogger(stderr, logLevel, "text")
	if err != nil {
		fmt.Fprintf(stderr, "Invalid log level: %s\n", logLevel)
		return 1
	}

	appCfg, err := loadAndValidateConfig(configPath, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}
	if _, err := appCfg.ValidateSites(); err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}

	logEntry := logger.WithField("component", "mcp-server")

	// The server keeps state across restarts; each task still gets its own
	// ID and so its own visited set.
	rt, err := startEngine(appCfg, true, logEntry)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening state DB: %v\n", err)
		return 1
	}

	server, err := mcp.NewServer(&mcp.ServerConfig{
		AppConfig:  appCfg,
		Engine:     rt.engine,
		ConfigPath: configPath,
		Transport:  transport,
		Port:       port,
		Logger:     logger,
	})
	if err != nil {
		rt.Close()
		fmt.Fprintf(stderr, "Error creating MCP server: %v\n", err)
		return 1
	}

	logger.Infof("Starting MCP server (transport: %s)", transport)
	runErr := server.Run()

	_ = server.Shutdown(context.Background())
	// Cancelled tasks drop whatever is still queued.
	rt.engine.CancelAll(true)
	rt.Close()

	if runErr != nil {
		fmt.Fprintf(stderr, "MCP server error: %v\n", runErr)
		return 1
	}
	return 0
}
