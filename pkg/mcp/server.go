// Package mcp exposes crawl task control over the Model Context Protocol.
package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/crawlkit/taskcrawl/pkg/config"
	"github.com/crawlkit/taskcrawl/pkg/crawler"
	"github.com/crawlkit/taskcrawl/pkg/events"
	"github.com/crawlkit/taskcrawl/pkg/models"
)

const (
	serverName    = "taskcrawl"
	serverVersion = "1.0.0"
)

// Engine is the part of crawler.Engine the server controls.
type Engine interface {
	Execute(ctx context.Context, job crawler.Job) (*models.Task, error)
	Status(taskID string) (crawler.Status, error)
	Pause(taskID string) (bool, error)
	Recover(ctx context.Context, taskID string) (bool, error)
	Cancel(taskID string, hard bool) (bool, error)
	StoredResults(taskID string) (map[models.PageStatus]int, error)
	Subscribe(h events.Handler) (unsubscribe func())
}

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	AppConfig  *config.AppConfig
	Engine     Engine
	ConfigPath string
	Transport  string // "stdio" or "sse"
	Port       int
	Logger     *logrus.Logger
}

// Server serves crawl control tools over MCP.
type Server struct {
	mcpServer   *server.MCPServer
	cfg         *ServerConfig
	engine      Engine
	log         *logrus.Entry
	jobManager  *JobManager
	unsubscribe func()
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("AppConfig is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("Engine is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithLogging(),
	)

	s := &Server{
		mcpServer:  mcpServer,
		cfg:        cfg,
		engine:     cfg.Engine,
		log:        cfg.Logger.WithField("component", "mcp"),
		jobManager: NewJobManager(),
	}
	s.unsubscribe = s.engine.Subscribe(s.jobManager.Handle)

	s.registerTools()
	return s, nil
}

func taskIDParam() mcp.ToolOption {
	return mcp.WithString("task_id",
		mcp.Required(),
		mcp.Description("The task ID returned by start_crawl"),
	)
}

// registerTools registers all available MCP tools
func (s *Server) registerTools() {
	tools := []struct {
		tool    mcp.Tool
		handler server.ToolHandlerFunc
	}{
		{
			mcp.NewTool("list_sites",
				mcp.WithDescription("List all configured sites available for crawling"),
			),
			s.handleListSites,
		},
		{
			mcp.NewTool("start_crawl",
				mcp.WithDescription("Start a background crawl task for a configured site. Returns immediately with a task ID."),
				mcp.WithString("site_key",
					mcp.Required(),
					mcp.Description("Site key from config file"),
				),
			),
			s.handleStartCrawl,
		},
		{
			mcp.NewTool("pause_task",
				mcp.WithDescription("Pause a running task. In-flight pages are held until the task is recovered."),
				taskIDParam(),
			),
			s.handlePauseTask,
		},
		{
			mcp.NewTool("recover_task",
				mcp.WithDescription("Resume a paused or cancelled task and replay its held work"),
				taskIDParam(),
			),
			s.handleRecoverTask,
		},
		{
			mcp.NewTool("cancel_task",
				mcp.WithDescription("Cancel a task. A soft cancel finishes downloaded pages; a hard cancel drops them."),
				taskIDParam(),
				mcp.WithBoolean("hard",
					mcp.Description("Hard cancel (default false)"),
				),
			),
			s.handleCancelTask,
		},
		{
			mcp.NewTool("get_task_status",
				mcp.WithDescription("Get the state, counters and stored result tallies of a crawl task"),
				taskIDParam(),
			),
			s.handleGetTaskStatus,
		},
		{
			mcp.NewTool("list_tasks",
				mcp.WithDescription("List every crawl task started by this server"),
			),
			s.handleListTasks,
		},
		{
			mcp.NewTool("search_crawled",
				mcp.WithDescription("Search previously extracted page content using text matching"),
				mcp.WithString("query",
					mcp.Required(),
					mcp.Description("Search query (case-insensitive substring match)"),
				),
				mcp.WithString("site_key",
					mcp.Description("Limit search to specific site (optional)"),
				),
				mcp.WithNumber("max_results",
					mcp.Description("Maximum number of results to return (default: 10, max: 100)"),
				),
			),
			s.handleSearchCrawled,
		},
	}
	for _, t := range tools {
		s.mcpServer.AddTool(t.tool, t.handler)
	}
	s.log.Infof("Registered %d MCP tools", len(tools))
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		sseServer := server.NewSSEServer(s.mcpServer)
		return sseServer.Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown soft cancels every active task and detaches from the engine.
func (s *Server) Shutdown(_ context.Context) error {
	s.log.Info("Shutting down MCP server...")
	for _, id := range s.jobManager.ActiveIDs() {
		if _, err := s.engine.Cancel(id, false); err != nil {
			s.log.WithField("task_id", id).Warnf("Cancel on shutdown failed: %v", err)
		}
	}
	s.unsubscribe()
	return nil
}
