// Package main is the workdeck server entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/workdeck-ai/workdeck/internal/config"
	"github.com/workdeck-ai/workdeck/internal/event"
	"github.com/workdeck-ai/workdeck/internal/logging"
	"github.com/workdeck-ai/workdeck/internal/runtime"
	"github.com/workdeck-ai/workdeck/internal/server"
	"github.com/workdeck-ai/workdeck/internal/session"
	"github.com/workdeck-ai/workdeck/internal/store"
	"github.com/workdeck-ai/workdeck/internal/toolreg"
	"github.com/workdeck-ai/workdeck/internal/workspace"
)

var (
	port      = flag.Int("port", 0, "Server port (overrides config)")
	directory = flag.String("directory", "", "Directory to read project config from")
	version   = flag.Bool("version", false, "Print version and exit")
)

const Version = "0.1.0"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("workdeck-server %s\n", Version)
		os.Exit(0)
	}

	workDir := *directory
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			log.Fatalf("Failed to get working directory: %v", err)
		}
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
	})
	logger := logging.For("main")

	if err := cfg.EnsureDirs(); err != nil {
		logger.Fatal().Err(err).Msg("failed to create data directories")
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "workdeck.db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	bus := event.NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workspaces := workspace.NewManager(cfg.WorkspacesDir, st, bus, cfg.Backup.Ignore)

	// In-memory dirty flags did not survive the last process; treat
	// every known project as dirty-eligible until a snapshot proves
	// otherwise.
	if projects, err := st.ListProjects(ctx); err == nil {
		ids := make([]string, len(projects))
		for i, p := range projects {
			ids[i] = p.ID
		}
		workspaces.SeedDirty(ids)
	} else {
		logger.Warn().Err(err).Msg("could not seed dirty projects")
	}

	if watcher, err := workspace.NewWatcher(workspaces); err == nil {
		go watcher.Run(ctx)
	} else {
		logger.Warn().Err(err).Msg("workspace watcher disabled")
	}

	interval, err := cfg.BackupInterval()
	if err != nil {
		logger.Fatal().Err(err).Str("interval", cfg.Backup.Interval).Msg("invalid backup interval")
	}
	go workspaces.Run(ctx, interval)

	var tools session.ToolResolver
	var toolClient *toolreg.Client
	mcpConfigPath := ""
	if len(cfg.ToolServer.Command) > 0 {
		toolClient = toolreg.NewClient(cfg.ToolServer, bus)
		tools = toolClient
		defer toolClient.Close()

		mcpConfigPath, err = toolreg.RenderRuntimeConfig(cfg.ToolServer, cfg.DataDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to render runtime tool config")
		}
	}

	sessions := session.NewManager(st, session.WrapRuntime(runtime.New(cfg.Runtime.Binary)),
		tools, session.WrapWorkspaces(workspaces), bus)
	sessions.SetBuiltinTools(cfg.Runtime.BuiltinTools)
	sessions.SetMCPConfigPath(mcpConfigPath)
	sessions.SetSystemPrompt(cfg.Runtime.SystemPrompt)

	serverConfig := server.DefaultConfig()
	serverConfig.Port = cfg.Port
	srv := server.New(serverConfig, st, sessions, workspaces, bus)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()
	logger.Info().Int("port", cfg.Port).Str("version", Version).Msg("workdeck server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}

	// One last scan so changes from the final turns are not lost.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 30*time.Second)
	workspaces.BackupCycle(flushCtx)
	flushCancel()

	logger.Info().Msg("stopped")
}
