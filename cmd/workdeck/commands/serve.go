package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

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
	servePort int
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the workdeck server",
	Long: `Start the workdeck HTTP server: agent turn streaming, project and
conversation management, and the background workspace backup cycle.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Directory to read project config from")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir := serveDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
	})
	logger := logging.For("serve")

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "workdeck.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	bus := event.NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	workspaces := workspace.NewManager(cfg.WorkspacesDir, st, bus, cfg.Backup.Ignore)
	if projects, err := st.ListProjects(ctx); err == nil {
		ids := make([]string, len(projects))
		for i, p := range projects {
			ids[i] = p.ID
		}
		workspaces.SeedDirty(ids)
	}

	if watcher, err := workspace.NewWatcher(workspaces); err == nil {
		go watcher.Run(ctx)
	} else {
		logger.Warn().Err(err).Msg("workspace watcher disabled")
	}

	interval, err := cfg.BackupInterval()
	if err != nil {
		return err
	}
	go workspaces.Run(ctx, interval)

	var tools session.ToolResolver
	mcpConfigPath := ""
	if len(cfg.ToolServer.Command) > 0 {
		toolClient := toolreg.NewClient(cfg.ToolServer, bus)
		tools = toolClient
		defer toolClient.Close()

		mcpConfigPath, err = toolreg.RenderRuntimeConfig(cfg.ToolServer, cfg.DataDir)
		if err != nil {
			return err
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

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.Info().Int("port", cfg.Port).Str("version", Version).Msg("workdeck server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 30*time.Second)
	workspaces.BackupCycle(flushCtx)
	flushCancel()

	return nil
}
