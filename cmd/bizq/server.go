package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/bizq/internal/api"
	"github.com/kalambet/bizq/internal/config"
	"github.com/kalambet/bizq/internal/engine"
	"github.com/kalambet/bizq/internal/executor"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bizq HTTP API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		addr, _ := cmd.Flags().GetString("addr")
		return runServer(addr, withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running bizq server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine, database and server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
	serveCmd.Flags().String("addr", "", "listen address (default 127.0.0.1:<server.port>)")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "bizq.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func listenAddr(addr string, port int) string {
	if addr != "" {
		return addr
	}
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func runServer(addr string, withMCP bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("starting bizq", "version", version)

	addr = listenAddr(addr, cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + addr + "/health"); err == nil {
		resp.Body.Close()
		return fmt.Errorf("server already running on %s", addr)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := engine.EnsureReady(ctx, a.engine, engineModels(cfg.Engine), os.Stderr); err != nil {
		return err
	}

	if cfg.Server.APIToken == "" {
		logger.Warn("server.api_token not set, /v1 endpoints are unauthenticated")
	}

	srv := &http.Server{
		Addr: addr,
		Handler: api.NewHandler(api.Deps{
			Pipeline: a.pipeline,
			Sessions: a.sessions,
			History:  a.exec,
			Turns:    a.store,
			APIToken: cfg.Server.APIToken,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("bizq listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Pipeline: a.pipeline,
			Sessions: a.sessions,
			History:  a.exec,
			Turns:    a.store,
			Version:  version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			logger.Info("MCP server started (stdio transport)")
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("bizq is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("stopping bizq (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to bizq (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	eng, err := newEngine(cfg.Engine)
	switch {
	case err != nil:
		printStatus("Engine", "misconfigured: %v", err)
	case eng.IsRunning(ctx):
		printStatus("Engine", "%s reachable", eng.Name())
	default:
		printStatus("Engine", "%s not reachable", eng.Name())
	}
	printStatus("Classify model", "%s", cfg.Engine.ClassifyModel)
	printStatus("Generate model", "%s", cfg.Engine.GenerateModel)
	if cfg.Engine.RespondModel != "" {
		printStatus("Respond model", "%s", cfg.Engine.RespondModel)
	}

	printStatus("Database", "%s", describeDatabase(ctx, cfg))
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func describeDatabase(ctx context.Context, cfg config.Config) string {
	exec, err := executor.Open(executor.Options{
		Driver:           cfg.Database.Driver,
		DSN:              cfg.Database.DSN,
		PoolSize:         1,
		ValidateAttempts: 1,
	})
	if err != nil {
		return fmt.Sprintf("%s: %v", cfg.Database.Driver, err)
	}
	defer exec.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.ValidateConnection(ctx); err != nil {
		return fmt.Sprintf("%s unreachable: %v", cfg.Database.Driver, err)
	}
	return fmt.Sprintf("%s reachable", cfg.Database.Driver)
}
