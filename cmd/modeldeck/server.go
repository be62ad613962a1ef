package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

	"github.com/modeldeck/modeldeck/internal/api"
	"github.com/modeldeck/modeldeck/internal/app"
	"github.com/modeldeck/modeldeck/internal/bridge"
	"github.com/modeldeck/modeldeck/internal/composer"
	"github.com/modeldeck/modeldeck/internal/config"
	"github.com/modeldeck/modeldeck/internal/gate"
	"github.com/modeldeck/modeldeck/internal/ollama"
	"github.com/modeldeck/modeldeck/internal/ops"
	"github.com/modeldeck/modeldeck/internal/rag"
	"github.com/modeldeck/modeldeck/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the modeldeck server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running modeldeck server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show modeldeck system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "modeldeck.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "modeldeck version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if a server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("modeldeck is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("modeldeck is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Probe the model daemon. Not fatal: operations report their own
	// launch failures, and the daemon may come up later.
	client := ollama.New(cfg.Ollama.BaseURL)
	if v, err := client.Version(ctx); err == nil {
		slog.Info("model daemon reachable", "version", v, "base_url", cfg.Ollama.BaseURL)
		if !client.HasModel(ctx, cfg.Ollama.DefaultModel) {
			slog.Warn("default model not installed", "model", cfg.Ollama.DefaultModel)
		}
	} else {
		slog.Warn("model daemon not reachable", "base_url", cfg.Ollama.BaseURL, "error", err)
	}

	store, err := session.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing session store: %v\n", err)
		}
	}()

	storageGate := gate.New(cfg.Storage.ModelsDir)
	ragClient := rag.NewClient(cfg.RAG.BaseURL)
	comp := composer.New(cfg.Chat.HistoryLimit, cfg.Chat.SystemPrompt)

	service := app.NewService(app.Deps{
		Gate:     storageGate,
		Registry: ops.NewRegistry(),
		Mux:      bridge.NewMux(),
		Chat:     client,
		Pull: app.OllamaPullRunner{
			Binary:    cfg.Ollama.Binary,
			ModelsDir: cfg.Storage.ModelsDir,
		},
	})

	handler := api.NewHandler(api.Deps{
		Service:  service,
		Gate:     storageGate,
		Client:   client,
		Sessions: store,
		Composer: comp,
		RAG:      ragClient,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server over stdio, so editors and agents can reach the local
	// models while the desktop client uses HTTP.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Client:       client,
		Sessions:     store,
		RAG:          ragClient,
		DefaultModel: cfg.Ollama.DefaultModel,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "modeldeck listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("modeldeck is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop modeldeck (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to modeldeck (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	resp, err := httpClient.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	daemonResp, err := httpClient.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Daemon", "not running")
	} else {
		daemonResp.Body.Close()
		printStatus("Daemon", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Default model", "%s", cfg.Ollama.DefaultModel)
	if cfg.Storage.ModelsDir == "" {
		printStatus("Models dir", "not configured")
	} else {
		printStatus("Models dir", "%s", cfg.Storage.ModelsDir)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	if cfg.RAG.BaseURL == "" {
		printStatus("Documents", "not configured")
	} else {
		printStatus("Documents", "%s", cfg.RAG.BaseURL)
	}
	return nil
}
