// Package main is the acp-proxy launcher: it wires the agent supervisor,
// the WebSocket bridge, and the MCP endpoint onto one HTTP listener and
// prints how to reach it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/acpproxy/acp-proxy/internal/auth"
	"github.com/acpproxy/acp-proxy/internal/bridge"
	"github.com/acpproxy/acp-proxy/internal/browsertools"
	"github.com/acpproxy/acp-proxy/internal/certstore"
	"github.com/acpproxy/acp-proxy/internal/common/logger"
	"github.com/acpproxy/acp-proxy/internal/config"
	"github.com/acpproxy/acp-proxy/internal/sandbox"
	"github.com/acpproxy/acp-proxy/internal/server"
)

const shutdownTimeout = 15 * time.Second

// Exit codes: 0 clean shutdown, 1 usage error, 2 fatal startup failure.
const (
	exitOK    = 0
	exitUsage = 1
	exitFatal = 2
)

func main() {
	code := exitOK

	root := &cobra.Command{
		Use:           "acp-proxy [flags] <agent-cmd> [-- <agent-args...>]",
		Short:         "Bridge a local ACP agent to a browser UI",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd, args)
			if err != nil {
				code = exitUsage
				return err
			}
			code = run(cfg)
			return nil
		},
	}
	config.RegisterFlags(root)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code == exitOK {
			code = exitUsage
		}
	}
	os.Exit(code)
}

func run(cfg *config.Config) int {
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitFatal
	}
	defer log.Sync()
	logger.SetDefault(log)

	gate, err := auth.New(cfg.NoAuth, cfg.AuthToken, log)
	if err != nil {
		log.Error("failed to initialize auth", zap.Error(err))
		return exitFatal
	}

	srvCfg := server.Config{
		Host:      cfg.Host,
		Port:      cfg.Port,
		HTTPS:     cfg.HTTPS,
		StaticDir: cfg.StaticDir,
	}
	if cfg.HTTPS {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Error("cannot resolve home directory", zap.Error(err))
			return exitFatal
		}
		store := certstore.New(filepath.Join(home, ".acp-proxy"), log)
		if _, err := store.Load(); err != nil {
			log.Error("failed to prepare TLS certificate", zap.Error(err))
			return exitFatal
		}
		srvCfg.CertFile = store.CertPath()
		srvCfg.KeyFile = store.KeyPath()
	}

	cwd, err := os.Getwd()
	if err != nil {
		log.Error("cannot resolve working directory", zap.Error(err))
		return exitFatal
	}

	registry := browsertools.NewRegistry(log)
	watcher := sandbox.NewWatcher(log)
	defer watcher.Close()

	hub := bridge.NewHub(bridge.Config{
		AgentArgv:  cfg.AgentArgv,
		DefaultCwd: cwd,
		// The agent dials the proxy's own listener; it shares the host, so
		// loopback always works regardless of the bind address.
		MCPBaseURL: fmt.Sprintf("%s://localhost:%d", cfg.Scheme(), cfg.Port),
	}, registry, watcher, log)
	tools := browsertools.New(hub, registry, cfg.ExtensionTools, log)

	srv := server.New(srvCfg, hub, tools, gate, log)
	if err := srv.Start(); err != nil {
		log.Error("failed to start server", zap.Error(err))
		return exitFatal
	}

	url := accessURL(cfg, gate)
	printBanner(cfg, gate, url)
	if cfg.Termux {
		launchTermux(url, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
	return exitOK
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	logCfg := logger.LoggingConfig{
		Level:      "info",
		Format:     "console",
		OutputPath: "stderr",
	}
	if cfg.Debug {
		logCfg.Level = "debug"
		if err := os.MkdirAll(".acp-proxy", 0o755); err != nil {
			return nil, err
		}
		ts := time.Now().Format("2006-01-02_15-04-05")
		logCfg.DebugFile = filepath.Join(".acp-proxy", fmt.Sprintf("acp-proxy-%s.log", ts))
	}
	return logger.NewLogger(logCfg)
}

// accessURL is the link the UI opens: the app path, plus the token when
// auth is on.
func accessURL(cfg *config.Config, gate *auth.Gate) string {
	url := cfg.BaseURL() + "/app/"
	if gate.Enabled() {
		url += "?token=" + gate.Token()
	}
	return url
}

func printBanner(cfg *config.Config, gate *auth.Gate, url string) {
	fmt.Println()
	fmt.Println("  acp-proxy is running")
	fmt.Printf("  Agent: %v\n", cfg.AgentArgv)
	fmt.Printf("  Open:  %s\n", url)
	if !gate.Enabled() {
		fmt.Println("  Auth:  DISABLED (--no-auth)")
	}
	fmt.Println()

	qr, err := qrcode.New(url, qrcode.Low)
	if err != nil {
		return
	}
	fmt.Println(qr.ToSmallString(false))
}

// launchTermux opens the PWA on Android via the am activity manager. Best
// effort; Termux without termux-tools simply logs the failure.
func launchTermux(url string, log *logger.Logger) {
	cmd := exec.Command("am", "start", "-a", "android.intent.action.VIEW", "-d", url)
	if err := cmd.Run(); err != nil {
		log.Warn("failed to launch browser via am", zap.Error(err))
		return
	}
	log.Info("launched browser", zap.String("url", url))
}
