package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/vibeship/eidos/internal/eidos"
	"github.com/vibeship/eidos/internal/eidos/config"
	"github.com/vibeship/eidos/internal/eidos/lock"
	"github.com/vibeship/eidos/internal/eidos/state"
	"github.com/vibeship/eidos/internal/eidos/store"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// evidenceDBPath derives the evidence store's path from the canonical
// store's path: a sibling "evidence.db" in the same directory.
func evidenceDBPath(stateDB string) string {
	return filepath.Join(filepath.Dir(stateDB), "evidence.db")
}

func main() {
	configPath := flag.String("config", "eidos.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("eidos starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()
	if cfg == nil {
		logger.Error("failed to load config snapshot", "config", *configPath)
		os.Exit(1)
	}

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockPath := "/tmp/eidos.lock"
	if cfg.General.LockFile != "" {
		lockPath = cfg.General.LockFile
	}
	lockFile, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release(lockFile)

	st, err := store.Open(cfg.General.StateDB)
	if err != nil {
		logger.Error("failed to open canonical store", "path", cfg.General.StateDB, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	evDBPath := evidenceDBPath(cfg.General.StateDB)
	ev, err := store.OpenEvidenceStore(evDBPath)
	if err != nil {
		logger.Error("failed to open evidence store", "path", evDBPath, "error", err)
		os.Exit(1)
	}
	defer ev.Close()

	sessionFiles, err := state.New(filepath.Dir(cfg.General.StateDB), cfg.RequestTracker.PendingGoalTTL.Duration)
	if err != nil {
		logger.Error("failed to open session state files", "error", err)
		os.Exit(1)
	}

	ec := eidos.New(st, ev, cfgManager, sessionFiles, logger.With("component", "eidos"))
	if err := ec.StartSweeper(); err != nil {
		logger.Error("failed to start distillation sweeper", "error", err)
		os.Exit(1)
	}
	defer ec.StopSweeper()

	logger.Info("eidos running", "state_db", cfg.General.StateDB, "evidence_db", evDBPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := cfgManager.Reload(*configPath); err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			logger.Info("config reloaded")
		case syscall.SIGINT, syscall.SIGTERM:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			ec.StopSweeper()
			logger.Info("eidos stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		default:
			logger.Info("received unexpected signal, shutting down", "signal", sig)
			ec.StopSweeper()
			return
		}
	}
}
