package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/taskdock/internal/api"
	"github.com/mattjoyce/taskdock/internal/auth"
	"github.com/mattjoyce/taskdock/internal/events"
	"github.com/mattjoyce/taskdock/internal/lock"
	"github.com/mattjoyce/taskdock/internal/log"
	"github.com/mattjoyce/taskdock/internal/notify"
	"github.com/mattjoyce/taskdock/internal/process"
	"github.com/mattjoyce/taskdock/internal/protocol"
	"github.com/mattjoyce/taskdock/internal/results"
	"github.com/mattjoyce/taskdock/internal/storage"
	"github.com/mattjoyce/taskdock/internal/task"
	"github.com/mattjoyce/taskdock/internal/taskid"
)

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: taskdock system start [--config PATH]")
			fmt.Println("Start the master, the notify listener, every worker and the optional API.")
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: taskdock system status [--config PATH] [--timeout DURATION]")
			fmt.Println("Show the master lock holder and ping every worker.")
			fmt.Println("")
			fmt.Println("Exit codes:")
			fmt.Println("  0  Every worker answered")
			fmt.Println("  1  One or more workers did not answer")
			return 0
		}
		return runSystemStatus(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		printSystemNounHelp(os.Stderr)
		return 1
	}
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: taskdock system <action>")
	fmt.Fprintln(w, "Actions: start, status")
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("taskdock starting", "version", version, "config", cfg.SourcePath)

	lockPath := task.MasterLockPath(cfg.Task.TempDir, cfg.Service.Name)
	masterLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire master lock (another master may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer masterLock.Release()
	logger.Info("acquired master lock", "path", lockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	codec := protocol.GetCodec(cfg.Task.Codec)
	dispatcher, err := task.New(task.ConfigFrom(cfg), taskid.NewSQLiteCounter(db, cfg.Service.Name), codec)
	if err != nil {
		logger.Error("failed to create dispatcher", "error", err)
		return 1
	}

	manager := process.NewManager(process.Options{ConfigPath: cfg.SourcePath})
	if _, err := dispatcher.Attach(manager); err != nil {
		logger.Error("failed to attach worker pool", "error", err)
		return 1
	}

	hub := events.NewHub(256)
	store := results.NewStore(db)
	listener := notify.NewListener(task.NotifyAddress(cfg.Task.TempDir, cfg.Service.Name), codec, hub, store)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	go func() {
		if err := listener.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("notify: %w", err)
		}
	}()

	if err := manager.Start(ctx); err != nil {
		logger.Error("failed to start workers", "error", err)
		return 1
	}
	for _, desc := range manager.Descriptors() {
		logger.Debug("worker launched", "worker", desc.Index, "process", desc.ProcessName, "socket", desc.SocketAddress)
	}
	logger.Info("workers started", "running", manager.Running(), "workers", cfg.Task.WorkerNum)
	defer func() {
		if err := manager.Stop(); err != nil {
			logger.Warn("worker shutdown incomplete", "error", err)
		}
	}()

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Tokens))
		for _, t := range cfg.API.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		apiServer := api.New(api.Config{
			Listen:         cfg.API.Listen,
			APIKey:         cfg.API.APIKey,
			Tokens:         tokens,
			MaxSyncTimeout: cfg.API.MaxSyncTimeout,
			WorkerNum:      cfg.Task.WorkerNum,
		}, dispatcher, store, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("taskdock running (press Ctrl+C to stop)", "workers", cfg.Task.WorkerNum)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("taskdock stopped")
	return 0
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	timeout := fs.Duration("timeout", time.Second, "Per-worker ping timeout")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup("error")

	lockPath := task.MasterLockPath(cfg.Task.TempDir, cfg.Service.Name)
	pid, err := lock.Holder(lockPath)
	switch {
	case err == nil:
		fmt.Printf("master: pid %d (%s)\n", pid, lockPath)
	case errors.Is(err, lock.ErrNotHeld), errors.Is(err, os.ErrNotExist):
		fmt.Printf("master: not running (%s)\n", lockPath)
	default:
		fmt.Printf("master: unknown (%v)\n", err)
	}

	dispatcher, err := task.New(task.ConfigFrom(cfg), nil, protocol.GetCodec(cfg.Task.Codec))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create dispatcher: %v\n", err)
		return 1
	}

	healthy := true
	for _, w := range dispatcher.InitWorkers() {
		result, code := dispatcher.Sync(context.Background(), protocol.Payload{Command: "ping"}, *timeout, task.WithWorker(w.Index))
		if code.OK() {
			fmt.Printf("worker %d: ok (%v) %s\n", w.Index, result, w.SocketAddress)
			continue
		}
		healthy = false
		fmt.Printf("worker %d: %s (%d) %s\n", w.Index, code, int(code), w.SocketAddress)
	}

	if !healthy {
		return 1
	}
	return 0
}
