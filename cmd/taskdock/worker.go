package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/taskdock/internal/log"
	"github.com/mattjoyce/taskdock/internal/process"
	"github.com/mattjoyce/taskdock/internal/protocol"
	"github.com/mattjoyce/taskdock/internal/worker"
)

func runWorkerNoun(args []string) int {
	if len(args) < 1 {
		printWorkerNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printWorkerNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "run":
		if hasHelpFlag(args[1:]) {
			fmt.Println("Usage: taskdock worker run --index N [--config PATH]")
			fmt.Println("Serve worker N's socket until SIGINT or SIGTERM.")
			return 0
		}
		return runWorker(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown worker action: %s\n", args[0])
		printWorkerNounHelp(os.Stderr)
		return 1
	}
}

func printWorkerNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: taskdock worker <action>")
	fmt.Fprintln(w, "Actions: run")
}

func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	index := fs.Int("index", -1, "Worker index in [0, task.worker_num)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *index < 0 || *index >= cfg.Task.WorkerNum {
		fmt.Fprintf(os.Stderr, "--index must be in [0, %d), got %d\n", cfg.Task.WorkerNum, *index)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithWorker(*index)
	logger.Info("worker starting", "process", os.Getenv(process.EnvProcessName))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := worker.New(worker.Config{
		Index:      *index,
		ServerName: cfg.Service.Name,
		TempDir:    cfg.Task.TempDir,
		Codec:      protocol.GetCodec(cfg.Task.Codec),
		MaxRunning: cfg.Task.MaxRunningNum,
	}, worker.DefaultRegistry())

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker failed", "error", err)
		return 1
	}
	return 0
}
