package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/taskdock/internal/log"
	"github.com/mattjoyce/taskdock/internal/protocol"
	"github.com/mattjoyce/taskdock/internal/results"
	"github.com/mattjoyce/taskdock/internal/storage"
	"github.com/mattjoyce/taskdock/internal/task"
	"github.com/mattjoyce/taskdock/internal/taskid"
)

// exitDispatchFailed is returned when the dispatch ran but did not succeed.
const exitDispatchFailed = 2

func runTaskNoun(args []string) int {
	if len(args) < 1 {
		printTaskNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printTaskNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "sync":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: taskdock task sync [--config PATH] [--timeout DURATION] [--worker N] <command> [json-args]")
			fmt.Println("Run <command> on a worker and print its result.")
			return 0
		}
		return runTaskSync(actionArgs)
	case "async":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: taskdock task async [--config PATH] [--on-finish CHANNEL] [--worker N] <command> [json-args]")
			fmt.Println("Queue <command> on a worker and print the acknowledgment.")
			return 0
		}
		return runTaskAsync(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: taskdock task get [--config PATH] <task-id>")
			fmt.Println("Print the recorded outcome of an async task.")
			return 0
		}
		return runTaskGet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown task action: %s\n", action)
		printTaskNounHelp(os.Stderr)
		return 1
	}
}

func printTaskNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: taskdock task <action> [flags] <args>")
	fmt.Fprintln(w, "Actions: sync, async, get")
}

// parsePayload builds a payload from the command name and optional JSON object.
func parsePayload(args []string) (protocol.Payload, error) {
	if len(args) < 1 || len(args) > 2 {
		return protocol.Payload{}, errors.New("expected <command> [json-args]")
	}
	p := protocol.Payload{Command: args[0]}
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &p.Args); err != nil {
			return protocol.Payload{}, fmt.Errorf("json-args must be a JSON object: %w", err)
		}
	}
	return p, nil
}

type dispatchEnv struct {
	dispatcher *task.Dispatcher
	close      func()
}

// openDispatcher builds a dispatcher sharing the master's task id counter.
func openDispatcher(ctx context.Context, configPath string) (*dispatchEnv, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log.SetupWriter(cfg.Service.LogLevel, os.Stderr)

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, err
	}
	d, err := task.New(task.ConfigFrom(cfg), taskid.NewSQLiteCounter(db, cfg.Service.Name), protocol.GetCodec(cfg.Task.Codec))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &dispatchEnv{dispatcher: d, close: func() { _ = db.Close() }}, nil
}

func workerOption(worker int) []task.DispatchOption {
	if worker < 0 {
		return nil
	}
	return []task.DispatchOption{task.WithWorker(worker)}
}

func runTaskSync(args []string) int {
	fs := flag.NewFlagSet("task sync", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	timeout := fs.Duration("timeout", task.DefaultSyncTimeout, "How long to wait for the result")
	worker := fs.Int("worker", -1, "Worker index (default: random)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *timeout < task.MinSyncTimeout {
		fmt.Fprintf(os.Stderr, "--timeout must be at least %v\n", task.MinSyncTimeout)
		return 1
	}
	payload, err := parsePayload(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	env, err := openDispatcher(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer env.close()

	var receipt task.Receipt
	opts := append(workerOption(*worker), task.WithReceipt(&receipt))
	result, code := env.dispatcher.Sync(ctx, payload, *timeout, opts...)

	printDispatch(code, receipt)
	if !code.OK() {
		return exitDispatchFailed
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render result: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func runTaskAsync(args []string) int {
	fs := flag.NewFlagSet("task async", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	onFinish := fs.String("on-finish", "", "Result channel to publish the outcome on")
	worker := fs.Int("worker", -1, "Worker index (default: random)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	payload, err := parsePayload(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	env, err := openDispatcher(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer env.close()

	var receipt task.Receipt
	opts := append(workerOption(*worker), task.WithReceipt(&receipt), task.WithOnFinish(*onFinish))
	code := env.dispatcher.Async(ctx, payload, opts...)

	printDispatch(code, receipt)
	if !code.OK() {
		return exitDispatchFailed
	}
	return 0
}

func runTaskGet(args []string) int {
	fs := flag.NewFlagSet("task get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: taskdock task get [--config PATH] <task-id>")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	n, err := results.NewStore(db).Get(ctx, fs.Arg(0))
	if errors.Is(err, results.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Task %s not found (unknown, sync, or still running)\n", fs.Arg(0))
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render task: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func printDispatch(code task.Code, r task.Receipt) {
	if r.TaskID == "" {
		fmt.Printf("code: %d (%s)\n", int(code), code)
		return
	}
	fmt.Printf("code: %d (%s) task: %s worker: %d trace: %s\n", int(code), code, r.TaskID, r.Worker, r.TraceID)
}
