package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/taskdock/internal/config"
	"github.com/mattjoyce/taskdock/internal/doctor"
)

const redacted = "<redacted>"

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: taskdock config check [--config PATH] [--json]")
			fmt.Println("Validate configuration syntax, integrity and runtime settings.")
			fmt.Println("")
			fmt.Println("Exit codes:")
			fmt.Println("  0  Valid")
			fmt.Println("  1  Errors")
			fmt.Println("  2  Warnings only")
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: taskdock config lock [--config PATH]")
			fmt.Println("Record the BLAKE3 checksum of config.yaml in " + config.ChecksumFile + ".")
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: taskdock config show [--config PATH]")
			fmt.Println("Print the effective configuration with defaults applied and secrets redacted.")
			return 0
		}
		return runConfigShow(actionArgs)
	case "token":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: taskdock config token [--bytes N]")
			fmt.Println("Generate a random bearer token for api.tokens or api.api_key.")
			return 0
		}
		return runConfigToken(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		printConfigNounHelp(os.Stderr)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: taskdock config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show, token")
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	result, exitCode, err := validateConfigAtPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return exitCode
	}

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render report: %v\n", err)
			return 1
		}
		fmt.Println(out)
		return exitCode
	}
	fmt.Print(doctor.FormatHuman(result))
	return exitCode
}

func validateConfigAtPath(configPath string) (*doctor.Result, int, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, 1, err
	}
	result := doctor.New(cfg).Validate()
	if !result.Valid {
		return result, 1, nil
	}
	if len(result.Warnings) > 0 {
		return result, 2, nil
	}
	return result, 0, nil
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path := *configPath
	if path == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		path = discovered
	}

	// The existing manifest may be stale, so parse without verifying it.
	file, err := config.ResolveConfigFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	data, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := config.Parse(data); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock %s: %v\n", file, err)
		return 1
	}

	hash, err := config.WriteChecksum(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write checksum: %v\n", err)
		return 1
	}
	fmt.Printf("Locked %s\n", file)
	fmt.Printf("blake3: %s\n", hash)
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
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

	data, err := yaml.Marshal(redactSecrets(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return 1
	}
	fmt.Printf("# %s\n", cfg.SourcePath)
	fmt.Print(string(data))
	return 0
}

// redactSecrets returns a copy of cfg with credentials replaced.
func redactSecrets(cfg *config.Config) *config.Config {
	out := *cfg
	if out.API.APIKey != "" {
		out.API.APIKey = redacted
	}
	if len(cfg.API.Tokens) > 0 {
		out.API.Tokens = make([]config.APITokenConfig, len(cfg.API.Tokens))
		for i, t := range cfg.API.Tokens {
			out.API.Tokens[i] = config.APITokenConfig{Token: redacted, Scopes: t.Scopes}
		}
	}
	return &out
}

func runConfigToken(args []string) int {
	fs := flag.NewFlagSet("config token", flag.ContinueOnError)
	size := fs.Int("bytes", 32, "Random bytes in the token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *size < 16 {
		fmt.Fprintln(os.Stderr, "--bytes must be at least 16")
		return 1
	}

	token, err := generateSecureToken(*size)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate token: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}

func generateSecureToken(bytesLen int) (string, error) {
	buf := make([]byte, bytesLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
