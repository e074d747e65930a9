// Package doctor checks a loaded taskdock configuration for problems that
// parse-time validation cannot see: socket paths the kernel will refuse,
// timeouts shorter than the expiry margins, and weak API settings.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/taskdock/internal/auth"
	"github.com/mattjoyce/taskdock/internal/config"
	"github.com/mattjoyce/taskdock/internal/task"
)

// maxSocketPath is the usable length of sun_path on Linux (108 bytes with NUL).
const maxSocketPath = 107

// minTimeout leaves a package some life after the sync expiry margin is taken off.
const minTimeout = 100 * time.Millisecond

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateSocketPaths(r)
	d.validateTempDir(r)
	d.validateTimeouts(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateSocketPaths checks that every derived socket path fits in sun_path.
func (d *Doctor) validateSocketPaths(r *Result) {
	tc := d.cfg.Task
	if tc.WorkerNum <= 0 {
		return
	}
	paths := []string{
		task.SocketAddress(tc.TempDir, d.cfg.Service.Name, tc.WorkerNum-1),
		task.NotifyAddress(tc.TempDir, d.cfg.Service.Name),
	}
	for _, p := range paths {
		if len(p) > maxSocketPath {
			d.addError(r, "sockets", "task.temp_dir",
				fmt.Sprintf("socket path %q is %d bytes; the limit is %d (shorten task.temp_dir or service.name)", p, len(p), maxSocketPath))
			return
		}
	}
}

func (d *Doctor) validateTempDir(r *Result) {
	info, err := os.Stat(d.cfg.Task.TempDir)
	switch {
	case os.IsNotExist(err):
		d.addWarning(r, "sockets", "task.temp_dir",
			fmt.Sprintf("%s does not exist; it will be created on start", d.cfg.Task.TempDir))
	case err != nil:
		d.addError(r, "sockets", "task.temp_dir", err.Error())
	case !info.IsDir():
		d.addError(r, "sockets", "task.temp_dir",
			fmt.Sprintf("%s is not a directory", d.cfg.Task.TempDir))
	}
}

func (d *Doctor) validateTimeouts(r *Result) {
	if d.cfg.Task.Timeout < minTimeout {
		d.addError(r, "task", "task.timeout",
			fmt.Sprintf("timeout %v is shorter than %v; packages would expire before a worker reads them", d.cfg.Task.Timeout, minTimeout))
	}
	if d.cfg.API.Enabled && d.cfg.API.MaxSyncTimeout < task.DefaultSyncTimeout {
		d.addWarning(r, "api", "api.max_sync_timeout",
			fmt.Sprintf("max_sync_timeout %v is below the default sync timeout %v", d.cfg.API.MaxSyncTimeout, task.DefaultSyncTimeout))
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.APIKey != "" || len(d.cfg.API.Tokens) > 0 {
		return
	}
	if isLoopback(d.cfg.API.Listen) {
		d.addWarning(r, "api", "api", "API enabled without authentication")
		return
	}
	d.addError(r, "api", "api",
		fmt.Sprintf("API listens on %s without authentication; configure api_key or tokens", d.cfg.API.Listen))
}

// validateTokenScopes checks that every scope is one the API understands.
func (d *Doctor) validateTokenScopes(r *Result) {
	known := map[string]bool{
		auth.ScopeAll:      true,
		auth.ScopeTasksRO:  true,
		auth.ScopeTasksRW:  true,
		auth.ScopeEventsRO: true,
	}
	for i, token := range d.cfg.API.Tokens {
		for j, scope := range token.Scopes {
			if !known[strings.TrimSpace(scope)] {
				d.addError(r, "token_scopes", fmt.Sprintf("api.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected one of *, tasks:ro, tasks:rw, events:ro)", scope))
			}
		}
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.APIKey != "" && len(d.cfg.API.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api",
			"both api_key and tokens configured; prefer tokens array only")
	}
}

func isLoopback(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
