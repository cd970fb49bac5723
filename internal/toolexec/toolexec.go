// Package toolexec runs out-of-process batch tools to completion and maps
// their exit status onto the apierr taxonomy.
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"mediagw/internal/apierr"
)

// stderrTail bounds the diagnostic text carried in a ToolFailure.
const stderrTail = 4096

var toolRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mediagw",
	Name:      "tool_runs_total",
	Help:      "External tool invocations by outcome",
}, []string{"tool", "outcome"})

func init() {
	prometheus.MustRegister(toolRuns)
}

// Command describes one tool invocation.
type Command struct {
	// Tool is a short name used in errors and metrics (e.g. "demucs").
	Tool string
	// Name is the executable; Args follow it.
	Name string
	Args []string
	Dir  string
	// Env is appended to the current process environment.
	Env []string
	// Redact lists path prefixes scrubbed from captured stderr.
	Redact []string
}

// Result is what a finished run produced.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner is the contract consumed by the pipeline.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Invoker is the os/exec Runner.
type Invoker struct {
	// Timeout bounds each run when positive.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// New returns an Invoker.
func New(timeout time.Duration, logger zerolog.Logger) *Invoker {
	return &Invoker{Timeout: timeout, Logger: logger}
}

// Run executes cmd and blocks until it exits. A non-zero exit becomes a
// ToolFailure carrying the redacted stderr tail.
func (i *Invoker) Run(ctx context.Context, c Command) (Result, error) {
	if c.Name == "" {
		return Result{}, errors.New("toolexec: empty command")
	}
	tool := c.Tool
	if tool == "" {
		tool = c.Name
	}
	if i.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   apierr.RedactString(tail(stderr.String()), c.Redact...),
		Duration: time.Since(start),
	}

	if err == nil {
		toolRuns.WithLabelValues(tool, "ok").Inc()
		i.Logger.Debug().Str("tool", tool).Dur("dur", res.Duration).Msg("tool finished")
		return res, nil
	}

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			toolRuns.WithLabelValues(tool, "canceled").Inc()
			return res, fmt.Errorf("%s: %w", tool, ctx.Err())
		}
		toolRuns.WithLabelValues(tool, "failed").Inc()
		i.Logger.Warn().Str("tool", tool).Int("exit", res.ExitCode).Dur("dur", res.Duration).Msg("tool failed")
		return res, apierr.ToolFailure(tool, res.ExitCode, res.Stderr)
	default:
		// never started (missing binary, bad dir)
		res.ExitCode = -1
		toolRuns.WithLabelValues(tool, "error").Inc()
		msg := apierr.RedactString(err.Error(), c.Redact...)
		return res, apierr.ToolFailure(tool, res.ExitCode, msg)
	}
}

func tail(s string) string {
	if len(s) > stderrTail {
		return s[len(s)-stderrTail:]
	}
	return s
}

// Expect reports OutputMissing when the artifact a tool should have written
// is absent.
func Expect(path, what string) error {
	if _, err := os.Stat(path); err != nil {
		return apierr.OutputMissing(what)
	}
	return nil
}
