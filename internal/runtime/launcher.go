// Package runtime implements inference.Loader by spawning one long-lived
// model worker process per loaded configuration key. The worker speaks a
// small HTTP protocol: GET /health for readiness and POST /invoke for one
// forward pass.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mediagw/internal/inference"
)

// Config controls how workers are spawned.
type Config struct {
	// Python is the interpreter (or any executable) that runs the worker.
	Python string
	// Script is the worker entrypoint passed as the first argument. Empty
	// means Python is itself the worker binary.
	Script string
	// Args returns the service-specific arguments for a configuration key.
	Args func(key string) []string
	Env  []string
	Host string
	// PortStart/PortEnd restrict port selection when both are set.
	PortStart    int
	PortEnd      int
	ReadyTimeout time.Duration
	StopTimeout  time.Duration
	Logger       zerolog.Logger
}

// Launcher spawns and tracks worker processes.
type Launcher struct {
	cfg Config
	// Timeout=0: every call carries its own context deadline.
	client *http.Client

	mu      sync.Mutex
	workers map[*Worker]struct{}
}

// NewLauncher returns a Launcher with defaults filled in.
func NewLauncher(cfg Config) *Launcher {
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 5 * time.Minute
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Launcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: 0},
		workers: make(map[*Worker]struct{}),
	}
}

var _ inference.Loader = (*Launcher)(nil)

// Load spawns a worker for key and blocks until it reports healthy, exits, or
// the ready timeout elapses.
func (l *Launcher) Load(ctx context.Context, key string) (inference.Model, error) {
	if strings.TrimSpace(l.cfg.Python) == "" {
		return nil, errors.New("worker interpreter not configured")
	}
	var (
		port int
		err  error
	)
	if l.cfg.PortStart > 0 && l.cfg.PortEnd >= l.cfg.PortStart {
		port, err = pickPortInRange(l.cfg.Host, l.cfg.PortStart, l.cfg.PortEnd)
	} else {
		port, err = pickFreePort(l.cfg.Host)
	}
	if err != nil {
		return nil, err
	}

	var args []string
	if l.cfg.Script != "" {
		args = append(args, l.cfg.Script)
	}
	if l.cfg.Args != nil {
		args = append(args, l.cfg.Args(key)...)
	}
	args = append(args, "--host", l.cfg.Host, "--port", strconv.Itoa(port))

	// Not CommandContext: the worker outlives the request that loaded it.
	cmd := exec.Command(l.cfg.Python, args...)
	if len(l.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), l.cfg.Env...)
	}
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	w := &Worker{
		key:         key,
		cmd:         cmd,
		pid:         cmd.Process.Pid,
		baseURL:     fmt.Sprintf("http://%s", net.JoinHostPort(l.cfg.Host, strconv.Itoa(port))),
		client:      l.client,
		stderr:      stderr,
		done:        make(chan struct{}),
		stopTimeout: l.cfg.StopTimeout,
		logger:      l.cfg.Logger,
		onClose:     l.forget,
	}
	go func() {
		w.waitErr = cmd.Wait()
		close(w.done)
	}()
	l.cfg.Logger.Info().Str("key", key).Int("pid", w.pid).Int("port", port).Msg("worker spawned")

	if err := l.waitReady(ctx, w); err != nil {
		w.kill()
		l.cfg.Logger.Warn().Err(err).Str("key", key).Int("pid", w.pid).Msg("worker failed to become ready")
		return nil, err
	}
	l.mu.Lock()
	l.workers[w] = struct{}{}
	l.mu.Unlock()
	l.cfg.Logger.Info().Str("key", key).Int("pid", w.pid).Str("url", w.baseURL).Msg("worker ready")
	return w, nil
}

func (l *Launcher) waitReady(ctx context.Context, w *Worker) error {
	deadline := time.NewTimer(l.cfg.ReadyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if w.healthy(ctx, time.Second) {
			return nil
		}
		select {
		case <-w.done:
			if w.waitErr != nil {
				return fmt.Errorf("worker exited early: %v; stderr tail: %s", w.waitErr, w.stderr.String())
			}
			return fmt.Errorf("worker exited before ready; stderr tail: %s", w.stderr.String())
		case <-deadline.C:
			return fmt.Errorf("worker not ready within %s", l.cfg.ReadyTimeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func (l *Launcher) forget(w *Worker) {
	l.mu.Lock()
	delete(l.workers, w)
	l.mu.Unlock()
}

// Running reports how many workers are alive.
func (l *Launcher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.workers)
}

// StopAll terminates every tracked worker. Best effort.
func (l *Launcher) StopAll() {
	l.mu.Lock()
	ws := make([]*Worker, 0, len(l.workers))
	for w := range l.workers {
		ws = append(ws, w)
	}
	l.mu.Unlock()
	for _, w := range ws {
		_ = w.Close()
	}
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func pickFreePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected addr: %s", ln.Addr())
	}
	return addr.Port, nil
}
