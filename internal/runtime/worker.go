package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"mediagw/internal/apierr"
	"mediagw/internal/inference"
)

const stderrTail = 4096

// Worker is a ready model worker process. It implements inference.Model.
type Worker struct {
	key     string
	cmd     *exec.Cmd
	pid     int
	baseURL string
	client  *http.Client
	stderr  *tailBuffer

	done    chan struct{}
	waitErr error

	stopTimeout time.Duration
	logger      zerolog.Logger
	onClose     func(*Worker)
	closeOnce   sync.Once
}

var _ inference.Model = (*Worker)(nil)

// Key returns the configuration key the worker was started with.
func (w *Worker) Key() string { return w.key }

// PID returns the worker's process id.
func (w *Worker) PID() int { return w.pid }

// Alive reports whether the process is still running.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *Worker) healthy(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type invokeResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// Invoke posts one call to the worker and waits for its answer.
func (w *Worker) Invoke(ctx context.Context, call inference.Call) (json.RawMessage, error) {
	if !w.Alive() {
		return nil, apierr.Inference("model worker is not running: " + w.stderr.String())
	}
	body, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("encode call: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !w.Alive() {
			return nil, apierr.Inference("model worker exited: " + w.stderr.String())
		}
		return nil, apierr.Inference(err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Inference("read worker response: " + err.Error())
	}
	var out invokeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		out.Error = string(bytes.TrimSpace(raw))
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if len(out.Result) == 0 {
			return json.RawMessage("null"), nil
		}
		return out.Result, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		msg := out.Error
		if msg == "" {
			msg = "invalid input"
		}
		return nil, apierr.ClientInput("%s", msg)
	default:
		msg := out.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, apierr.Inference(msg)
	}
}

// Close terminates the worker: SIGTERM first, then kill after the stop
// timeout. Safe to call more than once.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		if w.cmd.Process != nil && w.Alive() {
			_ = w.cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-w.done:
			case <-time.After(w.stopTimeout):
				_ = w.cmd.Process.Kill()
				<-w.done
			}
		}
		if w.onClose != nil {
			w.onClose(w)
		}
		w.logger.Info().Str("key", w.key).Int("pid", w.pid).Msg("worker stopped")
	})
	return nil
}

func (w *Worker) kill() {
	w.closeOnce.Do(func() {
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
			<-w.done
		}
	})
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
