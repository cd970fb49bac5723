// Package servicetest assembles a service against in-memory model and tool
// fakes for handler tests.
package servicetest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"mediagw/internal/config"
	"mediagw/internal/gateway"
	"mediagw/internal/inference"
	"mediagw/internal/toolexec"
)

// Responder answers one model call. It may write call.Output.
type Responder func(key string, call inference.Call) (any, error)

// Model is a fake inference.Model driven by a Responder.
type Model struct {
	key     string
	respond Responder
	closed  bool
}

func (m *Model) Invoke(ctx context.Context, call inference.Call) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := m.respond(m.key, call)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (m *Model) Close() error { m.closed = true; return nil }

// Loader counts loads and hands out Models.
type Loader struct {
	Respond Responder
	// Fail makes every load fail.
	Fail error

	mu    sync.Mutex
	Keys  []string
	Calls []inference.Call
}

func (l *Loader) Load(_ context.Context, key string) (inference.Model, error) {
	l.mu.Lock()
	l.Keys = append(l.Keys, key)
	l.mu.Unlock()
	if l.Fail != nil {
		return nil, l.Fail
	}
	return &Model{key: key, respond: func(k string, c inference.Call) (any, error) {
		l.mu.Lock()
		l.Calls = append(l.Calls, c)
		l.mu.Unlock()
		if l.Respond == nil {
			return map[string]any{}, nil
		}
		return l.Respond(k, c)
	}}, nil
}

// Loads returns the keys loaded so far.
func (l *Loader) Loads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.Keys...)
}

// Invocations counts model calls.
func (l *Loader) Invocations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Calls)
}

// LastCall returns the most recent model call.
func (l *Loader) LastCall() inference.Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Calls) == 0 {
		return inference.Call{}
	}
	return l.Calls[len(l.Calls)-1]
}

// Runner is a fake toolexec.Runner. nvidia-smi probes always fail.
type Runner struct {
	Fn func(c toolexec.Command) (toolexec.Result, error)

	mu       sync.Mutex
	Commands []toolexec.Command
}

func (r *Runner) Run(_ context.Context, c toolexec.Command) (toolexec.Result, error) {
	if c.Name == "nvidia-smi" {
		return toolexec.Result{}, errors.New("no gpu")
	}
	r.mu.Lock()
	r.Commands = append(r.Commands, c)
	r.mu.Unlock()
	if r.Fn == nil {
		return toolexec.Result{}, nil
	}
	return r.Fn(c)
}

// Harness is an assembled service.
type Harness struct {
	App    *gateway.App
	Loader *Loader
	Runner *Runner
	Root   string
}

// New assembles def with fakes. cfg.OutputDir is replaced by a temp dir.
func New(t *testing.T, def gateway.Definition, cfg config.Config, loader *Loader, runner *Runner) *Harness {
	t.Helper()
	if loader == nil {
		loader = &Loader{}
	}
	if runner == nil {
		runner = &Runner{}
	}
	cfg.OutputDir = t.TempDir()
	app, err := gateway.Assemble(context.Background(), def, cfg, zerolog.Nop(),
		gateway.WithLoader(loader), gateway.WithTools(runner))
	if err != nil {
		t.Fatalf("assemble %s: %v", def.Name, err)
	}
	t.Cleanup(app.Close)
	return &Harness{App: app, Loader: loader, Runner: runner, Root: cfg.OutputDir}
}

// Do serves req and returns the recorded response.
func (h *Harness) Do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.App.Handler.ServeHTTP(rec, req)
	return rec
}

// Get issues a GET.
func (h *Harness) Get(path string) *httptest.ResponseRecorder {
	return h.Do(httptest.NewRequest(http.MethodGet, path, nil))
}

// PostJSON posts body as JSON.
func (h *Harness) PostJSON(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return h.Do(req)
}

// File is one multipart file part.
type File struct {
	Field, Name string
	Data        []byte
}

// PostForm posts a multipart form with optional files.
func (h *Harness) PostForm(path string, fields map[string]string, files ...File) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	for _, f := range files {
		fw, _ := mw.CreateFormFile(f.Field, f.Name)
		_, _ = io.Copy(fw, bytes.NewReader(f.Data))
	}
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return h.Do(req)
}

// Leftovers lists every path remaining under the scope root.
func (h *Harness) Leftovers(t *testing.T) []string {
	t.Helper()
	var left []string
	err := filepath.Walk(h.Root, func(p string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p != h.Root {
			left = append(left, p)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	return left
}

// Health decodes GET /health.
func (h *Harness) Health(t *testing.T) map[string]any {
	t.Helper()
	rec := h.Get("/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("health json: %v", err)
	}
	return out
}

// ErrorOf decodes an error body.
func ErrorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("error json %q: %v", rec.Body.String(), err)
	}
	return out.Error
}

// WriteOutput writes data to call.Output, as a worker would.
func WriteOutput(call inference.Call, data string) error {
	if call.Output == "" {
		return errors.New("no output path")
	}
	return os.WriteFile(call.Output, []byte(data), 0o600)
}
