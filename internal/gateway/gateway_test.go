package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"mediagw/internal/config"
	"mediagw/internal/encode"
	"mediagw/internal/inference"
	"mediagw/internal/pipeline"
	"mediagw/internal/toolexec"
)

type noGPU struct{}

func (noGPU) Run(context.Context, toolexec.Command) (toolexec.Result, error) {
	return toolexec.Result{}, errors.New("no gpu")
}

type echoModel struct{ key string }

func (m echoModel) Invoke(_ context.Context, c inference.Call) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"key": m.key, "op": c.Op})
}

func (echoModel) Close() error { return nil }

type echoService struct {
	p *pipeline.Pipeline
	d Deps
}

type empty struct{}

func (s *echoService) Mount(r chi.Router) {
	r.Post("/echo", pipeline.Handle(s.p, pipeline.Operation[empty]{
		Name:     "echo",
		Validate: func(*http.Request) (empty, error) { return empty{}, nil },
		Key:      func(empty) string { return s.d.Config.Model },
		Invoke: func(ctx context.Context, c pipeline.Call[empty]) (encode.Result, error) {
			raw, err := c.Model.Invoke(ctx, inference.Call{Op: "echo"})
			if err != nil {
				return encode.Result{}, err
			}
			return encode.Structured(json.RawMessage(raw)), nil
		},
	}))
}

func (s *echoService) Loaded() bool                { return s.d.Cache.Loaded() }
func (s *echoService) HealthExtra() map[string]any { return map[string]any{"model": s.d.Config.Model} }

func echoDefinition() Definition {
	return Definition{
		Name:   "echo",
		Port:   8999,
		Model:  "tiny",
		Worker: true,
		Build: func(d Deps) (Service, error) {
			return &echoService{p: d.Pipeline, d: d}, nil
		},
	}
}

func assemble(t *testing.T, cfg config.Config) *App {
	t.Helper()
	cfg.OutputDir = t.TempDir()
	loader := inference.LoaderFunc(func(_ context.Context, key string) (inference.Model, error) {
		return echoModel{key: key}, nil
	})
	app, err := Assemble(context.Background(), echoDefinition(), cfg, zerolog.Nop(), WithTools(noGPU{}), WithLoader(loader))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return app
}

func TestAssembleAppliesDefaults(t *testing.T) {
	app := assemble(t, config.Config{})
	defer app.Close()
	if app.Config.Addr != ":8999" || app.Config.Model != "tiny" || app.Config.Service != "echo" {
		t.Fatalf("config %+v", app.Config)
	}
	if app.Cache == nil || app.Launcher == nil {
		t.Fatalf("worker services need a cache and launcher")
	}
}

func TestAssembleRejectsBadDevice(t *testing.T) {
	_, err := Assemble(context.Background(), echoDefinition(), config.Config{Device: "tpu", OutputDir: t.TempDir()}, zerolog.Nop(), WithTools(noGPU{}))
	if err == nil || !strings.Contains(err.Error(), "config") {
		t.Fatalf("err = %v", err)
	}
}

func TestAssembleSkipsUnreachableBackends(t *testing.T) {
	cfg := config.Config{}
	cfg.Redis.Addr = "127.0.0.1:1"
	cfg.NATS.URL = "nats://127.0.0.1:1"
	app := assemble(t, cfg)
	defer app.Close()
	rec := httptest.NewRecorder()
	app.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/echo", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("%d %s", rec.Code, rec.Body.String())
	}
}

func TestHealthAndOperation(t *testing.T) {
	app := assemble(t, config.Config{})
	defer app.Close()

	get := func(path string) map[string]any {
		rec := httptest.NewRecorder()
		app.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		var out map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
		return out
	}
	h := get("/health")
	if h["service"] != "echo" || h["loaded"] != false || h["gpu"] != false || h["model"] != "tiny" {
		t.Fatalf("health %v", h)
	}

	rec := httptest.NewRecorder()
	app.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/echo", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"key":"tiny"`) {
		t.Fatalf("%d %s", rec.Code, rec.Body.String())
	}
	if get("/health")["loaded"] != true {
		t.Fatalf("model should be resident")
	}
}

func TestServeListenerStopsOnCancel(t *testing.T) {
	app := assemble(t, config.Config{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.ServeListener(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/readyz"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(b), "ready") {
		t.Fatalf("readyz %d %s", resp.StatusCode, b)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestDeviceEnv(t *testing.T) {
	if env := deviceEnv("cpu"); len(env) != 2 || env[1] != "CUDA_VISIBLE_DEVICES=" {
		t.Fatalf("cpu env %v", env)
	}
	if env := deviceEnv("cuda"); len(env) != 1 {
		t.Fatalf("cuda env %v", env)
	}
}
