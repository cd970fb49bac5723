// fake_worker speaks the model worker protocol without loading anything.
// It is built by tests with `go build`.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

type call struct {
	Op     string         `json:"op"`
	Params map[string]any `json:"params"`
	Input  string         `json:"input"`
	Output string         `json:"output"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	host, port, model := "127.0.0.1", "0", ""
	args := os.Args[1:]
	for i := 0; i < len(args)-1; i++ {
		switch args[i] {
		case "--host":
			host = args[i+1]
		case "--port":
			port = args[i+1]
		case "--model":
			model = args[i+1]
		}
	}
	if os.Getenv("FAKE_WORKER_FAIL") == "1" || strings.HasPrefix(model, "broken") {
		fmt.Fprintln(os.Stderr, "RuntimeError: CUDA out of memory while loading", model)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "model": model})
	})
	mux.HandleFunc("/invoke", func(w http.ResponseWriter, r *http.Request) {
		var c call
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad call"})
			return
		}
		var in []byte
		if c.Input != "" {
			b, err := os.ReadFile(c.Input)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "input missing"})
				return
			}
			in = b
		}
		if strings.HasPrefix(string(in), "corrupt") {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "cannot identify input file"})
			return
		}
		if c.Op == "boom" {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "kaboom"})
			return
		}
		if c.Output != "" {
			data := append([]byte("out:"+c.Op+":"), in...)
			if err := os.WriteFile(c.Output, data, 0o600); err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
				return
			}
		}
		var result any
		switch c.Op {
		case "analyze":
			result = map[string]any{"description": "a cat sitting on a sofa"}
		case "interrogate":
			result = map[string]any{"description": "cat, sofa, indoor, photo"}
		case "embed_image", "embed_text":
			result = map[string]any{"embedding": []float64{0.1, 0.2, 0.3}}
		case "transcribe":
			result = map[string]any{
				"text":     "hello world",
				"segments": []map[string]any{{"start": 0, "end": 1.5, "text": "hello world"}},
				"language": "en",
			}
		case "detect_language":
			result = map[string]any{"probabilities": map[string]float64{
				"en": 0.7, "fr": 0.1, "de": 0.06, "es": 0.05, "it": 0.04, "ja": 0.03, "ko": 0.02,
			}}
		case "sleep":
			time.Sleep(2 * time.Second)
			result = map[string]any{"slept": true}
		default:
			result = map[string]any{"op": c.Op, "model": model, "params": c.Params}
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": result})
	})

	srv := &http.Server{Addr: host + ":" + port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
