package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"mediagw/internal/toolexec"
)

type stubRunner struct {
	out   string
	err   error
	calls int
}

func (s *stubRunner) Run(ctx context.Context, c toolexec.Command) (toolexec.Result, error) {
	s.calls++
	return toolexec.Result{Stdout: s.out}, s.err
}

func TestReportReflectsLoadedState(t *testing.T) {
	loaded := false
	r := &Reporter{
		Service: "esrgan",
		Loaded:  func() bool { return loaded },
		GPU:     true,
		Extra:   func() map[string]any { return map[string]any{"scales": []int{2, 4, 8}, "loaded": "spoof"} },
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != "ok" || got["service"] != "esrgan" || got["loaded"] != false || got["gpu"] != true {
		t.Fatalf("unexpected report %v", got)
	}
	if _, ok := got["scales"]; !ok {
		t.Fatalf("extra fields missing: %v", got)
	}
	loaded = true
	if r.Report()["loaded"] != true {
		t.Fatalf("expected loaded=true")
	}
}

func TestReportWithoutModel(t *testing.T) {
	r := &Reporter{Service: "demucs"}
	if r.Report()["loaded"] != false {
		t.Fatalf("nil Loaded should report false")
	}
}

func TestDetectGPU(t *testing.T) {
	ctx := context.Background()
	s := &stubRunner{out: "GPU 0: NVIDIA A10G (UUID: GPU-abc)\n"}
	if !DetectGPU(ctx, s, "auto") {
		t.Fatalf("expected gpu")
	}
	if DetectGPU(ctx, s, "cpu") || s.calls != 1 {
		t.Fatalf("cpu preference must skip the probe")
	}
	if DetectGPU(ctx, &stubRunner{err: errors.New("not found")}, "cuda") {
		t.Fatalf("probe failure means no gpu")
	}
	if DetectGPU(ctx, nil, "auto") {
		t.Fatalf("nil runner means no gpu")
	}
}
