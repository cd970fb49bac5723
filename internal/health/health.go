// Package health reports service identity, model residency and accelerator
// availability. Reporting never has side effects.
package health

import (
	"context"
	"net/http"
	"strings"
	"time"

	"mediagw/internal/encode"
	"mediagw/internal/toolexec"
)

// Reporter builds the GET /health payload.
type Reporter struct {
	Service string
	// Loaded reports whether a model is resident; nil means false.
	Loaded func() bool
	// GPU is probed once at startup.
	GPU bool
	// Extra adds service-specific fields.
	Extra func() map[string]any
}

// Report returns the health document. Extra fields never override the
// common ones.
func (r *Reporter) Report() map[string]any {
	out := map[string]any{}
	if r.Extra != nil {
		for k, v := range r.Extra() {
			out[k] = v
		}
	}
	loaded := false
	if r.Loaded != nil {
		loaded = r.Loaded()
	}
	out["status"] = "ok"
	out["service"] = r.Service
	out["loaded"] = loaded
	out["gpu"] = r.GPU
	return out
}

// ServeHTTP always answers 200.
func (r *Reporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	encode.WriteJSON(w, http.StatusOK, r.Report())
}

// DetectGPU asks nvidia-smi for devices. A "cpu" preference skips the probe.
func DetectGPU(ctx context.Context, runner toolexec.Runner, device string) bool {
	if strings.EqualFold(strings.TrimSpace(device), "cpu") || runner == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := runner.Run(ctx, toolexec.Command{Tool: "nvidia-smi", Name: "nvidia-smi", Args: []string{"-L"}})
	if err != nil {
		return false
	}
	return strings.Contains(res.Stdout, "GPU")
}
