package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestStatusCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ClientInput("scale must be 2, 4, or 8"), http.StatusBadRequest},
		{UnsupportedMedia("Content-Type must be application/json"), http.StatusUnsupportedMediaType},
		{TooLarge("body too large"), http.StatusRequestEntityTooLarge},
		{LoadFailure("x4", errors.New("out of memory")), http.StatusServiceUnavailable},
		{ToolFailure("demucs", 1, "boom"), http.StatusInternalServerError},
		{OutputMissing("stem vocals"), http.StatusInternalServerError},
		{Encoding(errors.New("gone")), http.StatusInternalServerError},
		{Inference("cuda error"), http.StatusInternalServerError},
		{errors.New("foreign"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := StatusCode(c.err); got != c.want {
			t.Fatalf("StatusCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("stage: %w", ToolFailure("demucs", 2, "bad input"))
	if !IsToolFailure(err) {
		t.Fatalf("expected tool failure through wrap, got kind %v", KindOf(err))
	}
	if StatusCode(err) != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", StatusCode(err))
	}
	if IsClientInput(nil) {
		t.Fatalf("nil must not classify")
	}
}

func TestPublicHidesForeignErrors(t *testing.T) {
	if got := Public(errors.New("open /var/tmp/req-1/input.png: no such file")); got != "internal error" {
		t.Fatalf("foreign error leaked: %q", got)
	}
	if got := Public(ToolFailure("demucs", 1, "CUDA out of memory")); !strings.Contains(got, "CUDA out of memory") {
		t.Fatalf("tool diagnostic missing: %q", got)
	}
	if got := Public(ClientInput("No image file provided")); got != "No image file provided" {
		t.Fatalf("client message altered: %q", got)
	}
}

func TestRedactStripsScopePaths(t *testing.T) {
	err := ToolFailure("demucs", 1, "could not open /srv/out/req-abc/input.wav")
	red := Redact(err, "/srv/out/req-abc")
	msg := Public(red)
	if strings.Contains(msg, "/srv/out") {
		t.Fatalf("path leaked after redaction: %q", msg)
	}
	if !strings.Contains(msg, "input.wav") {
		t.Fatalf("expected file name kept: %q", msg)
	}
	if !IsToolFailure(red) {
		t.Fatalf("redaction changed kind")
	}
	// original is untouched
	if !strings.Contains(err.Error(), "/srv/out") {
		t.Fatalf("redact mutated original error")
	}
}

func TestScrubPaths(t *testing.T) {
	cases := map[string]string{
		`File "/opt/conda/lib/demucs/separate.py", line 12`:     `File "<path>", line 12`,
		"could not load /root/.cache/torch/model.th: bad magic": "could not load <path>: bad magic",
		`open C:\Users\svc\speakers\ref.wav failed`:             "open <path> failed",
		"/srv/weights/x4.pth missing":                           "<path> missing",
		"model unavailable: facebook/musicgen-small":            "model unavailable: facebook/musicgen-small",
		"could not open input.wav":                              "could not open input.wav",
		"read weights=/data/realesr.pth (size 0)":               "read weights=<path> (size 0)",
	}
	for in, want := range cases {
		if got := ScrubPaths(in); got != want {
			t.Errorf("ScrubPaths(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPublicScrubsOnlyDiagnosticKinds(t *testing.T) {
	msg := Public(LoadFailure("facebook/musicgen-small", errors.New("no such file /models/musicgen/config.json")))
	if strings.Contains(msg, "/models/") {
		t.Fatalf("path leaked: %q", msg)
	}
	if !strings.Contains(msg, "facebook/musicgen-small") || !strings.Contains(msg, "no such file") {
		t.Fatalf("diagnostic lost: %q", msg)
	}
	if got := Public(ClientInput("unknown speaker /etc/passwd")); got != "unknown speaker /etc/passwd" {
		t.Fatalf("client input changed: %q", got)
	}
}
