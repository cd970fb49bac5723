package demucs

import (
	"bytes"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"

	"mediagw/internal/apierr"
	"mediagw/internal/config"
	"mediagw/internal/services/servicetest"
	"mediagw/internal/toolexec"
)

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

// fakeDemucs writes the stems demucs would produce.
func fakeDemucs(c toolexec.Command) (toolexec.Result, error) {
	model, out := argValue(c.Args, "--model"), argValue(c.Args, "--out")
	input := c.Args[len(c.Args)-1]
	dir := filepath.Join(out, model, strings.TrimSuffix(filepath.Base(input), filepath.Ext(input)))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return toolexec.Result{}, err
	}
	stems := Stems
	if s := argValue(c.Args, "--two-stems"); s != "" {
		stems = []string{s, "no_" + s}
	}
	for _, s := range stems {
		if err := os.WriteFile(filepath.Join(dir, s+".wav"), []byte("stem:"+s), 0o600); err != nil {
			return toolexec.Result{}, err
		}
	}
	return toolexec.Result{}, nil
}

func song() servicetest.File {
	return servicetest.File{Field: "audio", Name: "song.mp3", Data: []byte("ID3")}
}

func newHarness(t *testing.T, fn func(toolexec.Command) (toolexec.Result, error)) *servicetest.Harness {
	return servicetest.New(t, Definition(), config.Config{}, nil, &servicetest.Runner{Fn: fn})
}

func TestArgs(t *testing.T) {
	got := Args("htdemucs", "vocals", "/o", "/i.wav")
	want := []string{"-m", "demucs", "--model", "htdemucs", "--out", "/o", "--two-stems", "vocals", "/i.wav"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v", got)
	}
	if got := Args("mdx_extra", "", "/o", "/i.wav"); len(got) != 7 {
		t.Fatalf("full separation args %v", got)
	}
}

func TestSeparateZipsAllStems(t *testing.T) {
	h := newHarness(t, fakeDemucs)
	rec := h.PostForm("/separate", nil, song())
	if rec.Code != http.StatusOK {
		t.Fatalf("%d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/zip" || !strings.Contains(rec.Header().Get("Content-Disposition"), "stems.zip") {
		t.Fatalf("headers %v", rec.Header())
	}
	body := rec.Body.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("zip: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	if !reflect.DeepEqual(names, []string{"bass.wav", "drums.wav", "other.wav", "vocals.wav"}) {
		t.Fatalf("entries %v", names)
	}
	cmd := h.Runner.Commands[0]
	if cmd.Tool != "Demucs" || argValue(cmd.Args, "--model") != DefaultModel || !strings.HasSuffix(cmd.Args[len(cmd.Args)-1], "input.mp3") {
		t.Fatalf("command %+v", cmd)
	}
	if len(h.Leftovers(t)) != 0 {
		t.Fatalf("leftovers: %v", h.Leftovers(t))
	}
}

func TestSeparateStem(t *testing.T) {
	h := newHarness(t, fakeDemucs)
	rec := h.PostForm("/separate-stem", map[string]string{"stem": "drums", "model": "htdemucs_ft"}, song())
	if rec.Code != http.StatusOK || rec.Body.String() != "stem:drums" {
		t.Fatalf("%d %q", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "drums.wav") {
		t.Fatalf("disposition %q", rec.Header().Get("Content-Disposition"))
	}
	if argValue(h.Runner.Commands[0].Args, "--two-stems") != "drums" {
		t.Fatalf("args %v", h.Runner.Commands[0].Args)
	}
}

func TestValidation(t *testing.T) {
	h := newHarness(t, fakeDemucs)
	cases := []struct {
		path   string
		fields map[string]string
		files  []servicetest.File
		msg    string
	}{
		{"/separate", nil, nil, "No audio file provided"},
		{"/separate", map[string]string{"model": "spleeter"}, []servicetest.File{song()}, "model must be one of htdemucs, htdemucs_ft, mdx_extra"},
		{"/separate", map[string]string{"stems": "piano"}, []servicetest.File{song()}, "stems must be one of all, vocals, drums, bass, other"},
		{"/separate-stem", map[string]string{"stem": "all"}, []servicetest.File{song()}, "stem must be one of vocals, drums, bass, other"},
	}
	for _, c := range cases {
		rec := h.PostForm(c.path, c.fields, c.files...)
		if rec.Code != http.StatusBadRequest || servicetest.ErrorOf(t, rec) != c.msg {
			t.Errorf("%s %v: %d %s", c.path, c.fields, rec.Code, rec.Body.String())
		}
	}
	if len(h.Runner.Commands) != 0 {
		t.Fatalf("tool must not run for invalid input")
	}
}

func TestToolFailureIsRedacted(t *testing.T) {
	var seen string
	h := newHarness(t, func(c toolexec.Command) (toolexec.Result, error) {
		seen = c.Args[len(c.Args)-1]
		return toolexec.Result{}, apierr.ToolFailure(c.Tool, 1, "RuntimeError: could not decode "+seen)
	})
	rec := h.PostForm("/separate", nil, song())
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("%d %s", rec.Code, rec.Body.String())
	}
	msg := servicetest.ErrorOf(t, rec)
	if !strings.HasPrefix(msg, "Demucs error (exit 1)") || strings.Contains(msg, h.Root) {
		t.Fatalf("message %q", msg)
	}
	if len(h.Leftovers(t)) != 0 {
		t.Fatalf("leftovers: %v", h.Leftovers(t))
	}
}

func TestMissingStemOutput(t *testing.T) {
	h := newHarness(t, func(toolexec.Command) (toolexec.Result, error) { return toolexec.Result{}, nil })
	rec := h.PostForm("/separate-stem", map[string]string{"stem": "bass"}, song())
	if rec.Code != http.StatusInternalServerError || servicetest.ErrorOf(t, rec) != "Stem bass not found" {
		t.Fatalf("%d %s", rec.Code, rec.Body.String())
	}
	rec = h.PostForm("/separate", nil, song())
	if rec.Code != http.StatusInternalServerError || servicetest.ErrorOf(t, rec) != "separated stems not found" {
		t.Fatalf("%d %s", rec.Code, rec.Body.String())
	}
}
