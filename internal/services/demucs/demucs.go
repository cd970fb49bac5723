// Package demucs serves music source separation by running the demucs
// command-line tool once per request.
package demucs

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/go-chi/chi/v5"

	"mediagw/internal/apierr"
	"mediagw/internal/encode"
	"mediagw/internal/gateway"
	"mediagw/internal/pipeline"
	"mediagw/internal/scope"
	"mediagw/internal/services/form"
	"mediagw/internal/toolexec"
)

const (
	Name         = "demucs"
	Port         = 8040
	DefaultModel = "htdemucs"

	// inputStem names the staged input; demucs writes to <out>/<model>/<stem>/.
	inputStem = "input"
)

var (
	Models = []string{"htdemucs", "htdemucs_ft", "mdx_extra"}
	Stems  = []string{"vocals", "drums", "bass", "other"}
)

func Definition() gateway.Definition {
	return gateway.Definition{Name: Name, Port: Port, Build: New}
}

type Service struct {
	p      *pipeline.Pipeline
	python string
}

func New(d gateway.Deps) (gateway.Service, error) {
	return &Service{p: d.Pipeline, python: d.Config.Python}, nil
}

func (s *Service) Mount(r chi.Router) {
	r.Post("/separate", pipeline.Handle(s.p, s.separate()))
	r.Post("/separate-stem", pipeline.Handle(s.p, s.separateStem()))
}

// Loaded reports whether the tool interpreter resolves.
func (s *Service) Loaded() bool {
	_, err := exec.LookPath(s.python)
	return err == nil
}

func (s *Service) HealthExtra() map[string]any { return map[string]any{"models": Models} }

type separateIn struct {
	audio form.Upload
	model string
	// stem is "" for a full separation.
	stem   string
	input  string
	outDir string
}

func stage(in *separateIn, sc *scope.Scope) error {
	work, err := sc.NewDir("work")
	if err != nil {
		return err
	}
	in.input = filepath.Join(work, inputStem+in.audio.Ext)
	if err := in.audio.StageAt(in.input); err != nil {
		return err
	}
	out, err := sc.NewDir("separated")
	if err != nil {
		return err
	}
	in.outDir = out
	return nil
}

// Args builds the demucs argument list.
func Args(model, stem, outDir, input string) []string {
	args := []string{"-m", "demucs", "--model", model, "--out", outDir}
	if stem != "" {
		args = append(args, "--two-stems", stem)
	}
	return append(args, input)
}

func (s *Service) command(in separateIn, _ *scope.Scope) (toolexec.Command, error) {
	return toolexec.Command{
		Tool: "Demucs",
		Name: s.python,
		Args: Args(in.model, in.stem, in.outDir, in.input),
	}, nil
}

// resultDir is where demucs leaves the stems of one input.
func resultDir(in separateIn) string {
	return filepath.Join(in.outDir, in.model, inputStem)
}

func audioFile(r *http.Request) (form.Upload, error) {
	return form.File(r, "audio", ".wav", "No audio file provided")
}

func (s *Service) separate() pipeline.Operation[separateIn] {
	return pipeline.Operation[separateIn]{
		Name: "separate",
		Validate: func(r *http.Request) (separateIn, error) {
			a, err := audioFile(r)
			if err != nil {
				return separateIn{}, err
			}
			model, err := form.Choice(r, "model", DefaultModel, Models...)
			if err != nil {
				return separateIn{}, err
			}
			stems, err := form.Choice(r, "stems", "all", append([]string{"all"}, Stems...)...)
			if err != nil {
				return separateIn{}, err
			}
			in := separateIn{audio: a, model: model}
			if stems != "all" {
				in.stem = stems
			}
			return in, nil
		},
		Stage:   stage,
		Command: s.command,
		Invoke: func(ctx context.Context, c pipeline.Call[separateIn]) (encode.Result, error) {
			if _, err := c.Tools.Run(ctx, c.Command); err != nil {
				return encode.Result{}, err
			}
			entries, err := collect(resultDir(c.Input))
			if err != nil {
				return encode.Result{}, err
			}
			return encode.MultiFile("stems.zip", entries), nil
		},
	}
}

// collect lists the produced stems in name order.
func collect(dir string) ([]encode.Entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil || len(files) == 0 {
		return nil, apierr.OutputMissing("separated stems")
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if !f.IsDir() {
			names = append(names, f.Name())
		}
	}
	if len(names) == 0 {
		return nil, apierr.OutputMissing("separated stems")
	}
	sort.Strings(names)
	entries := make([]encode.Entry, 0, len(names))
	for _, n := range names {
		entries = append(entries, encode.Entry{Name: n, Path: filepath.Join(dir, n)})
	}
	return entries, nil
}

func (s *Service) separateStem() pipeline.Operation[separateIn] {
	return pipeline.Operation[separateIn]{
		Name: "separate-stem",
		Validate: func(r *http.Request) (separateIn, error) {
			a, err := audioFile(r)
			if err != nil {
				return separateIn{}, err
			}
			stem, err := form.Choice(r, "stem", "vocals", Stems...)
			if err != nil {
				return separateIn{}, err
			}
			model, err := form.Choice(r, "model", DefaultModel, Models...)
			if err != nil {
				return separateIn{}, err
			}
			return separateIn{audio: a, model: model, stem: stem}, nil
		},
		Stage:   stage,
		Command: s.command,
		Invoke: func(ctx context.Context, c pipeline.Call[separateIn]) (encode.Result, error) {
			if _, err := c.Tools.Run(ctx, c.Command); err != nil {
				return encode.Result{}, err
			}
			name := c.Input.stem + ".wav"
			p := filepath.Join(resultDir(c.Input), name)
			if err := toolexec.Expect(p, fmt.Sprintf("Stem %s", c.Input.stem)); err != nil {
				return encode.Result{}, err
			}
			return encode.SingleFile(p, "audio/wav", name), nil
		},
	}
}
