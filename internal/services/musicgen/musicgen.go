// Package musicgen serves text-conditioned music generation and melody
// continuation.
package musicgen

import (
	"context"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"mediagw/internal/apierr"
	"mediagw/internal/encode"
	"mediagw/internal/gateway"
	"mediagw/internal/inference"
	"mediagw/internal/modelcache"
	"mediagw/internal/pipeline"
	"mediagw/internal/scope"
	"mediagw/internal/services/form"
	"mediagw/internal/toolexec"
	"mediagw/pkg/types"
)

const (
	Name        = "musicgen"
	Port        = 8030
	DefaultSize = "small"

	defaultDuration = 10.0
	maxDuration     = 30.0
)

func Definition() gateway.Definition {
	return gateway.Definition{
		Name:       Name,
		Port:       Port,
		Model:      DefaultSize,
		Worker:     true,
		WorkerArgs: func(key string) []string { return []string{"--model", key} },
		Build:      New,
	}
}

// Key maps a model size to its pretrained checkpoint name.
func Key(size string) string {
	if strings.Contains(size, "/") {
		return size
	}
	return "facebook/musicgen-" + size
}

type Service struct {
	p     *pipeline.Pipeline
	cache *modelcache.Cache
	key   string
}

func New(d gateway.Deps) (gateway.Service, error) {
	return &Service{p: d.Pipeline, cache: d.Cache, key: Key(d.Config.Model)}, nil
}

func (s *Service) Mount(r chi.Router) {
	r.Post("/generate", pipeline.Handle(s.p, s.generate()))
	r.Post("/continue", pipeline.Handle(s.p, s.continueMusic()))
}

func (s *Service) Loaded() bool { return s.cache != nil && s.cache.Loaded() }

func (s *Service) HealthExtra() map[string]any { return map[string]any{"model": s.key} }

// Duration applies the default and the cap. Non-positive values are rejected.
func Duration(d float64, set bool) (float64, error) {
	if !set {
		return defaultDuration, nil
	}
	if math.IsNaN(d) || d <= 0 {
		return 0, apierr.ClientInput("duration must be greater than 0")
	}
	return math.Min(d, maxDuration), nil
}

type genIn struct {
	prompt   string
	duration float64
	audio    form.Upload
	input    string
}

func (s *Service) render(ctx context.Context, c pipeline.Call[genIn], op, name string) (encode.Result, error) {
	out := c.Scope.NewPath(".wav")
	call := inference.Call{
		Op:     op,
		Params: map[string]any{"prompt": c.Input.prompt, "duration": c.Input.duration},
		Input:  c.Input.input,
		Output: out,
	}
	if _, err := c.Model.Invoke(ctx, call); err != nil {
		return encode.Result{}, err
	}
	if err := toolexec.Expect(out, "generated audio"); err != nil {
		return encode.Result{}, err
	}
	return encode.SingleFile(out, "audio/wav", name), nil
}

func (s *Service) generate() pipeline.Operation[genIn] {
	return pipeline.Operation[genIn]{
		Name: "generate",
		Validate: func(r *http.Request) (genIn, error) {
			var body types.GenerateRequest
			if err := form.DecodeJSON(r, &body); err != nil {
				return genIn{}, err
			}
			if strings.TrimSpace(body.Prompt) == "" {
				return genIn{}, apierr.ClientInput("No prompt provided")
			}
			var d float64
			if body.Duration != nil {
				d = *body.Duration
			}
			dur, err := Duration(d, body.Duration != nil)
			if err != nil {
				return genIn{}, err
			}
			return genIn{prompt: body.Prompt, duration: dur}, nil
		},
		Key: func(genIn) string { return s.key },
		Invoke: func(ctx context.Context, c pipeline.Call[genIn]) (encode.Result, error) {
			return s.render(ctx, c, "generate", "generated_music.wav")
		},
	}
}

func (s *Service) continueMusic() pipeline.Operation[genIn] {
	return pipeline.Operation[genIn]{
		Name: "continue",
		Validate: func(r *http.Request) (genIn, error) {
			a, err := form.File(r, "audio", ".wav", "No audio file provided")
			if err != nil {
				return genIn{}, err
			}
			raw := form.Value(r, "duration")
			d, err := form.Float(r, "duration", 0)
			if err != nil {
				return genIn{}, err
			}
			dur, err := Duration(d, raw != "")
			if err != nil {
				return genIn{}, err
			}
			return genIn{prompt: form.Value(r, "prompt"), duration: dur, audio: a}, nil
		},
		Stage: func(in *genIn, sc *scope.Scope) error {
			p, err := in.audio.Stage(sc)
			if err != nil {
				return err
			}
			in.input = p
			return nil
		},
		Key: func(genIn) string { return s.key },
		Invoke: func(ctx context.Context, c pipeline.Call[genIn]) (encode.Result, error) {
			return s.render(ctx, c, "continue", "continued_music.wav")
		},
	}
}
