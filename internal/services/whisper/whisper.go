// Package whisper serves speech transcription and spoken-language detection.
package whisper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"mediagw/internal/apierr"
	"mediagw/internal/encode"
	"mediagw/internal/gateway"
	"mediagw/internal/inference"
	"mediagw/internal/modelcache"
	"mediagw/internal/pipeline"
	"mediagw/internal/scope"
	"mediagw/internal/services/form"
	"mediagw/pkg/types"
)

const (
	Name         = "whisper"
	Port         = 9000
	DefaultModel = "base"
	// topLanguages is how many candidates detect-language returns.
	topLanguages = 5
)

func Definition() gateway.Definition {
	return gateway.Definition{
		Name:       Name,
		Port:       Port,
		Model:      DefaultModel,
		Worker:     true,
		WorkerArgs: func(key string) []string { return []string{"--model", key} },
		Build:      New,
	}
}

type Service struct {
	p     *pipeline.Pipeline
	cache *modelcache.Cache
	model string
}

func New(d gateway.Deps) (gateway.Service, error) {
	return &Service{p: d.Pipeline, cache: d.Cache, model: d.Config.Model}, nil
}

func (s *Service) Mount(r chi.Router) {
	r.Post("/transcribe", pipeline.Handle(s.p, s.transcribe()))
	r.Post("/detect-language", pipeline.Handle(s.p, s.detectLanguage()))
}

func (s *Service) Loaded() bool { return s.cache != nil && s.cache.Loaded() }

func (s *Service) HealthExtra() map[string]any { return map[string]any{"model": s.model} }

type audioIn struct {
	audio    form.Upload
	language string
	input    string
}

func validateAudio(r *http.Request) (audioIn, error) {
	a, err := form.File(r, "audio", ".wav", "No audio file provided")
	if err != nil {
		return audioIn{}, err
	}
	return audioIn{audio: a, language: form.Value(r, "language")}, nil
}

func stageAudio(in *audioIn, sc *scope.Scope) error {
	p, err := in.audio.Stage(sc)
	if err != nil {
		return err
	}
	in.input = p
	return nil
}

func (s *Service) transcribe() pipeline.Operation[audioIn] {
	return pipeline.Operation[audioIn]{
		Name:     "transcribe",
		Validate: validateAudio,
		Stage:    stageAudio,
		Key:      func(audioIn) string { return s.model },
		Invoke: func(ctx context.Context, c pipeline.Call[audioIn]) (encode.Result, error) {
			params := map[string]any{}
			if c.Input.language != "" {
				params["language"] = c.Input.language
			}
			raw, err := c.Model.Invoke(ctx, inference.Call{Op: "transcribe", Params: params, Input: c.Input.input})
			if err != nil {
				return encode.Result{}, err
			}
			var out types.TranscribeResponse
			if err := json.Unmarshal(raw, &out); err != nil {
				return encode.Result{}, apierr.Inference(fmt.Sprintf("malformed transcription: %v", err))
			}
			if out.Language == "" {
				out.Language = "unknown"
			}
			if out.Segments == nil {
				out.Segments = []types.Segment{}
			}
			return encode.Structured(out), nil
		},
		Fingerprint: func(in audioIn) string { return pipeline.Digest(in.input, s.model, in.language) },
	}
}

func (s *Service) detectLanguage() pipeline.Operation[audioIn] {
	return pipeline.Operation[audioIn]{
		Name:     "detect-language",
		Validate: validateAudio,
		Stage:    stageAudio,
		Key:      func(audioIn) string { return s.model },
		Invoke: func(ctx context.Context, c pipeline.Call[audioIn]) (encode.Result, error) {
			raw, err := c.Model.Invoke(ctx, inference.Call{Op: "detect_language", Input: c.Input.input})
			if err != nil {
				return encode.Result{}, err
			}
			var dist struct {
				Probabilities map[string]float64 `json:"probabilities"`
			}
			if err := json.Unmarshal(raw, &dist); err != nil {
				return encode.Result{}, apierr.Inference(fmt.Sprintf("malformed language distribution: %v", err))
			}
			res, ok := Top(dist.Probabilities, topLanguages)
			if !ok {
				return encode.Result{}, apierr.Inference("empty language distribution")
			}
			return encode.Structured(res), nil
		},
		Fingerprint: func(in audioIn) string { return pipeline.Digest(in.input, s.model, "detect") },
	}
}

// Top picks the most probable language and the n best candidates. Ties are
// broken by language code so results are stable.
func Top(probs map[string]float64, n int) (types.DetectLanguageResponse, bool) {
	if len(probs) == 0 {
		return types.DetectLanguageResponse{}, false
	}
	codes := make([]string, 0, len(probs))
	for k := range probs {
		codes = append(codes, k)
	}
	sort.Slice(codes, func(i, j int) bool {
		if probs[codes[i]] != probs[codes[j]] {
			return probs[codes[i]] > probs[codes[j]]
		}
		return codes[i] < codes[j]
	})
	if len(codes) > n {
		codes = codes[:n]
	}
	all := make(map[string]float64, len(codes))
	for _, c := range codes {
		all[c] = probs[c]
	}
	return types.DetectLanguageResponse{Language: codes[0], Confidence: probs[codes[0]], AllProbabilities: all}, true
}
