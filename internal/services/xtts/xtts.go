// Package xtts serves multilingual speech synthesis and voice cloning.
package xtts

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"mediagw/internal/apierr"
	"mediagw/internal/encode"
	"mediagw/internal/gateway"
	"mediagw/internal/inference"
	"mediagw/internal/modelcache"
	"mediagw/internal/pipeline"
	"mediagw/internal/registry"
	"mediagw/internal/scope"
	"mediagw/internal/services/form"
	"mediagw/internal/toolexec"
	"mediagw/pkg/types"
)

const (
	Name            = "xtts"
	Port            = 8020
	DefaultModel    = "tts_models/multilingual/multi-dataset/xtts_v2"
	DefaultLanguage = "fr"
)

// Languages are the codes XTTS v2 accepts.
var Languages = []string{"en", "es", "fr", "de", "it", "pt", "pl", "tr", "ru", "nl", "cs", "ar", "zh-cn", "ja", "hu", "ko", "hi"}

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
	p        *pipeline.Pipeline
	cache    *modelcache.Cache
	model    string
	speakers string
	logger   zerolog.Logger
}

func New(d gateway.Deps) (gateway.Service, error) {
	return &Service{p: d.Pipeline, cache: d.Cache, model: d.Config.Model, speakers: d.Config.SpeakersDir, logger: d.Logger}, nil
}

func (s *Service) Mount(r chi.Router) {
	r.Post("/synthesize", pipeline.Handle(s.p, s.synthesize()))
	r.Post("/clone", pipeline.Handle(s.p, s.clone()))
	r.Get("/speakers", s.listSpeakers)
}

func (s *Service) Loaded() bool { return s.cache != nil && s.cache.Loaded() }

func (s *Service) HealthExtra() map[string]any { return map[string]any{"model": s.model} }

func (s *Service) listSpeakers(w http.ResponseWriter, r *http.Request) {
	speakers, err := registry.LoadSpeakers(s.speakers)
	if err != nil {
		s.logger.Warn().Err(err).Msg("list speakers")
		encode.WriteError(w, err)
		return
	}
	encode.WriteJSON(w, http.StatusOK, types.SpeakersResponse{Speakers: speakers})
}

func language(v string) (string, error) {
	if v == "" {
		return DefaultLanguage, nil
	}
	return form.OneOf("language", strings.ToLower(v), Languages...)
}

type speechIn struct {
	text     string
	language string
	// speakerWav is a reference voice from the speakers directory.
	speakerWav string
	audio      form.Upload
	input      string
}

func (s *Service) speak(ctx context.Context, c pipeline.Call[speechIn], ref, name string) (encode.Result, error) {
	out := c.Scope.NewPath(".wav")
	params := map[string]any{"text": c.Input.text, "language": c.Input.language}
	if ref != "" {
		params["speaker_wav"] = ref
	}
	if _, err := c.Model.Invoke(ctx, inference.Call{Op: "tts", Params: params, Output: out}); err != nil {
		return encode.Result{}, err
	}
	if err := toolexec.Expect(out, "synthesized speech"); err != nil {
		return encode.Result{}, err
	}
	return encode.SingleFile(out, "audio/wav", name), nil
}

func (s *Service) synthesize() pipeline.Operation[speechIn] {
	return pipeline.Operation[speechIn]{
		Name: "synthesize",
		Validate: func(r *http.Request) (speechIn, error) {
			var body types.SynthesizeRequest
			if err := form.DecodeJSON(r, &body); err != nil {
				return speechIn{}, err
			}
			if strings.TrimSpace(body.Text) == "" {
				return speechIn{}, apierr.ClientInput("No text provided")
			}
			lang, err := language(body.Language)
			if err != nil {
				return speechIn{}, err
			}
			in := speechIn{text: body.Text, language: lang}
			if body.Speaker != "" {
				p, ok := registry.SpeakerPath(s.speakers, body.Speaker)
				if !ok {
					return speechIn{}, apierr.ClientInput("unknown speaker %q", body.Speaker)
				}
				in.speakerWav = p
			}
			return in, nil
		},
		Key: func(speechIn) string { return s.model },
		Invoke: func(ctx context.Context, c pipeline.Call[speechIn]) (encode.Result, error) {
			return s.speak(ctx, c, c.Input.speakerWav, "speech.wav")
		},
	}
}

func (s *Service) clone() pipeline.Operation[speechIn] {
	return pipeline.Operation[speechIn]{
		Name: "clone",
		Validate: func(r *http.Request) (speechIn, error) {
			a, err := form.File(r, "audio", ".wav", "No audio file provided")
			if err != nil {
				return speechIn{}, err
			}
			text := form.Value(r, "text")
			if text == "" {
				return speechIn{}, apierr.ClientInput("No text provided")
			}
			lang, err := language(form.Value(r, "language"))
			if err != nil {
				return speechIn{}, err
			}
			return speechIn{text: text, language: lang, audio: a}, nil
		},
		Stage: func(in *speechIn, sc *scope.Scope) error {
			p, err := in.audio.Stage(sc)
			if err != nil {
				return err
			}
			in.input = p
			return nil
		},
		Key: func(speechIn) string { return s.model },
		Invoke: func(ctx context.Context, c pipeline.Call[speechIn]) (encode.Result, error) {
			return s.speak(ctx, c, c.Input.input, "cloned_speech.wav")
		},
	}
}
