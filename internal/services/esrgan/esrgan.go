// Package esrgan serves image super-resolution. The model worker is keyed by
// upscale factor, so alternating scales reload it.
package esrgan

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

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
)

const (
	Name = "esrgan"
	Port = 8070
)

// Scales are the supported upscale factors.
var Scales = []int{2, 4, 8}

// Definition registers the service.
func Definition() gateway.Definition {
	return gateway.Definition{
		Name:   Name,
		Port:   Port,
		Worker: true,
		WorkerArgs: func(key string) []string {
			return []string{"--model", key}
		},
		Build: New,
	}
}

// Key is the cache key for a scale.
func Key(scale int) string { return "x" + strconv.Itoa(scale) }

type Service struct {
	p     *pipeline.Pipeline
	cache *modelcache.Cache
}

// New builds the service from shared deps.
func New(d gateway.Deps) (gateway.Service, error) {
	return &Service{p: d.Pipeline, cache: d.Cache}, nil
}

func (s *Service) Mount(r chi.Router) {
	r.Post("/upscale", pipeline.Handle(s.p, s.upscale()))
	r.Post("/upscale-face", pipeline.Handle(s.p, s.upscaleFace()))
}

func (s *Service) Loaded() bool { return s.cache != nil && s.cache.Loaded() }

func (s *Service) HealthExtra() map[string]any { return map[string]any{"scales": Scales} }

type imageIn struct {
	image form.Upload
	scale int
	input string
}

func stageImage(in *imageIn, sc *scope.Scope) error {
	p, err := in.image.Stage(sc)
	if err != nil {
		return err
	}
	in.input = p
	return nil
}

func (s *Service) upscale() pipeline.Operation[imageIn] {
	return pipeline.Operation[imageIn]{
		Name: "upscale",
		Validate: func(r *http.Request) (imageIn, error) {
			img, err := form.File(r, "image", ".png", "No image file provided")
			if err != nil {
				return imageIn{}, err
			}
			scale, err := form.Int(r, "scale", 4)
			if err != nil {
				return imageIn{}, apierr.ClientInput("Scale must be 2, 4, or 8")
			}
			if scale != 2 && scale != 4 && scale != 8 {
				return imageIn{}, apierr.ClientInput("Scale must be 2, 4, or 8")
			}
			return imageIn{image: img, scale: scale}, nil
		},
		Stage: stageImage,
		Key:   func(in imageIn) string { return Key(in.scale) },
		Invoke: func(ctx context.Context, c pipeline.Call[imageIn]) (encode.Result, error) {
			out := c.Scope.NewPath(".png")
			call := inference.Call{Op: "upscale", Params: map[string]any{"outscale": c.Input.scale}, Input: c.Input.input, Output: out}
			if _, err := c.Model.Invoke(ctx, call); err != nil {
				return encode.Result{}, err
			}
			if err := toolexec.Expect(out, "upscaled image"); err != nil {
				return encode.Result{}, err
			}
			return encode.SingleFile(out, "image/png", fmt.Sprintf("upscaled_%dx.png", c.Input.scale)), nil
		},
	}
}

// upscaleFace runs face restoration with the x2 upsampler as background.
func (s *Service) upscaleFace() pipeline.Operation[imageIn] {
	return pipeline.Operation[imageIn]{
		Name: "upscale-face",
		Validate: func(r *http.Request) (imageIn, error) {
			img, err := form.File(r, "image", ".png", "No image file provided")
			if err != nil {
				return imageIn{}, err
			}
			return imageIn{image: img, scale: 2}, nil
		},
		Stage: stageImage,
		Key:   func(in imageIn) string { return Key(2) },
		Invoke: func(ctx context.Context, c pipeline.Call[imageIn]) (encode.Result, error) {
			out := c.Scope.NewPath(".png")
			call := inference.Call{Op: "enhance_face", Params: map[string]any{"upscale": 2}, Input: c.Input.input, Output: out}
			if _, err := c.Model.Invoke(ctx, call); err != nil {
				return encode.Result{}, err
			}
			if err := toolexec.Expect(out, "enhanced image"); err != nil {
				return encode.Result{}, err
			}
			return encode.SingleFile(out, "image/png", "face_enhanced.png"), nil
		},
	}
}
