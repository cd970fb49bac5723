// Package clip serves image captioning, tagging and embeddings.
package clip

import (
	"context"
	"encoding/json"
	"fmt"
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
	"mediagw/pkg/types"
)

const (
	Name         = "clip"
	Port         = 8060
	DefaultModel = "ViT-L-14/openai"
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
	r.Post("/analyze", pipeline.Handle(s.p, s.analyze()))
	r.Post("/embed", pipeline.Handle(s.p, s.embed()))
	r.Post("/similarity", pipeline.Handle(s.p, similarity()))
	r.Post("/tags", pipeline.Handle(s.p, s.tags()))
}

func (s *Service) Loaded() bool { return s.cache != nil && s.cache.Loaded() }

func (s *Service) HealthExtra() map[string]any { return map[string]any{"model": s.model} }

type imageIn struct {
	image   form.Upload
	mode    string
	maxTags int
	text    string
	input   string
}

func stageImage(in *imageIn, sc *scope.Scope) error {
	if in.image.Header == nil {
		return nil
	}
	p, err := in.image.Stage(sc)
	if err != nil {
		return err
	}
	in.input = p
	return nil
}

func description(raw json.RawMessage) (string, error) {
	var out struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", apierr.Inference(fmt.Sprintf("malformed interrogation: %v", err))
	}
	return out.Description, nil
}

func (s *Service) analyze() pipeline.Operation[imageIn] {
	return pipeline.Operation[imageIn]{
		Name: "analyze",
		Validate: func(r *http.Request) (imageIn, error) {
			img, err := form.File(r, "image", ".png", "No image file provided")
			if err != nil {
				return imageIn{}, err
			}
			mode, err := form.Choice(r, "mode", "fast", "fast", "classic", "best")
			if err != nil {
				return imageIn{}, err
			}
			return imageIn{image: img, mode: mode}, nil
		},
		Stage: stageImage,
		Key:   func(imageIn) string { return s.model },
		Invoke: func(ctx context.Context, c pipeline.Call[imageIn]) (encode.Result, error) {
			raw, err := c.Model.Invoke(ctx, inference.Call{Op: "analyze", Params: map[string]any{"mode": c.Input.mode}, Input: c.Input.input})
			if err != nil {
				return encode.Result{}, err
			}
			desc, err := description(raw)
			if err != nil {
				return encode.Result{}, err
			}
			return encode.Structured(types.AnalyzeResponse{Description: desc, Mode: c.Input.mode}), nil
		},
		Fingerprint: func(in imageIn) string { return pipeline.Digest(in.input, s.model, in.mode) },
	}
}

// embed accepts either a multipart image or a JSON {"text": ...} body.
func (s *Service) embed() pipeline.Operation[imageIn] {
	return pipeline.Operation[imageIn]{
		Name: "embed",
		Validate: func(r *http.Request) (imageIn, error) {
			if form.IsMultipart(r) {
				img, err := form.File(r, "image", ".png", "No image or text provided")
				if err != nil {
					return imageIn{}, err
				}
				return imageIn{image: img}, nil
			}
			if form.IsJSON(r) {
				var body types.EmbedTextRequest
				if err := form.DecodeJSON(r, &body); err != nil {
					return imageIn{}, err
				}
				if strings.TrimSpace(body.Text) != "" {
					return imageIn{text: body.Text}, nil
				}
			}
			return imageIn{}, apierr.ClientInput("No image or text provided")
		},
		Stage: stageImage,
		Key:   func(imageIn) string { return s.model },
		Invoke: func(ctx context.Context, c pipeline.Call[imageIn]) (encode.Result, error) {
			call := inference.Call{Op: "embed_image", Input: c.Input.input}
			kind := "image"
			if c.Input.input == "" {
				call = inference.Call{Op: "embed_text", Params: map[string]any{"text": c.Input.text}}
				kind = "text"
			}
			raw, err := c.Model.Invoke(ctx, call)
			if err != nil {
				return encode.Result{}, err
			}
			var out types.EmbedResponse
			if err := json.Unmarshal(raw, &out); err != nil {
				return encode.Result{}, apierr.Inference(fmt.Sprintf("malformed embedding: %v", err))
			}
			out.Type = kind
			return encode.Structured(out), nil
		},
		Fingerprint: func(in imageIn) string {
			if in.input != "" {
				return pipeline.Digest(in.input, s.model, "image")
			}
			return pipeline.DigestParts(s.model, "text", in.text)
		},
	}
}

type pairIn struct {
	a, b []float64
}

// similarity needs no model: cosine similarity is computed here.
func similarity() pipeline.Operation[pairIn] {
	return pipeline.Operation[pairIn]{
		Name: "similarity",
		Validate: func(r *http.Request) (pairIn, error) {
			var body types.SimilarityRequest
			if err := form.DecodeJSON(r, &body); err != nil {
				return pairIn{}, err
			}
			if len(body.Embedding1) == 0 || len(body.Embedding2) == 0 || len(body.Embedding1) != len(body.Embedding2) {
				return pairIn{}, apierr.ClientInput("Invalid embeddings")
			}
			return pairIn{a: body.Embedding1, b: body.Embedding2}, nil
		},
		Invoke: func(_ context.Context, c pipeline.Call[pairIn]) (encode.Result, error) {
			return encode.Structured(types.SimilarityResponse{Similarity: Cosine(c.Input.a, c.Input.b)}), nil
		},
	}
}

// Cosine returns the cosine similarity of equal-length vectors. Zero vectors
// yield 0; norms are clamped at eps.
func Cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	const eps = 1e-8
	den := math.Max(math.Sqrt(na), eps) * math.Max(math.Sqrt(nb), eps)
	return dot / den
}

func (s *Service) tags() pipeline.Operation[imageIn] {
	return pipeline.Operation[imageIn]{
		Name: "tags",
		Validate: func(r *http.Request) (imageIn, error) {
			img, err := form.File(r, "image", ".png", "No image file provided")
			if err != nil {
				return imageIn{}, err
			}
			n, err := form.Int(r, "max_tags", 10)
			if err != nil {
				return imageIn{}, err
			}
			if n < 1 || n > 100 {
				return imageIn{}, apierr.ClientInput("max_tags must be between 1 and 100")
			}
			return imageIn{image: img, maxTags: n}, nil
		},
		Stage: stageImage,
		Key:   func(imageIn) string { return s.model },
		Invoke: func(ctx context.Context, c pipeline.Call[imageIn]) (encode.Result, error) {
			raw, err := c.Model.Invoke(ctx, inference.Call{Op: "interrogate", Params: map[string]any{"mode": "fast"}, Input: c.Input.input})
			if err != nil {
				return encode.Result{}, err
			}
			desc, err := description(raw)
			if err != nil {
				return encode.Result{}, err
			}
			return encode.Structured(types.TagsResponse{Tags: SplitTags(desc, c.Input.maxTags), FullDescription: desc}), nil
		},
		Fingerprint: func(in imageIn) string { return pipeline.Digest(in.input, s.model, "tags", fmt.Sprint(in.maxTags)) },
	}
}

// SplitTags returns at most limit trimmed, non-empty comma-separated tags.
func SplitTags(desc string, limit int) []string {
	tags := []string{}
	for _, t := range strings.Split(desc, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if len(tags) == limit {
			break
		}
		tags = append(tags, t)
	}
	return tags
}
