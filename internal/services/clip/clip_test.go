package clip

import (
	"encoding/json"
	"math"
	"net/http"
	"reflect"
	"testing"

	"mediagw/internal/config"
	"mediagw/internal/inference"
	"mediagw/internal/services/servicetest"
	"mediagw/pkg/types"
)

func respond(_ string, c inference.Call) (any, error) {
	switch c.Op {
	case "analyze":
		return map[string]any{"description": "a cat sitting on a sofa"}, nil
	case "interrogate":
		return map[string]any{"description": "cat, sofa, , indoor, photo"}, nil
	}
	return map[string]any{"embedding": []float64{0.1, 0.2, 0.3}}, nil
}

func newHarness(t *testing.T) *servicetest.Harness {
	return servicetest.New(t, Definition(), config.Config{}, &servicetest.Loader{Respond: respond}, nil)
}

func image() servicetest.File {
	return servicetest.File{Field: "image", Name: "cat.jpg", Data: []byte("JFIF")}
}

func TestAnalyzeModes(t *testing.T) {
	h := newHarness(t)
	rec := h.PostForm("/analyze", nil, image())
	var got types.AnalyzeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("%d %s", rec.Code, rec.Body.String())
	}
	if got.Mode != "fast" || got.Description != "a cat sitting on a sofa" {
		t.Fatalf("got %+v", got)
	}
	rec = h.PostForm("/analyze", map[string]string{"mode": "slow"}, image())
	if rec.Code != http.StatusBadRequest || servicetest.ErrorOf(t, rec) != "mode must be one of fast, classic, best" {
		t.Fatalf("%d %s", rec.Code, rec.Body.String())
	}
	if keys := h.Loader.Loads(); len(keys) != 1 || keys[0] != DefaultModel {
		t.Fatalf("loads = %v", keys)
	}
}

func TestEmbedImageAndText(t *testing.T) {
	h := newHarness(t)
	rec := h.PostForm("/embed", nil, image())
	var got types.EmbedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got.Type != "image" || len(got.Embedding) != 3 {
		t.Fatalf("%d %s", rec.Code, rec.Body.String())
	}
	if h.Loader.LastCall().Op != "embed_image" {
		t.Fatalf("op = %s", h.Loader.LastCall().Op)
	}

	rec = h.PostJSON("/embed", `{"text":"a photo of a cat"}`)
	got = types.EmbedResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got.Type != "text" {
		t.Fatalf("%d %s", rec.Code, rec.Body.String())
	}
	last := h.Loader.LastCall()
	if last.Op != "embed_text" || last.Params["text"] != "a photo of a cat" || last.Input != "" {
		t.Fatalf("call = %+v", last)
	}

	for _, body := range []string{`{}`, `{"text":"  "}`} {
		rec = h.PostJSON("/embed", body)
		if rec.Code != http.StatusBadRequest || servicetest.ErrorOf(t, rec) != "No image or text provided" {
			t.Fatalf("%s: %d %s", body, rec.Code, rec.Body.String())
		}
	}
}

func TestSimilarityNeedsNoModel(t *testing.T) {
	h := newHarness(t)
	rec := h.PostJSON("/similarity", `{"embedding1":[1,0],"embedding2":[1,0]}`)
	var got types.SimilarityResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || math.Abs(got.Similarity-1) > 1e-9 {
		t.Fatalf("%d %s", rec.Code, rec.Body.String())
	}
	for _, body := range []string{`{"embedding1":[1,0],"embedding2":[1]}`, `{"embedding1":[],"embedding2":[]}`} {
		rec = h.PostJSON("/similarity", body)
		if rec.Code != http.StatusBadRequest || servicetest.ErrorOf(t, rec) != "Invalid embeddings" {
			t.Fatalf("%s: %d %s", body, rec.Code, rec.Body.String())
		}
	}
	if len(h.Loader.Loads()) != 0 {
		t.Fatalf("similarity must not load a model")
	}
	if h.Health(t)["loaded"] != false {
		t.Fatalf("health should report no model")
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float64{1, 0}, []float64{0, 1}); got != 0 {
		t.Fatalf("orthogonal = %v", got)
	}
	if got := Cosine([]float64{1, 1}, []float64{-1, -1}); math.Abs(got+1) > 1e-9 {
		t.Fatalf("opposite = %v", got)
	}
	if got := Cosine([]float64{0, 0}, []float64{1, 1}); got != 0 {
		t.Fatalf("zero vector = %v", got)
	}
}

func TestTags(t *testing.T) {
	h := newHarness(t)
	rec := h.PostForm("/tags", map[string]string{"max_tags": "2"}, image())
	var got types.TagsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("%d %s", rec.Code, rec.Body.String())
	}
	if !reflect.DeepEqual(got.Tags, []string{"cat", "sofa"}) || got.FullDescription != "cat, sofa, , indoor, photo" {
		t.Fatalf("got %+v", got)
	}
	for _, n := range []string{"0", "101"} {
		rec = h.PostForm("/tags", map[string]string{"max_tags": n}, image())
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("max_tags=%s: %d", n, rec.Code)
		}
	}
}

func TestSplitTags(t *testing.T) {
	if got := SplitTags("a, b ,,c", 10); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("got %v", got)
	}
	// empties do not count toward the limit
	if got := SplitTags("cat, , dog", 2); !reflect.DeepEqual(got, []string{"cat", "dog"}) {
		t.Fatalf("got %v", got)
	}
	if got := SplitTags("", 3); got == nil || len(got) != 0 {
		t.Fatalf("empty description should give an empty list, got %#v", got)
	}
}
