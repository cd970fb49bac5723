package encode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"

	"mediagw/internal/apierr"
	"mediagw/internal/scope"
)

func newScope(t *testing.T) *scope.Scope {
	t.Helper()
	m, err := scope.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	sc, err := m.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() { _ = sc.Release() })
	return sc
}

func stage(t *testing.T, sc *scope.Scope, suffix, content string) string {
	t.Helper()
	p, err := sc.Write(suffix, strings.NewReader(content))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	return p
}

type memSink struct {
	mu   sync.Mutex
	keys []string
	data map[string][]byte
	err  error
}

func (s *memSink) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.data == nil {
		s.data = map[string][]byte{}
	}
	s.keys = append(s.keys, key)
	s.data[key] = append([]byte(nil), data...)
	return nil
}

func TestStructured(t *testing.T) {
	e := &Encoder{Service: "clip"}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/analyze", nil)
	if err := e.Encode(rec, req, Structured(map[string]any{"description": "a cat"}), nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got["description"] != "a cat" {
		t.Fatalf("body = %s err=%v", rec.Body.String(), err)
	}
}

func TestSingleFileIsByteIdenticalThenRemoved(t *testing.T) {
	sc := newScope(t)
	payload := "RIFF....WAVEfmt binary\x00\x01"
	p := stage(t, sc, ".wav", payload)
	sink := &memSink{}
	e := &Encoder{Service: "demucs", Sink: sink, Logger: zerolog.Nop()}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/separate-stem", nil)
	if err := e.Encode(rec, req, SingleFile(p, "audio/wav", "vocals.wav"), sc); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if rec.Body.String() != payload {
		t.Fatalf("body differs from staged file")
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename=vocals.wav`) {
		t.Fatalf("content-disposition = %q", cd)
	}
	if rec.Header().Get("Content-Type") != "audio/wav" {
		t.Fatalf("content-type = %q", rec.Header().Get("Content-Type"))
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("path should be gone after encoding")
	}
	if len(sink.keys) != 1 || !strings.HasPrefix(sink.keys[0], "demucs/") || !strings.HasSuffix(sink.keys[0], "/vocals.wav") {
		t.Fatalf("sink keys = %v", sink.keys)
	}
}

func TestMultiFilePreservesOrder(t *testing.T) {
	sc := newScope(t)
	names := []string{"vocals.wav", "drums.wav", "bass.wav", "other.wav"}
	var entries []Entry
	for _, n := range names {
		entries = append(entries, Entry{Name: n, Path: stage(t, sc, ".wav", "data-"+n)})
	}
	e := &Encoder{Service: "demucs"}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/separate", nil)
	if err := e.Encode(rec, req, MultiFile("stems.zip", entries), sc); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if rec.Header().Get("Content-Type") != "application/zip" {
		t.Fatalf("content-type = %q", rec.Header().Get("Content-Type"))
	}
	body := rec.Body.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("zip: %v", err)
	}
	if len(zr.File) != len(names) {
		t.Fatalf("entries = %d", len(zr.File))
	}
	for i, f := range zr.File {
		if f.Name != names[i] {
			t.Fatalf("entry %d = %s, want %s", i, f.Name, names[i])
		}
		rc, _ := f.Open()
		b, _ := io.ReadAll(rc)
		rc.Close()
		if string(b) != "data-"+names[i] {
			t.Fatalf("entry %s content = %q", f.Name, b)
		}
	}
	for _, ent := range entries {
		if _, err := os.Stat(ent.Path); !os.IsNotExist(err) {
			t.Fatalf("member %s not removed", ent.Name)
		}
	}
}

func TestVanishedFileIsEncodingFailureBeforeHeaders(t *testing.T) {
	sc := newScope(t)
	p := sc.NewPath(".png") // never written
	e := &Encoder{Service: "esrgan"}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upscale", nil)
	err := e.Encode(rec, req, SingleFile(p, "image/png", "upscaled_4x.png"), sc)
	if !apierr.IsEncoding(err) {
		t.Fatalf("expected encoding failure, got %v", err)
	}
	if rec.Body.Len() != 0 || rec.Header().Get("Content-Type") != "" {
		t.Fatalf("nothing should be written on failure")
	}
	WriteError(rec, err)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), sc.Dir()) {
		t.Fatalf("path leaked: %s", rec.Body.String())
	}
}

func TestSinkFailureDoesNotFailResponse(t *testing.T) {
	sc := newScope(t)
	p := stage(t, sc, ".png", "png")
	e := &Encoder{Service: "esrgan", Sink: &memSink{err: errors.New("nats down")}, Logger: zerolog.Nop()}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upscale", nil)
	if err := e.Encode(rec, req, SingleFile(p, "image/png", "upscaled_4x.png"), sc); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "png" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestWriteErrorShape(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, apierr.ClientInput("scale must be 2, 4, or 8"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var got struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Error != "scale must be 2, 4, or 8" || got.Code != 400 {
		t.Fatalf("unexpected body %+v", got)
	}
}
