// Package encode turns an inference result into the wire response: JSON, a
// single file download, or a zip archive of several files.
package encode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"

	"mediagw/internal/apierr"
	"mediagw/internal/scope"
	"mediagw/pkg/types"
)

// Kind tags a Result.
type Kind int

const (
	KindStructured Kind = iota
	KindSingleFile
	KindMultiFile
)

// Entry is one named member of a multi-file result.
type Entry struct {
	Name string
	Path string
}

// Result is the tagged union produced by an operation.
type Result struct {
	Kind Kind
	// Data is set for KindStructured.
	Data any
	// Path, MIME and Name are set for KindSingleFile; Name is also the
	// archive name for KindMultiFile.
	Path    string
	MIME    string
	Name    string
	Entries []Entry
}

// Structured wraps a JSON-serializable value.
func Structured(v any) Result { return Result{Kind: KindStructured, Data: v} }

// SingleFile names one artifact to stream back.
func SingleFile(path, mimeType, name string) Result {
	return Result{Kind: KindSingleFile, Path: path, MIME: mimeType, Name: name}
}

// MultiFile names several artifacts to pack, in order, into one archive.
func MultiFile(archiveName string, entries []Entry) Result {
	return Result{Kind: KindMultiFile, Name: archiveName, Entries: entries}
}

// Sink receives a copy of every binary artifact. Failures never affect the
// response.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Encoder writes results. The zero value is usable.
type Encoder struct {
	Service string
	Sink    Sink
	Logger  zerolog.Logger
	// SinkTimeout bounds each Sink.Put; defaults to 5s.
	SinkTimeout time.Duration
}

// Encode writes res to w. Every artifact byte is read before any header is
// written, so a failure here can still be reported as a JSON error. Paths
// are removed from sc right after they are read.
func (e *Encoder) Encode(w http.ResponseWriter, r *http.Request, res Result, sc *scope.Scope) error {
	switch res.Kind {
	case KindStructured:
		body, err := json.Marshal(res.Data)
		if err != nil {
			return apierr.Encoding(err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(append(body, '\n'))
		return nil

	case KindSingleFile:
		data, err := readOnce(sc, res.Path)
		if err != nil {
			return err
		}
		e.write(w, data, res.MIME, res.Name)
		e.archive(r, res.Name, data)
		return nil

	case KindMultiFile:
		data, err := e.zip(sc, res.Entries)
		if err != nil {
			return err
		}
		name := res.Name
		if name == "" {
			name = "archive.zip"
		}
		e.write(w, data, "application/zip", name)
		e.archive(r, name, data)
		return nil
	}
	return apierr.Encoding(fmt.Errorf("unknown result kind %d", res.Kind))
}

func readOnce(sc *scope.Scope, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apierr.Encoding(err)
	}
	if sc != nil {
		_ = sc.Remove(path)
	}
	return data, nil
}

func (e *Encoder) zip(sc *scope.Scope, entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, ent := range entries {
		data, err := readOnce(sc, ent.Path)
		if err != nil {
			return nil, err
		}
		f, err := zw.Create(ent.Name)
		if err != nil {
			return nil, apierr.Encoding(err)
		}
		if _, err := f.Write(data); err != nil {
			return nil, apierr.Encoding(err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, apierr.Encoding(err)
	}
	return buf.Bytes(), nil
}

func (e *Encoder) write(w http.ResponseWriter, data []byte, mimeType, name string) {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h := w.Header()
	h.Set("Content-Type", mimeType)
	h.Set("Content-Length", strconv.Itoa(len(data)))
	if name != "" {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (e *Encoder) archive(r *http.Request, name string, data []byte) {
	if e.Sink == nil {
		return
	}
	rid := middleware.GetReqID(r.Context())
	if rid == "" {
		rid = uuid.NewString()
	}
	key := e.Service + "/" + rid + "/" + name
	timeout := e.SinkTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
	defer cancel()
	if err := e.Sink.Put(ctx, key, data); err != nil {
		e.Logger.Warn().Err(err).Str("key", key).Msg("artifact sink put failed")
		return
	}
	e.Logger.Debug().Str("key", key).Int("bytes", len(data)).Msg("artifact archived")
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a consistent JSON error payload for err.
func WriteError(w http.ResponseWriter, err error) {
	status := apierr.StatusCode(err)
	WriteJSON(w, status, types.ErrorResponse{Error: apierr.Public(err), Code: status})
}
