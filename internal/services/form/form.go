// Package form validates multipart and JSON request bodies for the service
// operations and stages uploaded files into a request scope.
package form

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mediagw/internal/apierr"
	"mediagw/internal/scope"
)

// memoryLimit is how much of a multipart body is kept in memory; the rest
// spills to temporary files that net/http removes after the handler.
const memoryLimit = 32 << 20

// Upload is a validated file part. It is copied into the scope by Stage.
type Upload struct {
	Header *multipart.FileHeader
	// Ext is the staged file suffix, derived from the client filename.
	Ext string
}

// Stage copies the upload into sc and returns its path.
func (u Upload) Stage(sc *scope.Scope) (string, error) {
	f, err := u.Header.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	return sc.Write(u.Ext, f)
}

// StageAt copies the upload to path, which must lie inside a directory the
// scope already tracks.
func (u Upload) StageAt(path string) error {
	f, err := u.Header.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create staged file: %w", err)
	}
	if _, err := io.Copy(out, f); err != nil {
		_ = out.Close()
		return fmt.Errorf("write staged file: %w", err)
	}
	return out.Close()
}

// IsMultipart reports whether r carries a multipart body.
func IsMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.HasPrefix(mt, "multipart/")
}

// IsJSON reports whether r declares a JSON body.
func IsJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// Parse reads the multipart form once.
func Parse(r *http.Request) error {
	if r.MultipartForm != nil {
		return nil
	}
	if !IsMultipart(r) {
		return apierr.UnsupportedMedia("Content-Type must be multipart/form-data")
	}
	if err := r.ParseMultipartForm(memoryLimit); err != nil {
		return bodyError(err, "invalid multipart body")
	}
	return nil
}

func bodyError(err error, msg string) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return apierr.TooLarge("request body too large")
	}
	return apierr.ClientInput("%s", msg)
}

// File returns the named file part, or a ClientInput error carrying missing.
func File(r *http.Request, field, defExt, missing string) (Upload, error) {
	if err := Parse(r); err != nil {
		if apierr.StatusCode(err) == http.StatusUnsupportedMediaType {
			return Upload{}, apierr.ClientInput("%s", missing)
		}
		return Upload{}, err
	}
	files := r.MultipartForm.File[field]
	if len(files) == 0 {
		return Upload{}, apierr.ClientInput("%s", missing)
	}
	return Upload{Header: files[0], Ext: extOf(files[0].Filename, defExt)}, nil
}

// extOf keeps a short alphanumeric client extension, else defExt.
func extOf(name, defExt string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 6 {
		return defExt
	}
	for _, c := range ext[1:] {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return defExt
		}
	}
	return ext
}

// Value returns a trimmed form field.
func Value(r *http.Request, name string) string {
	return strings.TrimSpace(r.FormValue(name))
}

// Int parses an integer form field, returning def when it is absent.
func Int(r *http.Request, name string, def int) (int, error) {
	v := Value(r, name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apierr.ClientInput("%s must be an integer", name)
	}
	return n, nil
}

// Float parses a numeric form field, returning def when it is absent.
func Float(r *http.Request, name string, def float64) (float64, error) {
	v := Value(r, name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, apierr.ClientInput("%s must be a number", name)
	}
	return f, nil
}

// Choice returns the field value when it is one of allowed, def when absent.
func Choice(r *http.Request, name, def string, allowed ...string) (string, error) {
	v := Value(r, name)
	if v == "" {
		return def, nil
	}
	return OneOf(name, v, allowed...)
}

// OneOf checks v against allowed.
func OneOf(name, v string, allowed ...string) (string, error) {
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", apierr.ClientInput("%s must be one of %s", name, strings.Join(allowed, ", "))
}

// DecodeJSON decodes a JSON body into v.
func DecodeJSON(r *http.Request, v any) error {
	if !IsJSON(r) {
		return apierr.ClientInput("No JSON data provided")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return bodyError(err, "invalid JSON body")
	}
	return nil
}
