// Package apierr defines the closed error taxonomy shared by every service.
// Lower layers construct errors with the helpers below; the HTTP boundary
// classifies them with StatusCode and Public.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Kind classifies a failure for status mapping and retry decisions.
type Kind int

const (
	KindInternal Kind = iota
	KindClientInput
	KindLoadFailure
	KindToolFailure
	KindOutputMissing
	KindEncoding
	KindInference
)

func (k Kind) String() string {
	switch k {
	case KindClientInput:
		return "client_input"
	case KindLoadFailure:
		return "load_failure"
	case KindToolFailure:
		return "tool_failure"
	case KindOutputMissing:
		return "output_missing"
	case KindEncoding:
		return "encoding"
	case KindInference:
		return "inference"
	default:
		return "internal"
	}
}

// Error is the concrete error type carried across package boundaries.
type Error struct {
	Kind Kind
	// Msg is safe to show to callers.
	Msg string
	// Detail holds captured diagnostic text (tool stderr, worker message).
	Detail string
	// Status overrides the kind's default HTTP status when non-zero.
	Status int
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Msg)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil && e.Detail == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the error kind to an HTTP status.
func (e *Error) StatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindClientInput:
		return http.StatusBadRequest
	case KindLoadFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ClientInput reports a missing, malformed or disallowed request field.
func ClientInput(format string, args ...any) error {
	return &Error{Kind: KindClientInput, Msg: fmt.Sprintf(format, args...)}
}

// UnsupportedMedia reports a request body of the wrong content type.
func UnsupportedMedia(msg string) error {
	return &Error{Kind: KindClientInput, Msg: msg, Status: http.StatusUnsupportedMediaType}
}

// TooLarge reports a request body over the configured limit.
func TooLarge(msg string) error {
	return &Error{Kind: KindClientInput, Msg: msg, Status: http.StatusRequestEntityTooLarge}
}

// LoadFailure wraps a model loading error.
func LoadFailure(key string, err error) error {
	return &Error{Kind: KindLoadFailure, Msg: "model unavailable: " + key, Err: err, Detail: detailOf(err)}
}

// ToolFailure reports a non-zero exit of an external tool with its captured stderr.
func ToolFailure(tool string, exitCode int, stderr string) error {
	return &Error{
		Kind:   KindToolFailure,
		Msg:    fmt.Sprintf("%s error (exit %d)", tool, exitCode),
		Detail: strings.TrimSpace(stderr),
	}
}

// OutputMissing reports an absent artifact after a successful tool run.
func OutputMissing(what string) error {
	return &Error{Kind: KindOutputMissing, Msg: what + " not found"}
}

// Encoding reports an artifact that could not be read at response time.
func Encoding(err error) error {
	return &Error{Kind: KindEncoding, Msg: "failed to encode response", Err: err}
}

// Inference reports a failed forward pass inside a model worker.
func Inference(msg string) error {
	return &Error{Kind: KindInference, Msg: "inference failed", Detail: strings.TrimSpace(msg)}
}

func detailOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsClientInput(err error) bool   { return err != nil && KindOf(err) == KindClientInput }
func IsLoadFailure(err error) bool   { return err != nil && KindOf(err) == KindLoadFailure }
func IsToolFailure(err error) bool   { return err != nil && KindOf(err) == KindToolFailure }
func IsOutputMissing(err error) bool { return err != nil && KindOf(err) == KindOutputMissing }
func IsEncoding(err error) bool      { return err != nil && KindOf(err) == KindEncoding }

// StatusCode maps any error to an HTTP status.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode()
	}
	return http.StatusInternalServerError
}

// Public returns the message written to callers. Foreign errors collapse to
// a generic message so raw paths and driver text never reach the wire.
func Public(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case KindToolFailure, KindInference, KindLoadFailure:
		msg := ScrubPaths(e.Msg)
		if e.Detail != "" {
			return msg + ": " + ScrubPaths(e.Detail)
		}
		return msg
	}
	return e.Msg
}

// absPath matches an absolute path token: one that starts the text or
// follows whitespace, a quote, '=', '(' or '['.
var absPath = regexp.MustCompile(`(^|[\s"'=(\[])((?:[A-Za-z]:)?[/\\][^\s"':,)\]]+)`)

// ScrubPaths replaces every absolute path in s with "<path>". Relative
// names such as "facebook/musicgen-small" are kept.
func ScrubPaths(s string) string {
	return absPath.ReplaceAllString(s, "${1}<path>")
}

// Redact returns err with every occurrence of the given path prefixes removed
// from its message and detail. Non-taxonomy errors are returned unchanged.
func Redact(err error, prefixes ...string) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	cp := *e
	cp.Msg = RedactString(cp.Msg, prefixes...)
	cp.Detail = RedactString(cp.Detail, prefixes...)
	return &cp
}

// RedactString replaces path prefixes with a placeholder.
func RedactString(s string, prefixes ...string) string {
	for _, p := range prefixes {
		p = strings.TrimRight(p, "/")
		if p == "" || p == "." {
			continue
		}
		s = strings.ReplaceAll(s, p+"/", "")
		s = strings.ReplaceAll(s, p, "<tmp>")
	}
	return s
}
