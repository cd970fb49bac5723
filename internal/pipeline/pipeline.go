// Package pipeline runs one request through
// Validating -> Staging -> Resolving -> Invoking -> Encoding -> Releasing,
// with Failed reachable from every stage and Releasing run on every exit.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"mediagw/internal/apierr"
	"mediagw/internal/encode"
	"mediagw/internal/modelcache"
	"mediagw/internal/scope"
	"mediagw/internal/toolexec"
)

// Stage names a pipeline state.
type Stage string

const (
	StageValidating Stage = "validating"
	StageStaging    Stage = "staging"
	StageResolving  Stage = "resolving"
	StageInvoking   Stage = "invoking"
	StageEncoding   Stage = "encoding"
	StageReleasing  Stage = "releasing"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

var (
	pipelineRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediagw",
		Name:      "pipeline_requests_total",
		Help:      "Pipeline runs by outcome",
	}, []string{"service", "op", "outcome"})
	pipelineFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediagw",
		Name:      "pipeline_failures_total",
		Help:      "Pipeline failures by the stage that failed",
	}, []string{"service", "op", "stage"})
)

func init() {
	prometheus.MustRegister(pipelineRequests, pipelineFailures)
}

// Call is what an operation's Invoke receives.
type Call[T any] struct {
	Input T
	Scope *scope.Scope
	// Model is nil when the operation resolved no cache key.
	Model *modelcache.Lease
	// Command is set when the operation built a tool command.
	Command toolexec.Command
	Tools   toolexec.Runner
}

// Operation declares one POST operation. Validate and Invoke are required.
type Operation[T any] struct {
	Name     string
	Validate func(r *http.Request) (T, error)
	Stage    func(in *T, sc *scope.Scope) error
	// Key returns the model configuration key, or "" for no model.
	Key     func(in T) string
	Command func(in T, sc *scope.Scope) (toolexec.Command, error)
	Invoke  func(ctx context.Context, c Call[T]) (encode.Result, error)
	// Fingerprint identifies the request for result caching; "" disables it.
	Fingerprint func(in T) string
}

// ResultCache stores structured results keyed by request fingerprint.
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte) error
}

// Observer is told about every stage transition. err is non-nil only with
// StageFailed.
type Observer func(op string, stage Stage, err error)

// Pipeline holds the collaborators shared by every operation of a service.
type Pipeline struct {
	Service  string
	Scopes   *scope.Manager
	Cache    *modelcache.Cache
	Tools    toolexec.Runner
	Encoder  *encode.Encoder
	Results  ResultCache
	Observer Observer
	Logger   zerolog.Logger
}

type run struct {
	p     *Pipeline
	op    string
	r     *http.Request
	stage Stage
	start time.Time
	// release frees the request scope; nil before Staging.
	release func()
}

func (x *run) enter(s Stage) {
	x.stage = s
	if x.p.Observer != nil {
		x.p.Observer(x.op, s, nil)
	}
}

func (x *run) fail(w http.ResponseWriter, err error, sc *scope.Scope) {
	failed := x.stage
	if sc != nil {
		err = apierr.Redact(err, sc.Dir(), x.p.Scopes.Root())
	}
	pipelineFailures.WithLabelValues(x.p.Service, x.op, string(failed)).Inc()
	pipelineRequests.WithLabelValues(x.p.Service, x.op, "error").Inc()
	if x.p.Observer != nil {
		x.p.Observer(x.op, StageFailed, err)
	}
	status := apierr.StatusCode(err)
	ev := x.p.Logger.Warn()
	if status < http.StatusInternalServerError || IsCanceled(err) {
		ev = x.p.Logger.Debug()
	}
	ev.Str("op", x.op).Str("stage", string(failed)).Int("status", status).
		Str("request_id", middleware.GetReqID(x.r.Context())).
		Dur("dur", time.Since(x.start)).Err(err).Msg("pipeline failed")
	// the scope is gone before the client sees the error
	if x.release != nil {
		x.release()
	}
	encode.WriteError(w, err)
}

// Handle turns op into a handler bound to p.
func Handle[T any](p *Pipeline, op Operation[T]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		x := &run{p: p, op: op.Name, r: r, start: time.Now()}
		ctx := r.Context()
		enc := p.Encoder
		if enc == nil {
			enc = &encode.Encoder{Service: p.Service, Logger: p.Logger}
		}

		x.enter(StageValidating)
		in, err := op.Validate(r)
		if err != nil {
			x.fail(w, err, nil)
			return
		}

		x.enter(StageStaging)
		sc, err := p.Scopes.Acquire()
		if err != nil {
			x.fail(w, err, nil)
			return
		}
		released := false
		release := func() {
			if released {
				return
			}
			released = true
			if err := sc.Release(); err != nil {
				p.Logger.Warn().Err(err).Str("op", op.Name).Msg("scope release failed")
			}
		}
		x.release = release
		// runs on panics too
		defer release()

		if op.Stage != nil {
			if err := op.Stage(&in, sc); err != nil {
				x.fail(w, err, sc)
				return
			}
		}

		cacheKey := ""
		if p.Results != nil && op.Fingerprint != nil {
			if fp := op.Fingerprint(in); fp != "" {
				cacheKey = p.Service + ":" + op.Name + ":" + fp
				if b, ok, err := p.Results.Get(ctx, cacheKey); err != nil {
					p.Logger.Warn().Err(err).Str("op", op.Name).Msg("result cache get failed")
				} else if ok {
					x.enter(StageEncoding)
					if err := enc.Encode(w, r, encode.Structured(json.RawMessage(b)), sc); err != nil {
						x.fail(w, err, sc)
						return
					}
					x.finish(release, "cache_hit")
					return
				}
			}
		}

		x.enter(StageResolving)
		call := Call[T]{Input: in, Scope: sc, Tools: p.Tools}
		if op.Key != nil && p.Cache != nil {
			if key := op.Key(in); key != "" {
				lease, err := p.Cache.Acquire(ctx, key)
				if err != nil {
					x.fail(w, err, sc)
					return
				}
				defer lease.Release()
				call.Model = lease
			}
		}
		if op.Command != nil {
			cmd, err := op.Command(in, sc)
			if err != nil {
				x.fail(w, err, sc)
				return
			}
			cmd.Redact = append(cmd.Redact, sc.Dir(), p.Scopes.Root())
			call.Command = cmd
		}

		x.enter(StageInvoking)
		res, err := op.Invoke(ctx, call)
		if call.Model != nil {
			// the handle is not retained past the call
			call.Model.Release()
		}
		if err != nil {
			x.fail(w, err, sc)
			return
		}

		if cacheKey != "" && res.Kind == encode.KindStructured {
			if b, err := json.Marshal(res.Data); err == nil {
				if err := p.Results.Set(ctx, cacheKey, b); err != nil {
					p.Logger.Warn().Err(err).Str("op", op.Name).Msg("result cache set failed")
				}
			}
		}

		x.enter(StageEncoding)
		if err := enc.Encode(w, r, res, sc); err != nil {
			x.fail(w, err, sc)
			return
		}
		x.finish(release, "ok")
	}
}

func (x *run) finish(release func(), outcome string) {
	x.enter(StageReleasing)
	release()
	x.enter(StageDone)
	pipelineRequests.WithLabelValues(x.p.Service, x.op, outcome).Inc()
	x.p.Logger.Debug().Str("op", x.op).Str("outcome", outcome).Dur("dur", time.Since(x.start)).Msg("pipeline done")
}

// IsCanceled reports whether err stems from the caller going away.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
