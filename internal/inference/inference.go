// Package inference defines the opaque model capability consumed by the
// gateway. Model weights and forward passes live outside this process; the
// gateway only loads, invokes and closes them through these interfaces.
package inference

import (
	"context"
	"encoding/json"
)

// Model is a loaded, ready-to-use model instance (a ModelHandle).
type Model interface {
	// Invoke performs exactly one forward pass. Implementations must return
	// when ctx is canceled.
	Invoke(ctx context.Context, call Call) (json.RawMessage, error)
	// Close releases the model and any process or device memory behind it.
	Close() error
}

// Loader materializes a Model for a configuration key. Loading may block for
// seconds to minutes.
type Loader interface {
	Load(ctx context.Context, key string) (Model, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, key string) (Model, error)

func (f LoaderFunc) Load(ctx context.Context, key string) (Model, error) { return f(ctx, key) }

// Call names one forward pass. Input and Output are filesystem paths owned by
// the caller's request scope; either may be empty.
type Call struct {
	Op     string         `json:"op"`
	Params map[string]any `json:"params,omitempty"`
	Input  string         `json:"input,omitempty"`
	Output string         `json:"output,omitempty"`
}
