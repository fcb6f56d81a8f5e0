package transform

import (
	"context"
	"fmt"
	"sync"
)

// Registry maps kinds to their implementations. It is safe for concurrent
// use; execution units call Execute from many goroutines.
type Registry struct {
	mu    sync.RWMutex
	funcs map[Kind]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[Kind]Func)}
}

// Builtin returns a registry with every transform this module implements
// natively. Kinds such as redact, sign, ocr and convert-to-image stay
// unregistered until an external engine is plugged in via Register.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register(KindRotate, Rotate)
	r.Register(KindCompress, Compress)
	r.Register(KindMerge, Merge)
	r.Register(KindExtract, Extract)
	r.Register(KindSplit, Split)
	r.Register(KindWatermark, Watermark)
	r.Register(KindAddPageNumbers, AddPageNumbers)
	r.Register(KindAddPassword, AddPassword)
	r.Register(KindExtractText, ExtractText)
	return r
}

// Register installs fn for kind, replacing any previous implementation.
func (r *Registry) Register(kind Kind, fn Func) {
	r.mu.Lock()
	r.funcs[kind] = fn
	r.mu.Unlock()
}

// Has reports whether kind has an implementation.
func (r *Registry) Has(kind Kind) bool {
	r.mu.RLock()
	_, ok := r.funcs[kind]
	r.mu.RUnlock()
	return ok
}

// Execute runs the transform for kind. Settings, when present, must be the
// variant for kind.
func (r *Registry) Execute(ctx context.Context, kind Kind, in Input) (Output, error) {
	r.mu.RLock()
	fn, ok := r.funcs[kind]
	r.mu.RUnlock()
	if !ok {
		return Output{}, fmt.Errorf("%w: %s", ErrNoTransform, kind)
	}
	if in.Settings != nil && in.Settings.Kind() != kind {
		return Output{}, fmt.Errorf("%w: got %s for %s", ErrSettingsKind, in.Settings.Kind(), kind)
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	return fn(ctx, in)
}
