// Package param implements the parameter registry shared by the detector worker,
// the command dispatcher and external clients.
//
// A Registry stores named int, float64 and string values. Every change is
// broadcast to the registered ChangeHandler functions and wakes WaitFor callers.
package param

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrUnsupportedType is returned by Set for values that are not int, float64 or string.
var ErrUnsupportedType = errors.New("param: unsupported value type")

// ChangeHandler is invoked after a parameter value changed.
//
// Note: handlers are invoked synchronously on the goroutine that performed the Set.
// Take care with long-running implementations.
type ChangeHandler func(name string, prev any, cur any)

// Registry is a concurrency-safe set of named parameter values.
type Registry struct {
	values *xsync.MapOf[string, any]

	mu       sync.Mutex
	cond     *sync.Cond
	handlers []ChangeHandler
}

// NewRegistry creates an empty registry with optional change handlers.
func NewRegistry(handlers ...ChangeHandler) *Registry {
	r := &Registry{
		values:   xsync.NewMapOf[string, any](),
		handlers: slices.Clone(handlers),
	}
	r.cond = sync.NewCond(&r.mu)

	return r
}

// AddHandler adds one or more ChangeHandler functions to be invoked on changes.
func (r *Registry) AddHandler(handlers ...ChangeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handlers...)
}

// Set stores value under name. Only int, float64 and string values are accepted.
func (r *Registry) Set(name string, value any) error {
	switch v := value.(type) {
	case int:
		r.store(name, v)
	case int32:
		r.store(name, int(v))
	case int64:
		r.store(name, int(v))
	case bool:
		r.store(name, boolToInt(v))
	case float64:
		r.store(name, v)
	case float32:
		r.store(name, float64(v))
	case string:
		r.store(name, v)
	default:
		return ErrUnsupportedType
	}

	return nil
}

func (r *Registry) SetInt(name string, value int) { r.store(name, value) }

func (r *Registry) SetFloat(name string, value float64) { r.store(name, value) }

func (r *Registry) SetString(name string, value string) { r.store(name, value) }

// SetDefault stores value only when name has no value yet.
func (r *Registry) SetDefault(name string, value any) {
	if _, ok := r.values.Load(name); ok {
		return
	}
	_ = r.Set(name, value)
}

// Lookup returns the raw value stored under name.
func (r *Registry) Lookup(name string) (any, bool) {
	return r.values.Load(name)
}

// Int returns the integer value of name. Float values are truncated, missing
// or string values yield 0.
func (r *Registry) Int(name string) int {
	v, _ := r.values.Load(name)
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Float returns the float value of name. Integer values are converted, missing
// or string values yield 0.
func (r *Registry) Float(name string) float64 {
	v, _ := r.values.Load(name)
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

// Bool reports whether the integer value of name is non-zero.
func (r *Registry) Bool(name string) bool {
	return r.Int(name) != 0
}

// String returns the string value of name, or "" if it is missing or not a string.
func (r *Registry) String(name string) string {
	v, _ := r.values.Load(name)
	s, _ := v.(string)

	return s
}

// Names returns the sorted names of all stored parameters.
func (r *Registry) Names() []string {
	names := make([]string, 0, r.values.Size())
	r.values.Range(func(name string, _ any) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)

	return names
}

// WaitFor blocks until the value of name satisfies cond or ctx is done.
func (r *Registry) WaitFor(ctx context.Context, name string, cond func(v any) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.cond.Broadcast()
	})
	defer stop()

	for {
		v, _ := r.values.Load(name)
		if cond(v) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r.cond.Wait()
	}
}

func (r *Registry) store(name string, value any) {
	prev, loaded := r.values.LoadAndStore(name, value)
	if !loaded {
		prev = nil
	} else if prev == value {
		return
	}

	r.mu.Lock()
	r.cond.Broadcast()
	handlers := slices.Clone(r.handlers)
	r.mu.Unlock()

	for _, h := range handlers {
		h(name, prev, value)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
