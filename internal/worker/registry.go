package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Handler runs one command. It must honour ctx, which expires with the package.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Registry maps command names to handlers. Packages carry only the name and
// its arguments; code never crosses the socket.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under name, replacing any previous handler.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Commands returns the registered names, sorted.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry returns a registry with the built-in commands.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("ping", func(context.Context, map[string]any) (any, error) {
		return "pong", nil
	})
	r.Register("echo", func(_ context.Context, args map[string]any) (any, error) {
		return args, nil
	})
	r.Register("sleep", sleepHandler)
	return r
}

// sleepHandler waits args["ms"] milliseconds.
func sleepHandler(ctx context.Context, args map[string]any) (any, error) {
	ms, err := intArg(args, "ms")
	if err != nil {
		return nil, err
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return ms, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// intArg reads a numeric argument. JSON decodes numbers as float64 and
// msgpack as sized integers, so both are accepted.
func intArg(args map[string]any, key string) (int64, error) {
	switch v := args[key].(type) {
	case float64:
		return int64(v), nil
	case float32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case nil:
		return 0, fmt.Errorf("missing argument %q", key)
	default:
		return 0, fmt.Errorf("argument %q must be a number, got %T", key, v)
	}
}
