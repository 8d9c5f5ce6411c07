// Package store holds the key/value side channels a client session keeps
// next to its identity: durable "local" storage and per-process "session"
// storage. Identity provider adapters persist their tokens here; logout
// clears both.
package store

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// KV is a string key/value store.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Clear removes every key visible through this store.
	Clear(ctx context.Context) error
}

// Namespace returns a view of kv whose keys are prefixed with prefix.
// Clear on the view only removes the view's own keys.
func Namespace(kv KV, prefix string) KV {
	if prefix == "" {
		return kv
	}
	if ns, ok := kv.(namespaced); ok {
		return ns.namespace(prefix)
	}
	return &prefixed{kv: kv, prefix: prefix}
}

// namespaced is implemented by backends that can scope Clear to a prefix
// natively.
type namespaced interface {
	namespace(prefix string) KV
}

// prefixed is the fallback for KV implementations outside this package.
// Clear is not supported because the backend cannot enumerate keys.
type prefixed struct {
	kv     KV
	prefix string
}

func (p *prefixed) Get(ctx context.Context, key string) (string, error) {
	return p.kv.Get(ctx, p.prefix+key)
}

func (p *prefixed) Set(ctx context.Context, key, value string) error {
	return p.kv.Set(ctx, p.prefix+key, value)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.kv.Delete(ctx, p.prefix+key)
}

func (p *prefixed) Clear(context.Context) error {
	return errors.New("store: clear not supported on prefixed view of " + strings.TrimSuffix(p.prefix, ":"))
}
