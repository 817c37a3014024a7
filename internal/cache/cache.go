// Package cache is the advisory read cache in front of the todo store.
//
// Entries are grouped in scopes. Every scope has a generation counter and
// data is stored under the generation current at read time, so invalidating
// a scope is a single INCR: readers that filled the cache concurrently wrote
// to a generation nobody reads anymore.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ListScope holds every cached page of the todo list.
const ListScope = "todos:list"

// ErrMiss is returned by Get when the key holds no value in the current generation.
var ErrMiss = errors.New("cache miss")

// Version is a scope generation. Values read at one version must be stored
// with that version.
type Version int64

// Key addresses a cache entry: Scope is the unit of invalidation, Variant
// distinguishes entries inside it.
type Key struct {
	Scope   string
	Variant string
}

// TodoKey returns the key of a single todo.
func TodoKey(id int64) Key {
	return Key{Scope: fmt.Sprintf("todo:%d", id)}
}

// ListKey returns the key of one page of the todo list.
func ListKey(limit, offset int) Key {
	return Key{Scope: ListScope, Variant: fmt.Sprintf("limit=%d:offset=%d", limit, offset)}
}

func (k Key) String() string {
	if k.Variant == "" {
		return k.Scope
	}
	return k.Scope + ":" + k.Variant
}

func (k Key) genKey() string {
	return k.Scope + ":gen"
}

func (k Key) dataKey(v Version) string {
	if k.Variant == "" {
		return fmt.Sprintf("%s:v%d", k.Scope, v)
	}
	return fmt.Sprintf("%s:v%d:%s", k.Scope, v, k.Variant)
}

// Cache is implemented by Redis and Noop.
type Cache interface {
	// Get returns the value of key and the scope version it was read at.
	// The version is valid on ErrMiss too.
	Get(ctx context.Context, key Key) ([]byte, Version, error)
	// Set stores val under key at version v.
	Set(ctx context.Context, key Key, v Version, val []byte) error
	// Invalidate retires the current generation of every scope in keys.
	Invalidate(ctx context.Context, keys ...Key) error
	Ping(ctx context.Context) error
}

// GetJSON reads key and decodes it into a T. A value that fails to decode is
// reported as ErrMiss.
func GetJSON[T any](ctx context.Context, c Cache, key Key) (T, Version, error) {
	var out T
	b, v, err := c.Get(ctx, key)
	if err != nil {
		return out, v, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, v, fmt.Errorf("%w: decoding %s: %v", ErrMiss, key.dataKey(v), err)
	}
	return out, v, nil
}

// SetJSON encodes val and stores it under key at version v.
func SetJSON(ctx context.Context, c Cache, key Key, v Version, val any) error {
	b, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encoding cache value: %w", err)
	}
	return c.Set(ctx, key, v, b)
}

// Noop is used when no Redis is configured: every read misses.
type Noop struct{}

func (Noop) Get(context.Context, Key) ([]byte, Version, error) { return nil, 0, ErrMiss }
func (Noop) Set(context.Context, Key, Version, []byte) error   { return nil }
func (Noop) Invalidate(context.Context, ...Key) error           { return nil }
func (Noop) Ping(context.Context) error                         { return nil }
