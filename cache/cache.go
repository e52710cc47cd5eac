// Package cache implements the cache-aside read path for entity snapshots.
//
// Scalar fields of an entity live in a hash under "{id}:data"; relation id
// lists live under "{id}:users" and "{id}:books" and are written and dropped
// independently. The cache is advisory: every failure is reported as a miss
// and the caller falls back to the store.
//
// "{id}:gen" holds a generation that every invalidation replaces. A reader
// takes a Token before loading from the store and hands it to Populate, which
// withdraws its write when an invalidation happened in between.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// DefaultTTL bounds staleness when an invalidation is missed.
const DefaultTTL = 5 * 24 * time.Hour

// Relation names a cached id list.
type Relation string

const (
	Users Relation = "users"
	Books Relation = "books"
)

var relations = []Relation{Users, Books}

// ErrNotScalar is returned by Flatten for nested values.
var ErrNotScalar = errors.New("snapshot field is not a scalar")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func DataKey(id string) string               { return id + ":data" }
func ListKey(id string, rel Relation) string { return id + ":" + string(rel) }
func GenKey(id string) string                { return id + ":gen" }

// Token is the generation of an id observed before a store read.
type Token struct {
	gen   string
	valid bool
}

// Cache is the cache-aside layer. It never holds locks across keys; any
// caller may overwrite any key.
type Cache struct {
	backend Backend
	logger  *zap.Logger
	timeout time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithTimeout bounds every backend call; a call that times out is a miss.
func WithTimeout(d time.Duration) Option {
	return func(c *Cache) { c.timeout = d }
}

// WithLogger sets the logger used for populate and invalidation failures.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{backend: backend, logger: zap.NewNop(), timeout: 250 * time.Millisecond}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Token reads the current generation of id. Take it before loading the
// snapshot that is later passed to Populate.
func (c *Cache) Token(ctx context.Context, id string) Token {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	gen, _, err := c.backend.Get(ctx, GenKey(id))
	if err != nil {
		c.logger.Debug("cache token: treating error as miss", zap.String("id", id), zap.Error(err))
		return Token{}
	}
	return Token{gen: gen, valid: true}
}

// Populate writes the scalar fields of snapshot under DataKey(id) and
// replaces each given relation list. It reports false when anything could not
// be written or when id was invalidated after tok was taken; in that case the
// written keys are dropped again. Failures are logged, never returned, so the
// caller's response is not held up.
func (c *Cache) Populate(ctx context.Context, id string, tok Token, snapshot any, lists map[Relation][]string) bool {
	if !tok.valid {
		return false
	}
	fields, err := Flatten(snapshot)
	if err != nil {
		c.logger.Error("cache populate: serialize snapshot", zap.String("id", id), zap.Error(err))
		return false
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	for rel, ids := range lists {
		key := ListKey(id, rel)
		if err := c.backend.Del(ctx, key); err != nil {
			c.logger.Warn("cache populate: reset list", zap.String("key", key), zap.Error(err))
			return false
		}
		if len(ids) == 0 {
			continue
		}
		if err := c.backend.RPush(ctx, key, ids...); err != nil {
			c.logger.Warn("cache populate: push list", zap.String("key", key), zap.Error(err))
			return false
		}
	}
	// Data key last: a reader that sees the hash also sees fresh lists.
	if err := c.backend.HSet(ctx, DataKey(id), fields); err != nil {
		c.logger.Warn("cache populate: write fields", zap.String("id", id), zap.Error(err))
		return false
	}

	// Invalidate replaces the generation before it deletes, so a snapshot
	// written after that delete is caught here.
	gen, _, err := c.backend.Get(ctx, GenKey(id))
	if err == nil && gen == tok.gen {
		return true
	}
	c.logger.Debug("cache populate: withdrawn after invalidation", zap.String("id", id), zap.Error(err))
	if err := c.backend.Del(context.WithoutCancel(ctx), dataKeys(id)...); err != nil {
		c.logger.Warn("cache populate: withdraw", zap.String("id", id), zap.Error(err))
	}
	return false
}

// Get decodes the cached snapshot of id into out and reports a hit.
func (c *Cache) Get(ctx context.Context, id string, out any) bool {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	fields, err := c.backend.HGetAll(ctx, DataKey(id))
	if err != nil {
		c.logger.Debug("cache get: treating error as miss", zap.String("id", id), zap.Error(err))
		return false
	}
	if len(fields) == 0 {
		return false
	}
	if err := Decode(fields, out); err != nil {
		c.logger.Warn("cache get: undecodable entry", zap.String("id", id), zap.Error(err))
		return false
	}
	return true
}

// List returns the cached relation ids of id. ok is false on error.
func (c *Cache) List(ctx context.Context, id string, rel Relation) ([]string, bool) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	ids, err := c.backend.LRange(ctx, ListKey(id, rel))
	if err != nil {
		c.logger.Debug("cache list: treating error as miss", zap.String("id", id), zap.Error(err))
		return nil, false
	}
	return ids, true
}

// Invalidate starts a new generation for each id, then drops its data key
// and every relation list.
func (c *Cache) Invalidate(ctx context.Context, ids ...string) error {
	keys := make([]string, 0, len(ids)*(1+len(relations)))
	for _, id := range ids {
		keys = append(keys, dataKeys(id)...)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var errs []error
	for _, id := range ids {
		if err := c.backend.Set(ctx, GenKey(id), uuid.NewString()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.backend.Del(ctx, keys...); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Error("cache invalidate", zap.Strings("ids", ids), zap.Error(err))
		return fmt.Errorf("invalidate %v: %w", ids, err)
	}
	return nil
}

func dataKeys(id string) []string {
	keys := []string{DataKey(id)}
	for _, rel := range relations {
		keys = append(keys, ListKey(id, rel))
	}
	return keys
}

// Flatten turns a struct snapshot into a flat string field map using its JSON
// names. Times serialize as RFC 3339 with nanoseconds; nil fields are left
// out; nested objects and arrays are rejected.
func Flatten(v any) (map[string]string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("snapshot is not an object: %w", err)
	}

	fields := make(map[string]string, len(m))
	for k, val := range m {
		switch t := val.(type) {
		case nil:
			continue
		case string:
			fields[k] = t
		case bool:
			fields[k] = strconv.FormatBool(t)
		case float64:
			fields[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case fmt.Stringer: // json.Number
			fields[k] = t.String()
		default:
			return nil, fmt.Errorf("%w: %q", ErrNotScalar, k)
		}
	}
	return fields, nil
}

// Decode fills out from a field map produced by Flatten.
func Decode(fields map[string]string, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return dec.Decode(fields)
}
