// Package store is the thin asynchronous adapter over a Redis-compatible
// shared store. It is the only library package in this module that
// imports go-redis directly (the demo command imports it to build the
// client it passes to NewClient); semaphore and tokenbucket depend on the Store
// interface so they can be exercised against a fake in unit tests.
package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store is the shared-store surface both limiter subsystems depend on.
// Implemented by *Client; a second implementation can stand in for tests
// that don't need real Lua/BLPOP semantics.
type Store interface {
	// ExecScript evaluates the named script, falling back from EVALSHA to
	// EVAL transparently on NOSCRIPT.
	ExecScript(ctx context.Context, name string, keys []string, args ...any) (any, error)

	// BLPop blocks until one of keys has an element to pop, or timeout
	// elapses. timeout == 0 blocks indefinitely, matching Redis's BLPOP.
	// ok is false on timeout (no error — a timeout is not a protocol
	// failure by itself).
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) (value string, ok bool, err error)

	// ReleaseSlot returns one slot to listKey and refreshes the TTL on
	// both listKey and existsKey, as a single pipelined round-trip:
	// RPUSH, EXPIRE, EXPIRE.
	ReleaseSlot(ctx context.Context, listKey, existsKey, value string, ttl time.Duration) error

	// LLen reports the current length of a list key (used for Stats).
	LLen(ctx context.Context, key string) (int64, error)

	Close() error
}

// Client is the concrete Store backed by a real go-redis client.
type Client struct {
	rdb     redis.UniversalClient
	scripts map[string]*Script
	log     *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger attaches a zap logger used for script-cache events.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient pings rdb and loads all embedded scripts eagerly, returning a
// ready Client.
func NewClient(ctx context.Context, rdb redis.UniversalClient, opts ...ClientOption) (*Client, error) {
	c := &Client{
		rdb:     rdb,
		scripts: newScriptSet(),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, NewStoreError("Ping", err)
	}

	for _, s := range c.scripts {
		if err := s.load(ctx, rdb); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Client) ExecScript(ctx context.Context, name string, keys []string, args ...any) (any, error) {
	s, ok := c.scripts[name]
	if !ok {
		return nil, NewStoreError("ExecScript", errUnknownScript(name))
	}

	sha := s.cachedSHA()
	res, err := c.rdb.EvalSha(ctx, sha, keys, args...).Result()
	if err == nil {
		return res, nil
	}

	if !isNoScript(err) {
		return nil, NewStoreError("EvalSha:"+name, err)
	}

	c.log.Debug("script cache miss, reloading by body", zap.String("script", name))
	res, err = c.rdb.Eval(ctx, s.Body, keys, args...).Result()
	if err != nil {
		return nil, NewStoreError("Eval:"+name, err)
	}
	if loadErr := s.load(ctx, c.rdb); loadErr != nil {
		c.log.Debug("failed to refresh script SHA after NOSCRIPT fallback", zap.Error(loadErr))
	}
	return res, nil
}

func (c *Client) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, bool, error) {
	res, err := c.rdb.BLPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, NewStoreError("BLPop", err)
	}
	// BLPOP replies [key, value]; we only ever wait on one key.
	if len(res) < 2 {
		return "", false, NewStoreError("BLPop", errMalformedReply("BLPOP"))
	}
	return res[1], true, nil
}

func (c *Client) ReleaseSlot(ctx context.Context, listKey, existsKey, value string, ttl time.Duration) error {
	pipe := c.rdb.Pipeline()
	pipe.RPush(ctx, listKey, value)
	pipe.Expire(ctx, listKey, ttl)
	pipe.Expire(ctx, existsKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return NewStoreError("ReleaseSlot", err)
	}
	return nil
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, NewStoreError("LLen", err)
	}
	return n, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

type errString string

func (e errString) Error() string { return string(e) }

func errUnknownScript(name string) error {
	return errString("unknown script: " + name)
}

func errMalformedReply(op string) error {
	return errString("malformed reply from " + op)
}
