// Package redismap stores the session map in Redis, so that several routers
// can share it.
package redismap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/wanmail/selenium-grid/grid/data"
	"github.com/wanmail/selenium-grid/grid/sessionmap"
)

// Config for the Redis session map. NewFromEnv reads the SE_REDIS_*
// variables into it.
type Config struct {
	Addr      string `env:"SE_REDIS_ADDR,default=localhost:6379"`
	Password  string `env:"SE_REDIS_PASSWORD"`
	DB        int    `env:"SE_REDIS_DB,default=0"`
	KeyPrefix string `env:"SE_REDIS_KEY_PREFIX,default=selenium:session:"`
	// TTL, if positive, expires entries that were not read for that long.
	// Every Get pushes the expiry back.
	TTL time.Duration
}

// Map is a SessionMap backed by Redis. Sessions are stored as JSON values.
type Map struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

var _ sessionmap.SessionMap = (*Map)(nil)

// New connects to Redis and checks the connection.
func New(ctx context.Context, cfg Config) (*Map, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	if err := cl.Ping(ctx).Err(); err != nil {
		cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "selenium:session:"
	}
	return &Map{client: cl, keyPrefix: prefix, ttl: cfg.TTL}, nil
}

// NewFromEnv connects with the configuration found in the environment.
func NewFromEnv(ctx context.Context) (*Map, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("reading redis environment: %w", err)
	}
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (m *Map) Close() error { return m.client.Close() }

func (m *Map) key(id data.SessionID) string { return m.keyPrefix + string(id) }

func (m *Map) Add(ctx context.Context, s data.Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.client.Set(ctx, m.key(s.ID), b, m.ttl).Err()
}

func (m *Map) Get(ctx context.Context, id data.SessionID) (*data.Session, error) {
	var (
		b   []byte
		err error
	)
	if m.ttl > 0 {
		b, err = m.client.GetEx(ctx, m.key(id), m.ttl).Bytes()
	} else {
		b, err = m.client.Get(ctx, m.key(id)).Bytes()
	}
	if errors.Is(err, redis.Nil) {
		return nil, sessionmap.ErrNoSuchSession
	}
	if err != nil {
		return nil, err
	}
	var s data.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &s, nil
}

func (m *Map) Remove(ctx context.Context, id data.SessionID) error {
	return m.client.Del(ctx, m.key(id)).Err()
}
