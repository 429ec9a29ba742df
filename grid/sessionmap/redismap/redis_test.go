package redismap

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/wanmail/selenium-grid/grid/data"

	"github.com/wanmail/selenium-grid/grid/sessionmap"
	"github.com/wanmail/selenium-grid/grid/sessionmap/sessionmaptest"
)

func TestRedisSessionMap(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis
	m, err := NewFromEnv(context.Background())
	if err != nil {
		t.Skipf("skipping redis session map tests: %v", err)
		return
	}
	_ = m.Close()

	sessionmaptest.RunSessionMapTests(t, func(t *testing.T) sessionmap.SessionMap {
		mm, err := NewFromEnv(context.Background())
		if err != nil {
			t.Fatalf("NewFromEnv: %v", err)
		}
		t.Cleanup(func() { mm.Close() })
		return mm
	})
}

func TestNewFromEnvMalformed(t *testing.T) {
	t.Setenv("SE_REDIS_DB", "first")
	_, err := NewFromEnv(context.Background())
	if err == nil || !strings.Contains(err.Error(), "reading redis environment") {
		t.Fatalf("NewFromEnv() returned error %v, want an environment error", err)
	}
}

func TestRedisSessionMapTTL(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, Config{KeyPrefix: "selenium:ttl-test:", TTL: time.Minute})
	if err != nil {
		t.Skipf("skipping redis session map tests: %v", err)
	}
	defer m.Close()

	s := data.Session{ID: "ttl", NodeID: "n", URI: "http://n"}
	if err := m.Add(ctx, s); err != nil {
		t.Fatalf("Add() returned error: %v", err)
	}
	defer m.Remove(ctx, s.ID)
	if _, err := m.Get(ctx, s.ID); err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	ttl, err := m.client.TTL(ctx, m.key(s.ID)).Result()
	if err != nil {
		t.Fatalf("TTL() returned error: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want within (0, 1m]", ttl)
	}
}
