// Package sessionmaptest provides a conformance suite for SessionMap
// implementations.
package sessionmaptest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wanmail/selenium-grid"
	"github.com/wanmail/selenium-grid/grid/data"
	"github.com/wanmail/selenium-grid/grid/sessionmap"
)

// RunSessionMapTests runs the suite against maps built by newMap. Each subtest
// gets its own map.
func RunSessionMapTests(t *testing.T, newMap func(t *testing.T) sessionmap.SessionMap) {
	ctx := context.Background()
	session := data.Session{
		ID:           data.SessionID("session-" + time.Now().Format("150405.000000000")),
		NodeID:       "node-1",
		URI:          "http://10.0.0.2:5555",
		Capabilities: selenium.Capabilities{"browserName": "chrome"},
		StartTime:    time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	t.Run("AddGet", func(t *testing.T) {
		m := newMap(t)
		if err := m.Add(ctx, session); err != nil {
			t.Fatalf("Add() returned error: %v", err)
		}
		got, err := m.Get(ctx, session.ID)
		if err != nil {
			t.Fatalf("Get(%q) returned error: %v", session.ID, err)
		}
		if diff := cmp.Diff(session, *got); diff != "" {
			t.Errorf("Get(%q) returned diff (-want/+got):\n%s", session.ID, diff)
		}
		_ = m.Remove(ctx, session.ID)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		m := newMap(t)
		if _, err := m.Get(ctx, "does-not-exist"); !errors.Is(err, sessionmap.ErrNoSuchSession) {
			t.Errorf("Get(unknown) error = %v, want %v", err, sessionmap.ErrNoSuchSession)
		}
	})

	t.Run("Remove", func(t *testing.T) {
		m := newMap(t)
		if err := m.Add(ctx, session); err != nil {
			t.Fatalf("Add() returned error: %v", err)
		}
		if err := m.Remove(ctx, session.ID); err != nil {
			t.Fatalf("Remove() returned error: %v", err)
		}
		if _, err := m.Get(ctx, session.ID); !errors.Is(err, sessionmap.ErrNoSuchSession) {
			t.Errorf("Get() after Remove() error = %v, want %v", err, sessionmap.ErrNoSuchSession)
		}
		if err := m.Remove(ctx, session.ID); err != nil {
			t.Errorf("second Remove() returned error: %v", err)
		}
	})

	t.Run("AddReplaces", func(t *testing.T) {
		m := newMap(t)
		moved := session
		moved.URI = "http://10.0.0.3:5555"
		if err := m.Add(ctx, session); err != nil {
			t.Fatalf("Add() returned error: %v", err)
		}
		if err := m.Add(ctx, moved); err != nil {
			t.Fatalf("Add() returned error: %v", err)
		}
		got, err := m.Get(ctx, session.ID)
		if err != nil {
			t.Fatalf("Get() returned error: %v", err)
		}
		if got.URI != moved.URI {
			t.Errorf("Get().URI = %q, want %q", got.URI, moved.URI)
		}
		_ = m.Remove(ctx, session.ID)
	})
}
