// Package sessionmap records which node runs each session, so that the router
// can forward session commands.
package sessionmap

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/wanmail/selenium-grid/grid/data"
	"github.com/wanmail/selenium-grid/grid/events"
)

// ErrNoSuchSession is returned for sessions the map does not know.
var ErrNoSuchSession = errors.New("no such session")

// SessionMap maps session ids to sessions.
type SessionMap interface {
	Add(ctx context.Context, s data.Session) error
	// Get returns ErrNoSuchSession if id is unknown.
	Get(ctx context.Context, id data.SessionID) (*data.Session, error)
	// Remove is a no-op if id is unknown.
	Remove(ctx context.Context, id data.SessionID) error
}

// Listen keeps m in sync with the bus: sessions are removed when they close
// and when their node leaves the grid. It returns the subscription ids.
func Listen(bus events.Bus, m SessionMap, logger *zap.Logger) []uint64 {
	if logger == nil {
		logger = zap.NewNop()
	}
	remove := func(id data.SessionID) {
		if err := m.Remove(context.Background(), id); err != nil {
			logger.Warn("unable to remove session", zap.String("session", string(id)), zap.Error(err))
		}
	}
	closed := bus.Subscribe(events.TypeSessionClosed, func(e events.Event) {
		remove(e.(events.SessionClosedEvent).SessionID)
	})
	nodeRemoved := bus.Subscribe(events.TypeNodeRemoved, func(e events.Event) {
		for _, slot := range e.(events.NodeRemovedEvent).Status.Slots {
			if slot.Session != nil {
				remove(slot.Session.ID)
			}
		}
	})
	return []uint64{closed, nodeRemoved}
}

// Local is an in-memory SessionMap.
type Local struct {
	mu       sync.RWMutex
	sessions map[data.SessionID]data.Session
}

// NewLocal returns an empty in-memory map.
func NewLocal() *Local {
	return &Local{sessions: make(map[data.SessionID]data.Session)}
}

func (l *Local) Add(_ context.Context, s data.Session) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[s.ID] = s
	return nil
}

func (l *Local) Get(_ context.Context, id data.SessionID) (*data.Session, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.sessions[id]
	if !ok {
		return nil, ErrNoSuchSession
	}
	return &s, nil
}

func (l *Local) Remove(_ context.Context, id data.SessionID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, id)
	return nil
}
