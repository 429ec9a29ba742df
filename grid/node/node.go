// Package node runs browser sessions for the grid. A LocalNode owns slots
// backed by session factories and serves the node HTTP API; a RemoteNode is
// the distributor's client of that API.
package node

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/wanmail/selenium-grid"
	"github.com/wanmail/selenium-grid/grid/data"
)

// ErrNoSuchSession is returned for sessions the node does not own.
var ErrNoSuchSession = errors.New("no such session on this node")

// Node hosts browser sessions.
type Node interface {
	ID() data.NodeID
	// URI is the address clients of the node API use.
	URI() string
	NewSession(ctx context.Context, req *data.CreateSessionRequest) (*data.CreateSessionResponse, error)
	Stop(ctx context.Context, id data.SessionID) error
	IsSessionOwner(ctx context.Context, id data.SessionID) (bool, error)
	Status(ctx context.Context) (*data.NodeStatus, error)
	HealthCheck(ctx context.Context) error
	// Drain makes the node refuse new sessions and shut down once its running
	// sessions have ended.
	Drain(ctx context.Context) error
	IsDraining() bool
}

// ActiveSession is a session started by a SessionFactory.
type ActiveSession struct {
	ID           data.SessionID
	Capabilities selenium.Capabilities
	// URI is the URL prefix of the WebDriver endpoint serving the session.
	URI       string
	StartTime time.Time

	stopOnce sync.Once
	stopErr  error
	stop     func(ctx context.Context) error
}

// NewActiveSession returns a session that calls stop when stopped.
func NewActiveSession(id data.SessionID, caps selenium.Capabilities, uri string, start time.Time, stop func(ctx context.Context) error) *ActiveSession {
	return &ActiveSession{ID: id, Capabilities: caps, URI: uri, StartTime: start, stop: stop}
}

// Stop ends the session. Only the first call has an effect.
func (s *ActiveSession) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stopErr = s.stop(ctx)
		}
	})
	return s.stopErr
}

// SessionFactory creates sessions for a slot.
type SessionFactory interface {
	// Test reports whether the factory can serve caps.
	Test(caps selenium.Capabilities) bool
	// Apply starts a session. Transient failures are returned as
	// *data.RetrySessionRequestError.
	Apply(ctx context.Context, req *data.CreateSessionRequest) (*ActiveSession, error)
}

// withoutGridKeys drops the "se:" capabilities that only mean something to
// the grid.
func withoutGridKeys(caps selenium.Capabilities) selenium.Capabilities {
	out := make(selenium.Capabilities, len(caps))
	for k, v := range caps {
		if !strings.HasPrefix(k, "se:") {
			out[k] = v
		}
	}
	return out
}
