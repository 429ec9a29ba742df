package node

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wanmail/selenium-grid"
	"github.com/wanmail/selenium-grid/grid/data"
	"github.com/wanmail/selenium-grid/grid/events"
)

// SlotConfig describes one slot of a LocalNode.
type SlotConfig struct {
	Stereotype selenium.Capabilities
	Factory    SessionFactory
}

// Options configures a LocalNode.
type Options struct {
	ID data.NodeID
	// URI is the external address of the node API.
	URI   string
	Slots []SlotConfig
	// MaxSessions caps the concurrent sessions. Zero means one per slot.
	MaxSessions int
	// SessionTimeout is how long a session may stay idle before the node
	// stops it.
	SessionTimeout time.Duration
	// SessionTimeoutCheck is the period of the idle session check.
	SessionTimeoutCheck time.Duration
	HeartbeatPeriod     time.Duration
	Version             string
	Bus                 events.Bus
	Logger              *zap.Logger
	Now                 func() time.Time
}

type slot struct {
	id          string
	stereotype  selenium.Capabilities
	factory     SessionFactory
	reserved    bool
	session     *ActiveSession
	lastStarted time.Time
	lastUsed    time.Time
}

// LocalNode runs sessions through the factories of its slots.
type LocalNode struct {
	opts Options

	mu       sync.Mutex
	slots    []*slot
	sessions map[data.SessionID]*slot
	draining bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewLocalNode returns a node and starts its idle session check.
func NewLocalNode(opts Options) *LocalNode {
	if opts.ID == "" {
		opts.ID = data.NewNodeID()
	}
	if opts.MaxSessions <= 0 || opts.MaxSessions > len(opts.Slots) {
		opts.MaxSessions = len(opts.Slots)
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 300 * time.Second
	}
	if opts.SessionTimeoutCheck <= 0 {
		opts.SessionTimeoutCheck = 10 * time.Second
	}
	if opts.HeartbeatPeriod <= 0 {
		opts.HeartbeatPeriod = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	n := &LocalNode{
		opts:     opts,
		sessions: make(map[data.SessionID]*slot),
		stop:     make(chan struct{}),
	}
	for i, sc := range opts.Slots {
		n.slots = append(n.slots, &slot{
			id:         strconv.Itoa(i),
			stereotype: sc.Stereotype,
			factory:    sc.Factory,
		})
	}
	n.wg.Add(1)
	go n.timeoutLoop()
	return n
}

// ID implements Node.
func (n *LocalNode) ID() data.NodeID { return n.opts.ID }

// URI implements Node.
func (n *LocalNode) URI() string { return n.opts.URI }

func (n *LocalNode) activeCountLocked() int {
	c := 0
	for _, s := range n.slots {
		if s.reserved || s.session != nil {
			c++
		}
	}
	return c
}

// NewSession reserves a free slot matching the capabilities and starts the
// session with its factory. A full or draining node answers with a
// retryable error.
func (n *LocalNode) NewSession(ctx context.Context, req *data.CreateSessionRequest) (*data.CreateSessionResponse, error) {
	n.mu.Lock()
	if n.draining {
		n.mu.Unlock()
		return nil, &data.RetrySessionRequestError{Message: "the node is draining, cannot accept new sessions"}
	}
	if n.activeCountLocked() >= n.opts.MaxSessions {
		n.mu.Unlock()
		return nil, &data.RetrySessionRequestError{Message: "max session count reached"}
	}
	var chosen *slot
	for _, s := range n.slots {
		if !s.reserved && s.session == nil && data.Matches(s.stereotype, req.DesiredCapabilities) && s.factory.Test(req.DesiredCapabilities) {
			chosen = s
			break
		}
	}
	if chosen == nil {
		n.mu.Unlock()
		return nil, &data.RetrySessionRequestError{Message: "no free slot matched the requested capabilities"}
	}
	chosen.reserved = true
	n.mu.Unlock()

	active, err := chosen.factory.Apply(ctx, req)

	n.mu.Lock()
	chosen.reserved = false
	if err != nil {
		n.mu.Unlock()
		n.opts.Logger.Warn("session creation failed", zap.String("slot", chosen.id), zap.Error(err))
		return nil, err
	}
	now := n.opts.Now()
	chosen.session = active
	chosen.lastStarted = now
	chosen.lastUsed = now
	n.sessions[active.ID] = chosen
	n.mu.Unlock()

	n.opts.Logger.Info("session created", zap.String("session", string(active.ID)), zap.String("slot", chosen.id))
	return data.NewCreateSessionResponse(data.Session{
		ID:           active.ID,
		NodeID:       n.opts.ID,
		URI:          n.opts.URI,
		Stereotype:   chosen.stereotype,
		Capabilities: active.Capabilities,
		StartTime:    active.StartTime,
	})
}

// Session returns the running session id.
func (n *LocalNode) Session(id data.SessionID) (*ActiveSession, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[id]
	if !ok {
		return nil, false
	}
	return s.session, true
}

// Touch records activity on session id.
func (n *LocalNode) Touch(id data.SessionID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.sessions[id]; ok {
		s.lastUsed = n.opts.Now()
	}
}

// Stop ends session id and frees its slot.
func (n *LocalNode) Stop(ctx context.Context, id data.SessionID) error {
	n.mu.Lock()
	s, ok := n.sessions[id]
	if !ok {
		n.mu.Unlock()
		return ErrNoSuchSession
	}
	active := s.session
	s.session = nil
	delete(n.sessions, id)
	drained := n.draining && n.activeCountLocked() == 0
	n.mu.Unlock()

	err := active.Stop(ctx)
	if err != nil {
		n.opts.Logger.Warn("stopping session", zap.String("session", string(id)), zap.Error(err))
	}
	n.publish(events.SessionClosedEvent{SessionID: id})
	if drained {
		n.opts.Logger.Info("node drained")
		n.publish(events.NodeDrainCompleteEvent{NodeID: n.opts.ID})
	}
	return err
}

// IsSessionOwner implements Node.
func (n *LocalNode) IsSessionOwner(_ context.Context, id data.SessionID) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.sessions[id]
	return ok, nil
}

// Status implements Node.
func (n *LocalNode) Status(context.Context) (*data.NodeStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	availability := data.Up
	if n.draining {
		availability = data.Draining
	}
	status := &data.NodeStatus{
		NodeID:          n.opts.ID,
		ExternalURI:     n.opts.URI,
		MaxSessions:     n.opts.MaxSessions,
		Availability:    availability,
		HeartbeatPeriod: n.opts.HeartbeatPeriod,
		SessionTimeout:  n.opts.SessionTimeout,
		Version:         n.opts.Version,
	}
	for _, s := range n.slots {
		ds := data.Slot{
			ID:          data.SlotID{NodeID: n.opts.ID, ID: s.id},
			Stereotype:  s.stereotype,
			LastStarted: s.lastStarted,
		}
		if s.session != nil {
			ds.Session = &data.Session{
				ID:           s.session.ID,
				NodeID:       n.opts.ID,
				URI:          n.opts.URI,
				Stereotype:   s.stereotype,
				Capabilities: s.session.Capabilities,
				StartTime:    s.session.StartTime,
			}
		}
		status.Slots = append(status.Slots, ds)
	}
	return status, nil
}

type statusChecker interface {
	Status(ctx context.Context) (*selenium.Status, error)
}

// HealthCheck asks every relayed endpoint whether it is ready.
func (n *LocalNode) HealthCheck(ctx context.Context) error {
	for _, s := range n.slots {
		c, ok := s.factory.(statusChecker)
		if !ok {
			continue
		}
		status, err := c.Status(ctx)
		if err != nil {
			return fmt.Errorf("slot %s: %w", s.id, err)
		}
		if !status.Ready {
			return fmt.Errorf("slot %s: endpoint is not ready: %s", s.id, status.Message)
		}
	}
	return nil
}

// Drain implements Node.
func (n *LocalNode) Drain(context.Context) error {
	n.mu.Lock()
	n.draining = true
	drained := n.activeCountLocked() == 0
	n.mu.Unlock()
	n.opts.Logger.Info("node draining")
	if drained {
		n.publish(events.NodeDrainCompleteEvent{NodeID: n.opts.ID})
	}
	return nil
}

// IsDraining implements Node.
func (n *LocalNode) IsDraining() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.draining
}

func (n *LocalNode) publish(e events.Event) {
	if n.opts.Bus != nil {
		n.opts.Bus.Publish(e)
	}
}

func (n *LocalNode) timeoutLoop() {
	defer n.wg.Done()
	t := time.NewTicker(n.opts.SessionTimeoutCheck)
	defer t.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-t.C:
			n.stopIdleSessions()
		}
	}
}

func (n *LocalNode) stopIdleSessions() {
	now := n.opts.Now()
	var idle []data.SessionID
	n.mu.Lock()
	for id, s := range n.sessions {
		if now.Sub(s.lastUsed) > n.opts.SessionTimeout {
			idle = append(idle, id)
		}
	}
	n.mu.Unlock()
	for _, id := range idle {
		n.opts.Logger.Info("stopping idle session", zap.String("session", string(id)))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n.Stop(ctx, id)
		cancel()
	}
}

// Close stops the idle session check and every running session.
func (n *LocalNode) Close() {
	close(n.stop)
	n.wg.Wait()

	n.mu.Lock()
	var ids []data.SessionID
	for id := range n.sessions {
		ids = append(ids, id)
	}
	n.mu.Unlock()
	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n.Stop(ctx, id)
		cancel()
	}
}
