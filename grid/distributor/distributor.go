// Package distributor matches new session requests to nodes and keeps track
// of the nodes of the grid.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wanmail/selenium-grid"
	"github.com/wanmail/selenium-grid/grid/data"
	"github.com/wanmail/selenium-grid/grid/events"
	"github.com/wanmail/selenium-grid/grid/node"
	"github.com/wanmail/selenium-grid/grid/sessionmap"
)

var (
	// ErrNoCapacity means no host has a free slot for the request right now.
	ErrNoCapacity = errors.New("no host has a free slot for the requested capabilities")
	// ErrNoSuchNode is returned for nodes that are not registered.
	ErrNoSuchNode = errors.New("no such node")
)

// Options configures a Distributor.
type Options struct {
	Bus        events.Bus
	SessionMap sessionmap.SessionMap
	Selector   SlotSelector
	// HealthCheckInterval is the period of the node health checks.
	HealthCheckInterval time.Duration
	// PurgeNodesInterval is how long a node may stay DOWN before it is
	// removed.
	PurgeNodesInterval time.Duration
	// UnhealthyThreshold is the number of failed health checks in a row that
	// mark a node DOWN.
	UnhealthyThreshold int
	// NodeFactory returns the node for a status posted by an unknown node.
	// It defaults to a RemoteNode at the status URI.
	NodeFactory func(status data.NodeStatus) node.Node
	Logger      *zap.Logger
	Now         func() time.Time
}

// Distributor holds the registered hosts and starts sessions on them.
type Distributor struct {
	opts Options

	mu    sync.RWMutex
	hosts map[data.NodeID]*Host

	subs   []uint64
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a distributor and starts its health check loop.
func New(opts Options) *Distributor {
	if opts.SessionMap == nil {
		opts.SessionMap = sessionmap.NewLocal()
	}
	if opts.Selector == nil {
		opts.Selector = DefaultSlotSelector
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 120 * time.Second
	}
	if opts.PurgeNodesInterval <= 0 {
		opts.PurgeNodesInterval = 30 * time.Second
	}
	if opts.UnhealthyThreshold <= 0 {
		opts.UnhealthyThreshold = 2
	}
	if opts.NodeFactory == nil {
		opts.NodeFactory = func(status data.NodeStatus) node.Node {
			return node.NewRemoteNode(status.NodeID, status.ExternalURI)
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	d := &Distributor{
		opts:  opts,
		hosts: make(map[data.NodeID]*Host),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	if opts.Bus != nil {
		d.subs = append(d.subs,
			opts.Bus.Subscribe(events.TypeSessionClosed, func(e events.Event) {
				d.freeSlot(e.(events.SessionClosedEvent).SessionID)
			}),
			opts.Bus.Subscribe(events.TypeNodeDrainComplete, func(e events.Event) {
				d.Remove(e.(events.NodeDrainCompleteEvent).NodeID)
			}),
		)
	}
	d.wg.Add(1)
	go d.maintenanceLoop()
	return d
}

// Add registers n.
func (d *Distributor) Add(ctx context.Context, n node.Node) error {
	status, err := n.Status(ctx)
	if err != nil {
		return fmt.Errorf("reading status of node %s: %w", n.ID(), err)
	}
	d.add(n, *status)
	return nil
}

func (d *Distributor) add(n node.Node, status data.NodeStatus) {
	h := newHost(n, status, d.opts.UnhealthyThreshold, d.opts.Now, d.opts.Logger)
	d.mu.Lock()
	d.hosts[n.ID()] = h
	d.mu.Unlock()
	d.opts.Logger.Info("node added",
		zap.String("node", string(n.ID())),
		zap.String("uri", n.URI()),
		zap.Int("slots", len(status.Slots)))
	d.publish(events.NodeAddedEvent{NodeID: n.ID()})
}

// Register records a status posted by a node: unknown nodes are added, known
// ones refreshed.
func (d *Distributor) Register(_ context.Context, status data.NodeStatus) error {
	if status.NodeID == "" || status.ExternalURI == "" {
		return selenium.NewError(selenium.ErrInvalidArgument, "node status needs an id and a uri")
	}
	d.mu.RLock()
	h, ok := d.hosts[status.NodeID]
	d.mu.RUnlock()
	if !ok {
		d.add(d.opts.NodeFactory(status), status)
		return nil
	}
	d.sessionsEnded(h, h.Refresh(status))
	if h.Availability() == data.Draining && h.SessionCount() == 0 {
		d.Remove(status.NodeID)
	}
	return nil
}

// Remove unregisters node id. It reports whether the node was registered.
func (d *Distributor) Remove(id data.NodeID) bool {
	d.mu.Lock()
	h, ok := d.hosts[id]
	delete(d.hosts, id)
	d.mu.Unlock()
	if !ok {
		return false
	}
	d.opts.Logger.Info("node removed", zap.String("node", string(id)))
	d.publish(events.NodeRemovedEvent{Status: h.Status()})
	return true
}

// Drain asks node id to finish its sessions and leave the grid.
func (d *Distributor) Drain(ctx context.Context, id data.NodeID) error {
	h, ok := d.host(id)
	if !ok {
		return ErrNoSuchNode
	}
	if err := h.Node().Drain(ctx); err != nil {
		return fmt.Errorf("draining node %s: %w", id, err)
	}
	h.setDraining()
	if h.SessionCount() == 0 {
		d.Remove(id)
	}
	return nil
}

func (d *Distributor) host(id data.NodeID) (*Host, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.hosts[id]
	return h, ok
}

func (d *Distributor) hostList() []*Host {
	d.mu.RLock()
	defer d.mu.RUnlock()
	hosts := make([]*Host, 0, len(d.hosts))
	for _, h := range d.hosts {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].ID() < hosts[j].ID() })
	return hosts
}

// Status returns the status of every node, ordered by node id.
func (d *Distributor) Status() []data.NodeStatus {
	var out []data.NodeStatus
	for _, h := range d.hostList() {
		out = append(out, h.Status())
	}
	return out
}

// AvailableStereotypes counts the free slots of the UP nodes by stereotype.
func (d *Distributor) AvailableStereotypes() []data.StereotypeCount {
	var counts []data.StereotypeCount
	for _, h := range d.hostList() {
	next:
		for _, st := range h.freeStereotypes() {
			for i := range counts {
				if reflect.DeepEqual(counts[i].Stereotype, st) {
					counts[i].Count++
					continue next
				}
			}
			counts = append(counts, data.StereotypeCount{Stereotype: st, Count: 1})
		}
	}
	return counts
}

// IsSupported reports whether any registered node could ever serve one of
// the alternatives.
func (d *Distributor) IsSupported(alternatives []selenium.Capabilities) bool {
	for _, h := range d.hostList() {
		for _, caps := range alternatives {
			if h.Supports(caps) {
				return true
			}
		}
	}
	return false
}

// reserve picks the best host for caps and holds one of its slots.
func (d *Distributor) reserve(caps selenium.Capabilities) (*Host, data.SlotID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hosts := make([]*Host, 0, len(d.hosts))
	for _, h := range d.hosts {
		hosts = append(hosts, h)
	}
	for _, h := range d.opts.Selector(caps, hosts) {
		if slot, ok := h.Reserve(caps); ok {
			return h, slot, true
		}
	}
	return nil, data.SlotID{}, false
}

// NewSession starts a session for req on the best host that has a free slot
// for one of its alternatives, tried in order. Failures the scheduler
// should retry are returned as *data.RetrySessionRequestError.
func (d *Distributor) NewSession(ctx context.Context, req *data.SessionRequest) (*data.CreateSessionResponse, error) {
	logger := d.opts.Logger.With(zap.String("request", string(req.RequestID)))
	var lastErr error
	for _, caps := range req.DesiredCapabilities {
		h, slot, ok := d.reserve(caps)
		if !ok {
			continue
		}
		resp, err := h.Node().NewSession(ctx, &data.CreateSessionRequest{DesiredCapabilities: caps, Metadata: req.Metadata})
		if err != nil {
			h.Release(slot)
			logger.Warn("node could not create the session", zap.String("node", string(h.ID())), zap.Error(err))
			if !data.IsRetryable(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		h.assign(slot, resp.Session)
		if err := d.opts.SessionMap.Add(ctx, resp.Session); err != nil {
			if serr := h.Node().Stop(ctx, resp.Session.ID); serr != nil {
				logger.Warn("stopping unrecorded session", zap.String("session", string(resp.Session.ID)), zap.Error(serr))
			}
			h.sessionClosed(resp.Session.ID)
			return nil, &data.RetrySessionRequestError{Message: "recording the session", Cause: err}
		}
		logger.Info("session created",
			zap.String("session", string(resp.Session.ID)),
			zap.String("node", string(h.ID())))
		return resp, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &data.RetrySessionRequestError{Message: "unable to find a node", Cause: ErrNoCapacity}
}

// StopSession stops a session nobody is waiting for any more.
func (d *Distributor) StopSession(ctx context.Context, s data.Session) error {
	if err := d.opts.SessionMap.Remove(ctx, s.ID); err != nil {
		d.opts.Logger.Warn("removing session", zap.String("session", string(s.ID)), zap.Error(err))
	}
	h, ok := d.host(s.NodeID)
	if !ok {
		return ErrNoSuchNode
	}
	h.sessionClosed(s.ID)
	return h.Node().Stop(ctx, s.ID)
}

// SessionClosed frees the slot of a session that ended on its node, such as
// after a successful quit seen by the router. It reports whether a slot was
// freed, in which case a SessionClosedEvent is published.
func (d *Distributor) SessionClosed(id data.SessionID) bool {
	if !d.freeSlot(id) {
		return false
	}
	d.publish(events.SessionClosedEvent{SessionID: id})
	return true
}

func (d *Distributor) freeSlot(id data.SessionID) bool {
	for _, h := range d.hostList() {
		if h.sessionClosed(id) {
			return true
		}
	}
	return false
}

// sessionsEnded announces sessions that disappeared from the status of h.
func (d *Distributor) sessionsEnded(h *Host, ids []data.SessionID) {
	for _, id := range ids {
		d.opts.Logger.Info("session ended on its node",
			zap.String("session", string(id)),
			zap.String("node", string(h.ID())))
		d.publish(events.SessionClosedEvent{SessionID: id})
	}
}

// HealthCheck checks every host and removes those DOWN for longer than the
// purge interval, and drained ones.
func (d *Distributor) HealthCheck(ctx context.Context) {
	hosts := d.hostList()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, h := range hosts {
		h := h
		g.Go(func() error {
			d.sessionsEnded(h, h.RunHealthCheck(gctx))
			return nil
		})
	}
	g.Wait()

	for _, h := range hosts {
		switch {
		case h.DownFor() > d.opts.PurgeNodesInterval:
			d.Remove(h.ID())
		case h.Availability() == data.Draining && h.SessionCount() == 0:
			d.Remove(h.ID())
		}
	}
}

func (d *Distributor) maintenanceLoop() {
	defer d.wg.Done()
	t := time.NewTicker(d.opts.HealthCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-t.C:
			d.HealthCheck(d.ctx)
		}
	}
}

func (d *Distributor) publish(e events.Event) {
	if d.opts.Bus != nil {
		d.opts.Bus.Publish(e)
	}
}

// Close stops the health check loop.
func (d *Distributor) Close() {
	for _, id := range d.subs {
		d.opts.Bus.Unsubscribe(id)
	}
	d.cancel()
	d.wg.Wait()
}
