package distributor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wanmail/selenium-grid"
	"github.com/wanmail/selenium-grid/grid/data"
	"github.com/wanmail/selenium-grid/grid/node"
)

// Host is the distributor's view of a node: its last known status, its
// availability and the slots reserved for sessions being created.
type Host struct {
	node      node.Node
	threshold int
	now       func() time.Time
	logger    *zap.Logger

	mu           sync.RWMutex
	status       data.NodeStatus
	availability data.Availability
	failures     int
	downSince    time.Time
	reserved     map[string]bool
	// reported are the sessions the node listed in its last status.
	reported map[data.SessionID]bool
}

func newHost(n node.Node, status data.NodeStatus, threshold int, now func() time.Time, logger *zap.Logger) *Host {
	h := &Host{
		node:      n,
		threshold: threshold,
		now:       now,
		logger:    logger.With(zap.String("node", string(n.ID()))),
		reserved:  make(map[string]bool),
		reported:  make(map[data.SessionID]bool),
	}
	h.refreshLocked(status)
	return h
}

// ID returns the node id.
func (h *Host) ID() data.NodeID { return h.node.ID() }

// Node returns the node.
func (h *Host) Node() node.Node { return h.node }

// Status returns the last known status, reservations included.
func (h *Host) Status() data.NodeStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.status
	s.Slots = append([]data.Slot(nil), h.status.Slots...)
	s.Availability = h.availability
	return s
}

// Availability returns whether the host is up, down or draining.
func (h *Host) Availability() data.Availability {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.availability
}

// reservedSession marks a slot held for a session being created.
var reservedSession = &data.Session{ID: "reserved"}

// Refresh replaces the cached status with one reported by the node. It
// returns the sessions the node reported last time and no longer runs.
func (h *Host) Refresh(status data.NodeStatus) []data.SessionID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshLocked(status)
}

func (h *Host) refreshLocked(status data.NodeStatus) []data.SessionID {
	status.Slots = append([]data.Slot(nil), status.Slots...)
	running := make(map[data.SessionID]bool)
	for i, s := range status.Slots {
		if s.Session != nil {
			running[s.Session.ID] = true
		}
		if s.Session == nil && h.reserved[s.ID.ID] {
			status.Slots[i].Session = reservedSession
		}
	}
	var gone []data.SessionID
	for id := range h.reported {
		if !running[id] {
			gone = append(gone, id)
		}
	}
	h.reported = running
	h.status = status
	h.failures = 0
	h.downSince = time.Time{}
	switch {
	case h.availability == data.Draining || status.Availability == data.Draining:
		h.availability = data.Draining
	case status.Availability == data.Down:
		h.availability = data.Down
		h.downSince = h.now()
	default:
		h.availability = data.Up
	}
	return gone
}

// RunHealthCheck asks the node for its health and status. The host goes
// DOWN after threshold consecutive failures and back UP on the next success.
// It returns the sessions that ended since the previous status.
func (h *Host) RunHealthCheck(ctx context.Context) []data.SessionID {
	err := h.node.HealthCheck(ctx)
	var status *data.NodeStatus
	if err == nil {
		status, err = h.node.Status(ctx)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		was := h.availability
		gone := h.refreshLocked(*status)
		if was == data.Down && h.availability == data.Up {
			h.logger.Info("node is up again")
		}
		return gone
	}
	h.failures++
	h.logger.Warn("health check failed", zap.Int("failures", h.failures), zap.Error(err))
	if h.failures >= h.threshold && h.availability != data.Down {
		h.availability = data.Down
		h.downSince = h.now()
		h.logger.Warn("node is down")
	}
	return nil
}

// DownFor returns how long the host has been DOWN, zero if it is not.
func (h *Host) DownFor() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.availability != data.Down {
		return 0
	}
	return h.now().Sub(h.downSince)
}

func (h *Host) setDraining() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.availability = data.Draining
}

// HasCapacity reports whether the host is up and a free slot can serve caps.
func (h *Host) HasCapacity(caps selenium.Capabilities) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.availability == data.Up && h.status.HasCapacity(caps)
}

// Supports reports whether any slot of the host can serve caps.
func (h *Host) Supports(caps selenium.Capabilities) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status.Supports(caps)
}

// Load returns the percentage of busy slots.
func (h *Host) Load() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status.Load()
}

// LastSessionCreated returns when the host last started a session.
func (h *Host) LastSessionCreated() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status.LastSessionCreated()
}

// SessionCount returns the number of busy or reserved slots.
func (h *Host) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status.SessionCount()
}

// Reserve holds a free slot matching caps.
func (h *Host) Reserve(caps selenium.Capabilities) (data.SlotID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.availability != data.Up || !h.status.HasCapacity(caps) {
		return data.SlotID{}, false
	}
	for i, s := range h.status.Slots {
		if s.IsFree() && data.Matches(s.Stereotype, caps) {
			h.status.Slots[i].Session = reservedSession
			h.reserved[s.ID.ID] = true
			return s.ID, true
		}
	}
	return data.SlotID{}, false
}

// Release frees a reserved slot.
func (h *Host) Release(id data.SlotID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.reserved, id.ID)
	for i, s := range h.status.Slots {
		if s.ID == id && s.Session == reservedSession {
			h.status.Slots[i].Session = nil
		}
	}
}

// assign records session in the slot reserved for it.
func (h *Host) assign(id data.SlotID, session data.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.reserved, id.ID)
	for i, s := range h.status.Slots {
		if s.ID == id {
			h.status.Slots[i].Session = &session
			h.status.Slots[i].LastStarted = session.StartTime
		}
	}
}

// sessionClosed frees the slot running id.
func (h *Host) sessionClosed(id data.SessionID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.status.Slots {
		if s.Session != nil && s.Session.ID == id {
			h.status.Slots[i].Session = nil
			delete(h.reported, id)
			return true
		}
	}
	return false
}

// freeStereotypes returns the stereotype of every free slot the host can
// still use, within its session limit.
func (h *Host) freeStereotypes() []selenium.Capabilities {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.availability != data.Up {
		return nil
	}
	room := len(h.status.Slots)
	if h.status.MaxSessions > 0 {
		room = h.status.MaxSessions - h.status.SessionCount()
	}
	var out []selenium.Capabilities
	for _, s := range h.status.Slots {
		if len(out) >= room {
			break
		}
		if s.IsFree() {
			out = append(out, s.Stereotype)
		}
	}
	return out
}
