package data

import (
	"time"

	"github.com/wanmail/selenium-grid"
)

// Availability of a node.
type Availability string

// Node availabilities.
const (
	Up       Availability = "UP"
	Down     Availability = "DOWN"
	Draining Availability = "DRAINING"
)

// SlotID identifies a slot within the grid.
type SlotID struct {
	NodeID NodeID `json:"hostId"`
	ID     string `json:"id"`
}

// Slot is one unit of node capacity: a stereotype and, when busy, the session
// running in it.
type Slot struct {
	ID          SlotID                `json:"id"`
	Stereotype  selenium.Capabilities `json:"stereotype"`
	Session     *Session              `json:"session,omitempty"`
	LastStarted time.Time             `json:"lastStarted"`
}

// IsFree reports whether no session runs in the slot.
func (s Slot) IsFree() bool {
	return s.Session == nil
}

// NodeStatus is the state a node reports to the distributor.
type NodeStatus struct {
	NodeID          NodeID        `json:"nodeId"`
	ExternalURI     string        `json:"uri"`
	MaxSessions     int           `json:"maxSessions"`
	Slots           []Slot        `json:"slots"`
	Availability    Availability  `json:"availability"`
	HeartbeatPeriod time.Duration `json:"heartbeatPeriod"`
	SessionTimeout  time.Duration `json:"sessionTimeout"`
	Version         string        `json:"version"`
}

// SessionCount returns the number of busy slots.
func (n NodeStatus) SessionCount() int {
	c := 0
	for _, s := range n.Slots {
		if !s.IsFree() {
			c++
		}
	}
	return c
}

// HasCapacity reports whether a free slot of the node can serve caps, within
// the node's session limit.
func (n NodeStatus) HasCapacity(caps selenium.Capabilities) bool {
	if n.MaxSessions > 0 && n.SessionCount() >= n.MaxSessions {
		return false
	}
	for _, s := range n.Slots {
		if s.IsFree() && Matches(s.Stereotype, caps) {
			return true
		}
	}
	return false
}

// Supports reports whether any slot of the node, busy or not, can serve caps.
func (n NodeStatus) Supports(caps selenium.Capabilities) bool {
	for _, s := range n.Slots {
		if Matches(s.Stereotype, caps) {
			return true
		}
	}
	return false
}

// Load returns the percentage of the node's capacity in use.
func (n NodeStatus) Load() float64 {
	capacity := len(n.Slots)
	if n.MaxSessions > 0 && n.MaxSessions < capacity {
		capacity = n.MaxSessions
	}
	if capacity == 0 {
		return 100
	}
	return float64(n.SessionCount()) * 100 / float64(capacity)
}

// LastSessionCreated returns the most recent slot start time.
func (n NodeStatus) LastSessionCreated() time.Time {
	var last time.Time
	for _, s := range n.Slots {
		if s.LastStarted.After(last) {
			last = s.LastStarted
		}
	}
	return last
}

// StereotypeCount is a stereotype and the number of free slots offering it.
type StereotypeCount struct {
	Stereotype selenium.Capabilities
	Count      int
}
