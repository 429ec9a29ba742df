// Package events provides the in-process event bus the grid components use
// to notify each other.
package events

import (
	"github.com/wanmail/selenium-grid/grid/data"
)

// Event types.
const (
	TypeNewSessionRequest = "new-session-request"
	TypeNodeAdded         = "node-added"
	TypeNodeRemoved       = "node-removed"
	TypeNodeDrainComplete = "node-drain-complete"
	TypeSessionClosed     = "session-closed"
)

// Event is a message published on the bus.
type Event interface {
	Type() string
}

// NewSessionRequestEvent is published when a request enters the queue.
type NewSessionRequestEvent struct {
	RequestID data.RequestID
}

func (NewSessionRequestEvent) Type() string { return TypeNewSessionRequest }

// NodeAddedEvent is published when the distributor registers a node.
type NodeAddedEvent struct {
	NodeID data.NodeID
}

func (NodeAddedEvent) Type() string { return TypeNodeAdded }

// NodeRemovedEvent is published when a node leaves the grid.
type NodeRemovedEvent struct {
	Status data.NodeStatus
}

func (NodeRemovedEvent) Type() string { return TypeNodeRemoved }

// NodeDrainCompleteEvent is published by a draining node once its last
// session ended.
type NodeDrainCompleteEvent struct {
	NodeID data.NodeID
}

func (NodeDrainCompleteEvent) Type() string { return TypeNodeDrainComplete }

// SessionClosedEvent is published when a session ends on a node.
type SessionClosedEvent struct {
	SessionID data.SessionID
}

func (SessionClosedEvent) Type() string { return TypeSessionClosed }

// Handler handles an event.
type Handler func(e Event)

// Bus publishes events to subscribers.
type Bus interface {
	// Publish queues e for asynchronous delivery. It never blocks.
	Publish(e Event)
	// Subscribe registers handler for events of the given type. An empty type
	// subscribes to every event. It returns an id for Unsubscribe.
	Subscribe(eventType string, handler Handler) uint64
	// Unsubscribe removes a subscription.
	Unsubscribe(id uint64)
	// Close stops delivery after the queued events have been handled.
	Close()
}
