// Package data holds the types exchanged between the grid components: new
// session requests, sessions, node status and the errors a session request
// can fail with.
package data

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wanmail/selenium-grid"
)

// RequestID identifies a queued new session request.
type RequestID string

// NewRequestID returns a random request id.
func NewRequestID() RequestID { return RequestID(uuid.NewString()) }

// SessionID identifies a WebDriver session.
type SessionID string

// NodeID identifies a node.
type NodeID string

// NewNodeID returns a random node id.
func NewNodeID() NodeID { return NodeID(uuid.NewString()) }

// SessionRequest is a new session request waiting in the queue.
type SessionRequest struct {
	RequestID RequestID `json:"requestId"`
	// DesiredCapabilities holds one entry per firstMatch alternative, each
	// already merged with alwaysMatch, in order of preference.
	DesiredCapabilities []selenium.Capabilities `json:"capabilities"`
	EnqueuedAt          time.Time               `json:"enqueued"`
	Metadata            map[string]interface{}  `json:"metadata,omitempty"`
}

// SessionRequestCapability is the view of a queued request exposed by the
// queue contents endpoint.
type SessionRequestCapability struct {
	RequestID           RequestID               `json:"requestId"`
	DesiredCapabilities []selenium.Capabilities `json:"capabilities"`
}

type newSessionPayload struct {
	Capabilities *struct {
		AlwaysMatch selenium.Capabilities   `json:"alwaysMatch"`
		FirstMatch  []selenium.Capabilities `json:"firstMatch"`
	} `json:"capabilities"`
	DesiredCapabilities selenium.Capabilities `json:"desiredCapabilities"`
}

// NewSessionRequest parses a W3C new session payload. A payload that only
// carries legacy desiredCapabilities is accepted as a single alternative.
func NewSessionRequest(payload []byte, now time.Time) (*SessionRequest, error) {
	var p newSessionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, selenium.NewError(selenium.ErrInvalidArgument, fmt.Sprintf("malformed new session payload: %v", err))
	}

	var alternatives []selenium.Capabilities
	switch {
	case p.Capabilities != nil:
		always := p.Capabilities.AlwaysMatch
		first := p.Capabilities.FirstMatch
		if len(first) == 0 {
			first = []selenium.Capabilities{{}}
		}
		for _, fm := range first {
			for k := range fm {
				if _, ok := always[k]; ok {
					return nil, selenium.NewError(selenium.ErrInvalidArgument,
						fmt.Sprintf("capability %q is set in both alwaysMatch and firstMatch", k))
				}
			}
			alternatives = append(alternatives, always.Merge(fm))
		}
	case p.DesiredCapabilities != nil:
		alternatives = []selenium.Capabilities{p.DesiredCapabilities.Merge(nil)}
	default:
		return nil, selenium.NewError(selenium.ErrInvalidArgument, "new session payload has no capabilities")
	}

	return &SessionRequest{
		RequestID:           NewRequestID(),
		DesiredCapabilities: alternatives,
		EnqueuedAt:          now,
	}, nil
}

// Session is a running WebDriver session on a node.
type Session struct {
	ID           SessionID             `json:"sessionId"`
	NodeID       NodeID                `json:"nodeId"`
	URI          string                `json:"uri"`
	Stereotype   selenium.Capabilities `json:"stereotype"`
	Capabilities selenium.Capabilities `json:"capabilities"`
	StartTime    time.Time             `json:"start"`
}

// CreateSessionRequest asks a node to start a session matching
// DesiredCapabilities.
type CreateSessionRequest struct {
	DesiredCapabilities selenium.Capabilities  `json:"desiredCapabilities"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

// CreateSessionResponse is the result of a successful session creation.
type CreateSessionResponse struct {
	Session Session `json:"session"`
	// DownstreamEncodedResponse is the response body to send to the client.
	DownstreamEncodedResponse []byte `json:"downstreamEncodedResponse"`
}

// NewCreateSessionResponse encodes s as a W3C new session response body.
func NewCreateSessionResponse(s Session) (*CreateSessionResponse, error) {
	body, err := json.Marshal(map[string]interface{}{
		"value": map[string]interface{}{
			"sessionId":    s.ID,
			"capabilities": s.Capabilities,
		},
	})
	if err != nil {
		return nil, err
	}
	return &CreateSessionResponse{Session: s, DownstreamEncodedResponse: body}, nil
}
