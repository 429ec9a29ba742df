package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/wanmail/selenium-grid"
	"github.com/wanmail/selenium-grid/grid/data"
	"github.com/wanmail/selenium-grid/grid/internal/wire"
)

// RemoteNode talks to a node over the node API.
type RemoteNode struct {
	id       data.NodeID
	uri      string
	executor *selenium.CommandExecutor
	draining atomic.Bool
}

// RemoteOption configures a RemoteNode.
type RemoteOption func(*remoteOptions)

type remoteOptions struct {
	client *http.Client
}

// WithHTTPClient makes the node use c, e.g. to reach nodes through a proxy.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(o *remoteOptions) { o.client = c }
}

// NewRemoteNode returns a client of the node id serving its API at uri.
func NewRemoteNode(id data.NodeID, uri string, opts ...RemoteOption) *RemoteNode {
	o := new(remoteOptions)
	for _, opt := range opts {
		opt(o)
	}
	var eopts []selenium.ExecutorOption
	if o.client != nil {
		eopts = append(eopts, selenium.WithHTTPClient(o.client))
	}
	return &RemoteNode{id: id, uri: uri, executor: selenium.NewCommandExecutor(uri, eopts...)}
}

// ID implements Node.
func (n *RemoteNode) ID() data.NodeID { return n.id }

// URI implements Node.
func (n *RemoteNode) URI() string { return n.uri }

// NewSession implements Node. A node that cannot be reached, or answers
// that it is busy, yields a retryable error.
func (n *RemoteNode) NewSession(ctx context.Context, req *data.CreateSessionRequest) (*data.CreateSessionResponse, error) {
	body, err := n.executor.Execute(ctx, http.MethodPost, SessionPath, req)
	if err != nil {
		var wdErr *selenium.Error
		switch {
		case !errors.As(err, &wdErr):
			return nil, &data.RetrySessionRequestError{Message: fmt.Sprintf("node %s is unreachable", n.id), Cause: err}
		case wdErr.HTTPCode == http.StatusServiceUnavailable:
			return nil, &data.RetrySessionRequestError{Message: wdErr.Message}
		default:
			return nil, &data.SessionNotCreatedError{Message: fmt.Sprintf("node %s could not create the session", n.id), Cause: err}
		}
	}
	resp := new(data.CreateSessionResponse)
	if err := wire.DecodeValue(body, resp); err != nil {
		return nil, &data.SessionNotCreatedError{Message: "malformed node reply", Cause: err}
	}
	return resp, nil
}

// Stop implements Node.
func (n *RemoteNode) Stop(ctx context.Context, id data.SessionID) error {
	_, err := n.executor.Execute(ctx, http.MethodDelete, SessionPath+"/"+string(id), nil)
	if errors.Is(err, &selenium.Error{Err: selenium.ErrInvalidSessionID}) {
		return ErrNoSuchSession
	}
	return err
}

// IsSessionOwner implements Node.
func (n *RemoteNode) IsSessionOwner(ctx context.Context, id data.SessionID) (bool, error) {
	body, err := n.executor.Execute(ctx, http.MethodGet, OwnerPath+"/"+string(id), nil)
	if err != nil {
		return false, err
	}
	var owned bool
	if err := wire.DecodeValue(body, &owned); err != nil {
		return false, err
	}
	return owned, nil
}

// Status implements Node.
func (n *RemoteNode) Status(ctx context.Context) (*data.NodeStatus, error) {
	body, err := n.executor.Execute(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return nil, err
	}
	reply := new(StatusReply)
	if err := wire.DecodeValue(body, reply); err != nil {
		return nil, err
	}
	if reply.Node.Availability == data.Draining {
		n.draining.Store(true)
	}
	return &reply.Node, nil
}

// HealthCheck implements Node.
func (n *RemoteNode) HealthCheck(ctx context.Context) error {
	_, err := n.Status(ctx)
	return err
}

// Drain implements Node.
func (n *RemoteNode) Drain(ctx context.Context) error {
	if _, err := n.executor.Execute(ctx, http.MethodPost, DrainPath, nil); err != nil {
		return err
	}
	n.draining.Store(true)
	return nil
}

// IsDraining implements Node.
func (n *RemoteNode) IsDraining() bool {
	return n.draining.Load()
}
