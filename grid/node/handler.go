package node

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/wanmail/selenium-grid"
	"github.com/wanmail/selenium-grid/grid/data"
	"github.com/wanmail/selenium-grid/grid/internal/wire"
)

// Paths of the node API.
const (
	SessionPath = "/se/grid/node/session"
	OwnerPath   = "/se/grid/node/owner"
	DrainPath   = "/se/grid/node/drain"
)

const maxBodyBytes = 8 << 20

// StatusReply is the value of the node's status endpoint.
type StatusReply struct {
	Ready   bool            `json:"ready"`
	Message string          `json:"message"`
	Node    data.NodeStatus `json:"node"`
}

// Handler serves the node API and forwards WebDriver commands to the
// endpoints running the node's sessions.
func (n *LocalNode) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", n.handleStatus)
	mux.HandleFunc("POST "+SessionPath, n.handleNewSession)
	mux.HandleFunc("DELETE "+SessionPath+"/{id}", n.handleStop)
	mux.HandleFunc("GET "+OwnerPath+"/{id}", n.handleOwner)
	mux.HandleFunc("POST "+DrainPath, n.handleDrain)
	mux.HandleFunc("DELETE /session/{id}", n.handleStop)
	mux.HandleFunc("/session/{id}/", n.handleCommand)
	return mux
}

func (n *LocalNode) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := n.Status(r.Context())
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	reply := StatusReply{Ready: status.Availability == data.Up, Node: *status}
	switch {
	case !reply.Ready:
		reply.Message = "node is draining"
	case status.SessionCount() >= status.MaxSessions:
		reply.Message = "node is full"
	default:
		reply.Message = "node is ready"
	}
	wire.WriteValue(w, http.StatusOK, reply)
}

func (n *LocalNode) handleNewSession(w http.ResponseWriter, r *http.Request) {
	req := new(data.CreateSessionRequest)
	if err := wire.ReadJSON(w, r, maxBodyBytes, req); err != nil {
		wire.WriteError(w, err)
		return
	}
	resp, err := n.NewSession(r.Context(), req)
	if err != nil {
		wdErr := data.ToWebDriverError(err)
		if data.IsRetryable(err) {
			wdErr = &selenium.Error{Err: selenium.ErrSessionNotCreated, Message: err.Error(), HTTPCode: http.StatusServiceUnavailable}
		}
		wire.WriteError(w, wdErr)
		return
	}
	wire.WriteValue(w, http.StatusOK, resp)
}

func (n *LocalNode) handleStop(w http.ResponseWriter, r *http.Request) {
	id := data.SessionID(r.PathValue("id"))
	if err := n.Stop(r.Context(), id); err != nil {
		if errors.Is(err, ErrNoSuchSession) {
			wire.WriteError(w, selenium.NewError(selenium.ErrInvalidSessionID, string(id)))
			return
		}
		n.opts.Logger.Warn("session stopped with error", zap.String("session", string(id)), zap.Error(err))
	}
	wire.WriteValue(w, http.StatusOK, nil)
}

func (n *LocalNode) handleOwner(w http.ResponseWriter, r *http.Request) {
	owned, _ := n.IsSessionOwner(r.Context(), data.SessionID(r.PathValue("id")))
	wire.WriteValue(w, http.StatusOK, owned)
}

func (n *LocalNode) handleDrain(w http.ResponseWriter, r *http.Request) {
	n.Drain(r.Context())
	wire.WriteValue(w, http.StatusOK, nil)
}

// handleCommand forwards a WebDriver command to the session's endpoint,
// keeping the path below the endpoint's URL prefix.
func (n *LocalNode) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := data.SessionID(r.PathValue("id"))
	active, ok := n.Session(id)
	if !ok {
		wire.WriteError(w, selenium.NewError(selenium.ErrInvalidSessionID, "session "+string(id)+" is not running on this node"))
		return
	}
	target, err := url.Parse(active.URI)
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	n.Touch(id)
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			n.opts.Logger.Warn("forwarding command", zap.String("session", string(id)), zap.String("path", r.URL.Path), zap.Error(err))
			wire.WriteError(w, selenium.NewError(selenium.ErrUnknownError, "session endpoint is unreachable: "+err.Error()))
		},
	}
	r.URL.Path = strings.TrimSuffix(r.URL.Path, "/")
	proxy.ServeHTTP(w, r)
}
