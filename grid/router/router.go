// Package router is the HTTP front door of the grid. It queues new session
// requests, forwards session commands to the node running the session and
// serves the grid admin endpoints.
package router

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wanmail/selenium-grid"
	"github.com/wanmail/selenium-grid/grid/data"
	"github.com/wanmail/selenium-grid/grid/distributor"
	"github.com/wanmail/selenium-grid/grid/internal/wire"
	"github.com/wanmail/selenium-grid/grid/node"
	"github.com/wanmail/selenium-grid/grid/sessionmap"
)

// Paths of the grid admin API.
const (
	QueuePath = "/se/grid/newsessionqueue/queue"
	NodePath  = node.RegisterPath
)

// legacyPrefix is the URL prefix of Selenium 2 and 3 servers, still used by
// many clients.
const legacyPrefix = "/wd/hub"

const maxBodyBytes = 8 << 20

// Queue is the part of the new session queue the router uses.
type Queue interface {
	AddToQueue(ctx context.Context, req *data.SessionRequest) (*data.CreateSessionResponse, error)
	ClearQueue() int
	Contents() []data.SessionRequestCapability
}

// Options configures a Router.
type Options struct {
	Queue       Queue
	Distributor *distributor.Distributor
	SessionMap  sessionmap.SessionMap
	// Transport forwards commands to the nodes. It defaults to
	// http.DefaultTransport.
	Transport http.RoundTripper
	Logger    *zap.Logger
	Now       func() time.Time
}

// Router serves the WebDriver API of the grid.
type Router struct {
	opts Options
	mux  *http.ServeMux
}

// New returns a router.
func New(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rt := &Router{opts: opts, mux: http.NewServeMux()}
	rt.mux.HandleFunc("GET /status", rt.handleStatus)
	rt.mux.HandleFunc("POST /session", rt.handleNewSession)
	rt.mux.HandleFunc("/session/{id}", rt.handleCommand)
	rt.mux.HandleFunc("/session/{id}/", rt.handleCommand)
	rt.mux.HandleFunc("GET "+QueuePath, rt.handleQueueContents)
	rt.mux.HandleFunc("DELETE "+QueuePath, rt.handleClearQueue)
	rt.mux.HandleFunc("POST "+NodePath, rt.handleRegister)
	rt.mux.HandleFunc("DELETE "+NodePath+"/{id}", rt.handleRemoveNode)
	rt.mux.HandleFunc("POST "+NodePath+"/{id}/drain", rt.handleDrainNode)
	rt.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		wire.WriteError(w, selenium.NewError(selenium.ErrUnknownCommand, r.Method+" "+r.URL.Path))
	})
	return rt
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p := r.URL.Path; p == legacyPrefix || strings.HasPrefix(p, legacyPrefix+"/") {
		r2 := r.Clone(r.Context())
		r2.URL.Path = strings.TrimPrefix(p, legacyPrefix)
		r2.URL.RawPath = ""
		if r2.URL.Path == "" {
			r2.URL.Path = "/"
		}
		r = r2
	}
	rt.mux.ServeHTTP(w, r)
}

// GridStatus is the value of the status endpoint.
type GridStatus struct {
	Ready   bool              `json:"ready"`
	Message string            `json:"message"`
	Nodes   []data.NodeStatus `json:"nodes"`
}

func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := GridStatus{Nodes: rt.opts.Distributor.Status()}
	for _, n := range status.Nodes {
		if n.Availability == data.Up && len(n.Slots) > 0 {
			status.Ready = true
			break
		}
	}
	if status.Ready {
		status.Message = "Selenium Grid ready."
	} else {
		status.Message = "Selenium Grid not ready."
	}
	if status.Nodes == nil {
		status.Nodes = []data.NodeStatus{}
	}
	wire.WriteValue(w, http.StatusOK, status)
}

func (rt *Router) handleNewSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		wire.WriteError(w, selenium.NewError(selenium.ErrInvalidArgument, "reading request body: "+err.Error()))
		return
	}
	req, err := data.NewSessionRequest(body, rt.opts.Now())
	if err != nil {
		wire.WriteError(w, err)
		return
	}
	logger := rt.opts.Logger.With(zap.String("request", string(req.RequestID)))
	logger.Info("new session requested", zap.Int("alternatives", len(req.DesiredCapabilities)))

	resp, err := rt.opts.Queue.AddToQueue(r.Context(), req)
	if err != nil {
		logger.Info("session not created", zap.Error(err))
		wire.WriteError(w, data.ToWebDriverError(err))
		return
	}
	logger.Info("session created",
		zap.String("session", string(resp.Session.ID)),
		zap.String("node", string(resp.Session.NodeID)))
	wire.WriteRaw(w, http.StatusOK, resp.DownstreamEncodedResponse)
}

// handleCommand forwards a session command, WebSocket upgrades included, to
// the node running the session.
func (rt *Router) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := data.SessionID(r.PathValue("id"))
	session, err := rt.opts.SessionMap.Get(r.Context(), id)
	if err != nil {
		if !errors.Is(err, sessionmap.ErrNoSuchSession) {
			rt.opts.Logger.Warn("looking up session", zap.String("session", string(id)), zap.Error(err))
		}
		wire.WriteError(w, selenium.NewError(selenium.ErrInvalidSessionID, "unknown session "+string(id)))
		return
	}
	target, err := url.Parse(session.URI)
	if err != nil {
		wire.WriteError(w, err)
		return
	}

	quit := r.Method == http.MethodDelete && strings.TrimSuffix(r.URL.Path, "/") == "/session/"+string(id)
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: rt.opts.Transport,
		ModifyResponse: func(resp *http.Response) error {
			if quit && resp.StatusCode < 300 {
				if err := rt.opts.SessionMap.Remove(context.Background(), id); err != nil {
					rt.opts.Logger.Warn("removing session", zap.String("session", string(id)), zap.Error(err))
				}
				rt.opts.Distributor.SessionClosed(id)
				rt.opts.Logger.Info("session deleted", zap.String("session", string(id)))
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			rt.opts.Logger.Warn("forwarding command",
				zap.String("session", string(id)),
				zap.String("node", string(session.NodeID)),
				zap.Error(err))
			wire.WriteError(w, selenium.NewError(selenium.ErrUnknownError, "node "+string(session.NodeID)+" is unreachable: "+err.Error()))
		},
	}
	proxy.ServeHTTP(w, r)
}

func (rt *Router) handleQueueContents(w http.ResponseWriter, r *http.Request) {
	wire.WriteValue(w, http.StatusOK, rt.opts.Queue.Contents())
}

func (rt *Router) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	n := rt.opts.Queue.ClearQueue()
	rt.opts.Logger.Info("queue cleared", zap.Int("requests", n))
	wire.WriteValue(w, http.StatusOK, n)
}

func (rt *Router) handleRegister(w http.ResponseWriter, r *http.Request) {
	var status data.NodeStatus
	if err := wire.ReadJSON(w, r, maxBodyBytes, &status); err != nil {
		wire.WriteError(w, err)
		return
	}
	if err := rt.opts.Distributor.Register(r.Context(), status); err != nil {
		wire.WriteError(w, err)
		return
	}
	wire.WriteValue(w, http.StatusOK, nil)
}

func (rt *Router) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	id := data.NodeID(r.PathValue("id"))
	if !rt.opts.Distributor.Remove(id) {
		wire.WriteError(w, unknownNode(id))
		return
	}
	wire.WriteValue(w, http.StatusOK, nil)
}

func unknownNode(id data.NodeID) *selenium.Error {
	return &selenium.Error{Err: selenium.ErrInvalidArgument, Message: "unknown node " + string(id), HTTPCode: http.StatusNotFound}
}

func (rt *Router) handleDrainNode(w http.ResponseWriter, r *http.Request) {
	id := data.NodeID(r.PathValue("id"))
	if err := rt.opts.Distributor.Drain(r.Context(), id); err != nil {
		if errors.Is(err, distributor.ErrNoSuchNode) {
			wire.WriteError(w, unknownNode(id))
			return
		}
		wire.WriteError(w, err)
		return
	}
	wire.WriteValue(w, http.StatusOK, nil)
}
