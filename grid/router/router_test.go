package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wanmail/selenium-grid"
	"github.com/wanmail/selenium-grid/bidi"
	"github.com/wanmail/selenium-grid/grid/data"
	"github.com/wanmail/selenium-grid/grid/distributor"
	"github.com/wanmail/selenium-grid/grid/events"
	"github.com/wanmail/selenium-grid/grid/node"
	"github.com/wanmail/selenium-grid/grid/sessionmap"
	"github.com/wanmail/selenium-grid/grid/sessionqueue"
	"github.com/wanmail/selenium-grid/internal/seleniumtest"
)

var chrome = selenium.Capabilities{"browserName": "chrome", "platformName": "linux"}

type testGrid struct {
	url      string
	driver   *seleniumtest.Driver
	node     *node.LocalNode
	queue    *sessionqueue.LocalNewSessionQueue
	dist     *distributor.Distributor
	sessions *sessionmap.Local
}

// startNode serves a node relaying to d, reachable at its own URI.
func startNode(t *testing.T, bus events.Bus, d *seleniumtest.Driver, slots int) *node.LocalNode {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)
	opts := node.Options{URI: "http://" + srv.Listener.Addr().String(), MaxSessions: slots, Bus: bus}
	for i := 0; i < slots; i++ {
		opts.Slots = append(opts.Slots, node.SlotConfig{Stereotype: chrome, Factory: &node.RelayFactory{Stereotype: chrome, URL: d.URL()}})
	}
	n := node.NewLocalNode(opts)
	srv.Config.Handler = n.Handler()
	srv.Start()
	t.Cleanup(func() {
		srv.Close()
		n.Close()
	})
	return n
}

func newTestGrid(t *testing.T) *testGrid {
	t.Helper()
	return newTestGridWith(t, 2, false)
}

// newTestGridWith starts a grid with a node of the given number of slots. A
// remote node runs on its own bus and is reached over HTTP only, as in hub
// mode.
func newTestGridWith(t *testing.T, slots int, remote bool) *testGrid {
	t.Helper()
	bus := events.NewBus(64, nil)
	g := &testGrid{driver: seleniumtest.NewDriver(t), sessions: sessionmap.NewLocal()}
	var n node.Node
	if remote {
		nodeBus := events.NewBus(16, nil)
		t.Cleanup(nodeBus.Close)
		g.node = startNode(t, nodeBus, g.driver, slots)
		n = node.NewRemoteNode(g.node.ID(), g.node.URI())
	} else {
		g.node = startNode(t, bus, g.driver, slots)
		n = g.node
	}

	subs := sessionmap.Listen(bus, g.sessions, nil)
	g.queue = sessionqueue.NewLocal(sessionqueue.Options{Bus: bus, RequestTimeout: 5 * time.Second})
	g.dist = distributor.New(distributor.Options{Bus: bus, SessionMap: g.sessions})
	require.NoError(t, g.dist.Add(context.Background(), n))
	scheduler := distributor.NewScheduler(distributor.SchedulerOptions{
		Queue:                 g.queue,
		Distributor:           g.dist,
		Bus:                   bus,
		PollInterval:          10 * time.Millisecond,
		RetryInterval:         10 * time.Millisecond,
		RejectUnsupportedCaps: true,
	})
	scheduler.Start()

	srv := httptest.NewServer(New(Options{Queue: g.queue, Distributor: g.dist, SessionMap: g.sessions}))
	g.url = srv.URL
	t.Cleanup(func() {
		srv.Close()
		scheduler.Stop()
		g.queue.Close()
		g.dist.Close()
		for _, id := range subs {
			bus.Unsubscribe(id)
		}
		bus.Close()
	})
	return g
}

func TestRouter(t *testing.T) {
	g := newTestGrid(t)
	seleniumtest.RunCommonTests(t, seleniumtest.Config{Addr: g.url, Driver: g.driver})
}

func TestRouterLegacyPrefix(t *testing.T) {
	g := newTestGrid(t)
	wd, err := selenium.NewRemote(selenium.Capabilities{"browserName": "chrome"}, g.url+"/wd/hub")
	require.NoError(t, err)
	require.NoError(t, wd.Get("http://example.com"))
	require.NoError(t, wd.Quit())

	status, err := wd.Status()
	require.NoError(t, err)
	require.True(t, status.Ready)
}

func do(t *testing.T, method, url, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var reply map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &reply), "body: %s", raw)
	return resp.StatusCode, reply
}

func errorOf(t *testing.T, reply map[string]interface{}) string {
	t.Helper()
	v, ok := reply["value"].(map[string]interface{})
	require.True(t, ok, "reply %v has no error value", reply)
	return v["error"].(string)
}

func TestRouterErrors(t *testing.T) {
	g := newTestGrid(t)

	for _, tc := range []struct {
		name, method, path, body string
		wantCode                 int
		wantErr                  string
	}{
		{"unknown session", http.MethodGet, "/session/nope/url", "", http.StatusNotFound, selenium.ErrInvalidSessionID},
		{"unknown command", http.MethodGet, "/no/such/command", "", http.StatusNotFound, selenium.ErrUnknownCommand},
		{"malformed payload", http.MethodPost, "/session", "{", http.StatusBadRequest, selenium.ErrInvalidArgument},
		{"no capabilities", http.MethodPost, "/session", "{}", http.StatusBadRequest, selenium.ErrInvalidArgument},
		{"unsupported capabilities", http.MethodPost, "/session", `{"capabilities":{"alwaysMatch":{"browserName":"safari"}}}`, http.StatusInternalServerError, selenium.ErrSessionNotCreated},
		{"unknown node", http.MethodDelete, NodePath + "/nope", "", http.StatusNotFound, selenium.ErrInvalidArgument},
		{"drain unknown node", http.MethodPost, NodePath + "/nope/drain", "", http.StatusNotFound, selenium.ErrInvalidArgument},
		{"register without id", http.MethodPost, NodePath, `{"uri":"http://node"}`, http.StatusBadRequest, selenium.ErrInvalidArgument},
	} {
		t.Run(tc.name, func(t *testing.T) {
			code, reply := do(t, tc.method, g.url+tc.path, tc.body)
			require.Equal(t, tc.wantCode, code)
			require.Equal(t, tc.wantErr, errorOf(t, reply))
		})
	}
}

func TestRouterDeleteSession(t *testing.T) {
	g := newTestGrid(t)
	wd, err := selenium.NewRemote(chrome, g.url)
	require.NoError(t, err)
	id := data.SessionID(wd.SessionID())

	s, err := g.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, g.node.URI(), s.URI)

	require.NoError(t, wd.Quit())
	_, err = g.sessions.Get(context.Background(), id)
	require.ErrorIs(t, err, sessionmap.ErrNoSuchSession)
	require.Equal(t, []string{string(id)}, g.driver.Deleted())
}

func TestRouterQuitFreesRemoteSlot(t *testing.T) {
	g := newTestGridWith(t, 1, true)

	wd, err := selenium.NewRemote(chrome, g.url)
	require.NoError(t, err)
	require.Empty(t, g.dist.AvailableStereotypes())
	require.NoError(t, wd.Quit())
	require.Len(t, g.dist.AvailableStereotypes(), 1)

	start := time.Now()
	wd, err = selenium.NewRemote(chrome, g.url)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.NoError(t, wd.Quit())
}

func TestRouterNodeUnreachable(t *testing.T) {
	g := newTestGrid(t)
	require.NoError(t, g.sessions.Add(context.Background(), data.Session{ID: "lost", NodeID: "gone", URI: "http://127.0.0.1:1"}))

	code, reply := do(t, http.MethodGet, g.url+"/session/lost/url", "")
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, selenium.ErrUnknownError, errorOf(t, reply))
}

func TestRouterQueueAdmin(t *testing.T) {
	g := newTestGrid(t)
	// Fill both slots so that the next request waits in the queue.
	for i := 0; i < 2; i++ {
		wd, err := selenium.NewRemote(chrome, g.url)
		require.NoError(t, err)
		defer wd.Quit()
	}

	done := make(chan int, 1)
	go func() {
		resp, err := http.Post(g.url+"/session", selenium.JSONType, strings.NewReader(`{"capabilities":{"alwaysMatch":{"browserName":"chrome"}}}`))
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()
	require.Eventually(t, func() bool { return len(g.queue.Contents()) == 1 }, time.Second, time.Millisecond)

	code, reply := do(t, http.MethodGet, g.url+QueuePath, "")
	require.Equal(t, http.StatusOK, code)
	queued := reply["value"].([]interface{})
	require.Len(t, queued, 1)
	caps := queued[0].(map[string]interface{})["capabilities"].([]interface{})
	require.Equal(t, "chrome", caps[0].(map[string]interface{})["browserName"])

	code, reply = do(t, http.MethodDelete, g.url+QueuePath, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1.0, reply["value"])
	require.Equal(t, http.StatusInternalServerError, <-done)
}

func TestRouterNodeAdmin(t *testing.T) {
	g := newTestGrid(t)
	d := seleniumtest.NewDriver(t)
	bus := events.NewBus(16, nil)
	defer bus.Close()
	other := startNode(t, bus, d, 1)

	status, err := other.Status(context.Background())
	require.NoError(t, err)
	body, err := json.Marshal(status)
	require.NoError(t, err)

	code, _ := do(t, http.MethodPost, g.url+NodePath, string(body))
	require.Equal(t, http.StatusOK, code)
	code, reply := do(t, http.MethodGet, g.url+"/status", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, reply["value"].(map[string]interface{})["nodes"], 2)

	code, _ = do(t, http.MethodPost, g.url+NodePath+"/"+string(other.ID())+"/drain", "")
	require.Equal(t, http.StatusOK, code)
	require.True(t, other.IsDraining())
	require.Len(t, g.dist.Status(), 1)

	code, _ = do(t, http.MethodDelete, g.url+NodePath+"/"+string(g.node.ID()), "")
	require.Equal(t, http.StatusOK, code)
	code, reply = do(t, http.MethodGet, g.url+"/status", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, reply["value"].(map[string]interface{})["ready"])
}

func TestRouterForwardsWebSocket(t *testing.T) {
	g := newTestGrid(t)
	upgrader := websocket.Upgrader{}
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var cmd struct {
				ID uint64 `json:"id"`
			}
			if err := ws.ReadJSON(&cmd); err != nil {
				return
			}
			ws.WriteJSON(map[string]interface{}{"type": "success", "id": cmd.ID, "result": map[string]string{"path": r.URL.Path}})
		}
	}))
	defer remote.Close()
	ctx := context.Background()
	require.NoError(t, g.sessions.Add(ctx, data.Session{ID: "ws", NodeID: "bidi-node", URI: remote.URL}))

	c, err := bidi.Dial(ctx, "ws"+strings.TrimPrefix(g.url, "http")+"/session/ws/se/bidi")
	require.NoError(t, err)
	defer c.Close()
	result, err := c.Send(ctx, "session.status", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"path":"/session/ws/se/bidi"}`, string(result))
}
