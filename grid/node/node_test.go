package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/wanmail/selenium-grid"
	"github.com/wanmail/selenium-grid/grid/data"
	"github.com/wanmail/selenium-grid/grid/events"
	"github.com/wanmail/selenium-grid/internal/seleniumtest"
)

var (
	chrome  = selenium.Capabilities{"browserName": "chrome", "platformName": "linux"}
	firefox = selenium.Capabilities{"browserName": "firefox", "platformName": "linux"}
)

type fakeService struct {
	driver  *seleniumtest.Driver
	stopped atomic.Int32
}

func (s *fakeService) Addr() string { return s.driver.URL() }

func (s *fakeService) Stop() error {
	s.stopped.Add(1)
	return nil
}

type fakeServices struct {
	mu       sync.Mutex
	started  []*fakeService
	ports    []int
	startErr error
	// configure is applied to every new driver.
	configure func(*seleniumtest.Driver)
}

func (f *fakeServices) get() []*fakeService {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeService(nil), f.started...)
}

// useFakeDriverServices makes factories start in-process fake drivers
// instead of driver binaries.
func useFakeDriverServices(t *testing.T) *fakeServices {
	f := new(fakeServices)
	orig := startDriverService
	t.Cleanup(func() { startDriverService = orig })
	startDriverService = func(d selenium.Driver, _ string, port int, _ ...selenium.ServiceOption) (driverService, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.ports = append(f.ports, port)
		if f.startErr != nil {
			return nil, f.startErr
		}
		s := &fakeService{driver: seleniumtest.NewDriver(t, seleniumtest.WithPrefix(d.URLPrefix))}
		if f.configure != nil {
			f.configure(s.driver)
		}
		f.started = append(f.started, s)
		return s, nil
	}
	return f
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func subscribe(t *testing.T, bus events.Bus, eventType string) <-chan events.Event {
	ch := make(chan events.Event, 16)
	id := bus.Subscribe(eventType, func(e events.Event) { ch <- e })
	t.Cleanup(func() { bus.Unsubscribe(id) })
	return ch
}

func receive(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestDriverServiceFactory(t *testing.T) {
	services := useFakeDriverServices(t)
	f, err := NewDriverServiceFactory(chrome, "", nil)
	require.NoError(t, err)
	require.Equal(t, "chromedriver", f.Driver.Name)

	caps := selenium.Capabilities{"browserName": "chrome", "se:name": "my test"}
	s, err := f.Apply(context.Background(), &data.CreateSessionRequest{DesiredCapabilities: caps})
	require.NoError(t, err)

	started := services.get()
	require.Len(t, started, 1)
	require.NotZero(t, services.ports[0])
	require.Equal(t, started[0].driver.URL(), s.URI)
	require.Equal(t, "chrome", s.Capabilities.BrowserName())

	remote, ok := started[0].driver.Session(string(s.ID))
	require.True(t, ok)
	_, hasGridKey := remote.Capabilities["se:name"]
	require.False(t, hasGridKey, "grid capabilities reached the driver")

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	require.Equal(t, []string{string(s.ID)}, started[0].driver.Deleted())
	require.EqualValues(t, 1, started[0].stopped.Load())
}

func TestDriverServiceFactoryUnknownBrowser(t *testing.T) {
	_, err := NewDriverServiceFactory(selenium.Capabilities{"browserName": "lynx"}, "", nil)
	require.Error(t, err)
}

func TestDriverServiceFactoryErrors(t *testing.T) {
	for _, tc := range []struct {
		name        string
		caps        selenium.Capabilities
		startErr    error
		configure   func(*seleniumtest.Driver)
		wantRetry   bool
		wantStarted int
	}{
		{
			name:     "driver does not start",
			caps:     chrome,
			startErr: errors.New("exec: chromedriver: not found"),
			// The next attempt may land on a healthier node.
			wantRetry: true,
		},
		{
			name: "driver refuses the session",
			caps: chrome,
			configure: func(d *seleniumtest.Driver) {
				d.FailNewSession(selenium.NewError(selenium.ErrSessionNotCreated, "Chrome failed to start"))
			},
			wantStarted: 1,
		},
		{
			name: "capabilities do not match",
			caps: firefox,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			services := useFakeDriverServices(t)
			services.startErr = tc.startErr
			services.configure = tc.configure
			f, err := NewDriverServiceFactory(chrome, "", nil)
			require.NoError(t, err)

			_, err = f.Apply(context.Background(), &data.CreateSessionRequest{DesiredCapabilities: tc.caps})
			require.Error(t, err)
			require.Equal(t, tc.wantRetry, data.IsRetryable(err), "IsRetryable(%v)", err)

			started := services.get()
			require.Len(t, started, tc.wantStarted)
			for _, s := range started {
				require.EqualValues(t, 1, s.stopped.Load(), "driver left running")
			}
		})
	}
}

func TestRelayFactory(t *testing.T) {
	d := seleniumtest.NewDriver(t)
	f := &RelayFactory{Stereotype: firefox, URL: d.URL()}

	require.True(t, f.Test(selenium.Capabilities{"browserName": "firefox"}))
	require.False(t, f.Test(selenium.Capabilities{"browserName": "chrome"}))

	s, err := f.Apply(context.Background(), &data.CreateSessionRequest{DesiredCapabilities: selenium.Capabilities{"browserName": "firefox"}})
	require.NoError(t, err)
	require.Equal(t, d.URL(), s.URI)
	require.ElementsMatch(t, []string{string(s.ID)}, d.SessionIDs())

	status, err := f.Status(context.Background())
	require.NoError(t, err)
	require.True(t, status.Ready)

	require.NoError(t, s.Stop(context.Background()))
	require.Empty(t, d.SessionIDs())
}

func newRelayNode(t *testing.T, opts Options, stereotypes ...selenium.Capabilities) (*LocalNode, *seleniumtest.Driver) {
	d := seleniumtest.NewDriver(t)
	for _, st := range stereotypes {
		opts.Slots = append(opts.Slots, SlotConfig{Stereotype: st, Factory: &RelayFactory{Stereotype: st, URL: d.URL()}})
	}
	n := NewLocalNode(opts)
	t.Cleanup(n.Close)
	return n, d
}

func TestLocalNode(t *testing.T) {
	bus := events.NewBus(16, nil)
	defer bus.Close()
	closed := subscribe(t, bus, events.TypeSessionClosed)

	n, d := newRelayNode(t, Options{URI: "http://node:5555", MaxSessions: 1, Bus: bus}, chrome, firefox)
	ctx := context.Background()

	resp, err := n.NewSession(ctx, &data.CreateSessionRequest{DesiredCapabilities: selenium.Capabilities{"browserName": "firefox"}})
	require.NoError(t, err)
	require.Equal(t, n.ID(), resp.Session.NodeID)
	require.Equal(t, "http://node:5555", resp.Session.URI)
	require.Equal(t, firefox, resp.Session.Stereotype)
	id := resp.Session.ID

	_, err = n.NewSession(ctx, &data.CreateSessionRequest{DesiredCapabilities: selenium.Capabilities{"browserName": "chrome"}})
	require.True(t, data.IsRetryable(err), "NewSession on a full node returned %v", err)

	status, err := n.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, status.SessionCount())
	require.Equal(t, data.Up, status.Availability)
	require.False(t, status.HasCapacity(selenium.Capabilities{"browserName": "chrome"}))
	require.Equal(t, float64(100), status.Load())

	owned, err := n.IsSessionOwner(ctx, id)
	require.NoError(t, err)
	require.True(t, owned)

	require.NoError(t, n.Stop(ctx, id))
	require.Equal(t, events.SessionClosedEvent{SessionID: id}, receive(t, closed))
	require.Equal(t, []string{string(id)}, d.Deleted())
	require.ErrorIs(t, n.Stop(ctx, id), ErrNoSuchSession)

	owned, err = n.IsSessionOwner(ctx, id)
	require.NoError(t, err)
	require.False(t, owned)
}

func TestLocalNodeNoMatchingSlot(t *testing.T) {
	n, _ := newRelayNode(t, Options{}, chrome)
	_, err := n.NewSession(context.Background(), &data.CreateSessionRequest{DesiredCapabilities: selenium.Capabilities{"browserName": "safari"}})
	require.True(t, data.IsRetryable(err), "NewSession returned %v", err)
}

func TestLocalNodeDrain(t *testing.T) {
	bus := events.NewBus(16, nil)
	defer bus.Close()
	drained := subscribe(t, bus, events.TypeNodeDrainComplete)

	n, _ := newRelayNode(t, Options{Bus: bus}, chrome, chrome)
	ctx := context.Background()
	resp, err := n.NewSession(ctx, &data.CreateSessionRequest{DesiredCapabilities: chrome})
	require.NoError(t, err)

	require.NoError(t, n.Drain(ctx))
	require.True(t, n.IsDraining())
	_, err = n.NewSession(ctx, &data.CreateSessionRequest{DesiredCapabilities: chrome})
	require.True(t, data.IsRetryable(err), "NewSession on a draining node returned %v", err)

	status, err := n.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, data.Draining, status.Availability)

	select {
	case e := <-drained:
		t.Fatalf("drain completed with a session running: %v", e)
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, n.Stop(ctx, resp.Session.ID))
	require.Equal(t, events.NodeDrainCompleteEvent{NodeID: n.ID()}, receive(t, drained))
}

func TestLocalNodeStopsIdleSessions(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	n, d := newRelayNode(t, Options{
		SessionTimeout:      time.Minute,
		SessionTimeoutCheck: 5 * time.Millisecond,
		Now:                 clock.Now,
	}, chrome, chrome)
	ctx := context.Background()

	idle, err := n.NewSession(ctx, &data.CreateSessionRequest{DesiredCapabilities: chrome})
	require.NoError(t, err)
	busy, err := n.NewSession(ctx, &data.CreateSessionRequest{DesiredCapabilities: chrome})
	require.NoError(t, err)

	clock.Advance(40 * time.Second)
	n.Touch(busy.Session.ID)
	clock.Advance(40 * time.Second)

	require.Eventually(t, func() bool {
		owned, _ := n.IsSessionOwner(ctx, idle.Session.ID)
		return !owned
	}, 2*time.Second, 5*time.Millisecond)
	owned, err := n.IsSessionOwner(ctx, busy.Session.ID)
	require.NoError(t, err)
	require.True(t, owned, "active session was stopped")
	require.Equal(t, []string{string(idle.Session.ID)}, d.Deleted())
}

func TestLocalNodeHealthCheck(t *testing.T) {
	n, _ := newRelayNode(t, Options{}, chrome)
	require.NoError(t, n.HealthCheck(context.Background()))

	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	broken := NewLocalNode(Options{Slots: []SlotConfig{{Stereotype: chrome, Factory: &RelayFactory{Stereotype: chrome, URL: down.URL}}}})
	defer broken.Close()
	require.Error(t, broken.HealthCheck(context.Background()))
}

func serveNode(t *testing.T, n *LocalNode) *httptest.Server {
	s := httptest.NewServer(n.Handler())
	t.Cleanup(s.Close)
	return s
}

func TestRemoteNode(t *testing.T) {
	local, d := newRelayNode(t, Options{}, chrome)
	server := serveNode(t, local)
	remote := NewRemoteNode(local.ID(), server.URL)
	ctx := context.Background()

	require.Equal(t, local.ID(), remote.ID())
	require.Equal(t, server.URL, remote.URI())
	require.NoError(t, remote.HealthCheck(ctx))

	resp, err := remote.NewSession(ctx, &data.CreateSessionRequest{DesiredCapabilities: chrome})
	require.NoError(t, err)
	id := resp.Session.ID
	require.Equal(t, "chrome", resp.Session.Capabilities.BrowserName())
	value, _, err := selenium.ParseNewSessionResponse(resp.DownstreamEncodedResponse)
	require.NoError(t, err)
	require.Equal(t, string(id), value)

	_, err = remote.NewSession(ctx, &data.CreateSessionRequest{DesiredCapabilities: chrome})
	require.True(t, data.IsRetryable(err), "NewSession on a full node returned %v", err)

	owned, err := remote.IsSessionOwner(ctx, id)
	require.NoError(t, err)
	require.True(t, owned)

	status, err := remote.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, local.ID(), status.NodeID)
	require.Equal(t, 1, status.SessionCount())

	// WebDriver commands are forwarded to the session's endpoint.
	wd := selenium.NewCommandExecutor(server.URL)
	_, err = wd.Execute(ctx, http.MethodPost, "/session/"+string(id)+"/url", map[string]string{"url": "http://example.com/"})
	require.NoError(t, err)
	s, ok := d.Session(string(id))
	require.True(t, ok)
	require.Equal(t, "http://example.com/", s.URL)
	_, err = wd.Execute(ctx, http.MethodGet, "/session/no-such-session/url", nil)
	require.ErrorIs(t, err, &selenium.Error{Err: selenium.ErrInvalidSessionID})

	require.NoError(t, remote.Stop(ctx, id))
	require.ErrorIs(t, remote.Stop(ctx, id), ErrNoSuchSession)

	require.NoError(t, remote.Drain(ctx))
	require.True(t, remote.IsDraining())
	require.True(t, local.IsDraining())
	_, err = remote.NewSession(ctx, &data.CreateSessionRequest{DesiredCapabilities: chrome})
	require.True(t, data.IsRetryable(err), "NewSession on a draining node returned %v", err)
}

func TestRemoteNodeDeleteSessionCommand(t *testing.T) {
	local, d := newRelayNode(t, Options{}, chrome)
	server := serveNode(t, local)

	resp, err := local.NewSession(context.Background(), &data.CreateSessionRequest{DesiredCapabilities: chrome})
	require.NoError(t, err)
	e := selenium.NewCommandExecutor(server.URL)
	_, err = e.Execute(context.Background(), http.MethodDelete, "/session/"+string(resp.Session.ID), nil)
	require.NoError(t, err)
	require.Equal(t, []string{string(resp.Session.ID)}, d.Deleted())
	owned, err := local.IsSessionOwner(context.Background(), resp.Session.ID)
	require.NoError(t, err)
	require.False(t, owned)
}

func TestRemoteNodeUnreachable(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	remote := NewRemoteNode(data.NewNodeID(), down.URL)

	_, err := remote.NewSession(context.Background(), &data.CreateSessionRequest{DesiredCapabilities: chrome})
	require.True(t, data.IsRetryable(err), "NewSession on an unreachable node returned %v", err)
	require.Error(t, remote.HealthCheck(context.Background()))
}

func TestRemoteNodeThroughSOCKSProxy(t *testing.T) {
	local, _ := newRelayNode(t, Options{}, chrome)
	server := serveNode(t, local)
	proxy := seleniumtest.NewSOCKSProxy(t, server.URL)

	client := &http.Client{Transport: &http.Transport{
		Proxy: http.ProxyURL(&url.URL{Scheme: "socks5", Host: proxy.Addr}),
	}}
	defer client.CloseIdleConnections()
	// The node is only reachable through the proxy.
	remote := NewRemoteNode(local.ID(), "http://node.invalid:5555", WithHTTPClient(client))

	status, err := remote.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, local.ID(), status.NodeID)
	require.NotZero(t, proxy.Connections())
}

func TestHeartbeat(t *testing.T) {
	n, _ := newRelayNode(t, Options{}, chrome)
	beats := make(chan data.NodeStatus, 16)
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != RegisterPath {
			http.NotFound(w, r)
			return
		}
		var s data.NodeStatus
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		beats <- s
		w.Header().Set("Content-Type", selenium.JSONType)
		w.Write([]byte(`{"value":null}`))
	}))
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Heartbeat(ctx, n, hub.URL, 10*time.Millisecond, nil, nil)
	}()

	var got []data.NodeID
	for i := 0; i < 2; i++ {
		select {
		case s := <-beats:
			got = append(got, s.NodeID)
		case <-time.After(2 * time.Second):
			t.Fatal("no heartbeat received")
		}
	}
	cancel()
	<-done
	if diff := cmp.Diff([]data.NodeID{n.ID(), n.ID()}, got); diff != "" {
		t.Errorf("heartbeats differ (-want +got):\n%s", diff)
	}
}
