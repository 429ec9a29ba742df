package sessionqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wanmail/selenium-grid"
	"github.com/wanmail/selenium-grid/grid/data"
	"github.com/wanmail/selenium-grid/grid/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type outcome struct {
	resp *data.CreateSessionResponse
	err  error
}

func addAsync(q *LocalNewSessionQueue, ctx context.Context, req *data.SessionRequest) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		resp, err := q.AddToQueue(ctx, req)
		ch <- outcome{resp, err}
	}()
	return ch
}

func request(id string, browsers ...string) *data.SessionRequest {
	req := &data.SessionRequest{RequestID: data.RequestID(id)}
	for _, b := range browsers {
		req.DesiredCapabilities = append(req.DesiredCapabilities, selenium.Capabilities{"browserName": b})
	}
	return req
}

func waitQueued(t *testing.T, q *LocalNewSessionQueue, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Len() == n }, time.Second, time.Millisecond)
}

func ids(reqs []*data.SessionRequest) []data.RequestID {
	var out []data.RequestID
	for _, r := range reqs {
		out = append(out, r.RequestID)
	}
	return out
}

func TestAddToQueueComplete(t *testing.T) {
	bus := events.NewBus(10, nil)
	defer bus.Close()
	published := make(chan events.Event, 1)
	bus.Subscribe(events.TypeNewSessionRequest, func(e events.Event) { published <- e })

	q := NewLocal(Options{Bus: bus})
	defer q.Close()

	req := request("r1", "chrome")
	done := addAsync(q, context.Background(), req)
	waitQueued(t, q, 1)

	select {
	case e := <-published:
		require.Equal(t, data.RequestID("r1"), e.(events.NewSessionRequestEvent).RequestID)
	case <-time.After(time.Second):
		t.Fatal("no NewSessionRequestEvent published")
	}

	taken := q.GetNextAvailable([]data.StereotypeCount{{Stereotype: selenium.Capabilities{"browserName": "chrome"}, Count: 1}})
	require.Equal(t, []data.RequestID{"r1"}, ids(taken))
	require.Zero(t, q.Len())

	want := &data.CreateSessionResponse{Session: data.Session{ID: "s1"}}
	require.True(t, q.Complete("r1", want, nil))
	got := <-done
	require.NoError(t, got.err)
	require.Same(t, want, got.resp)

	require.False(t, q.Complete("r1", want, nil), "second Complete must report the caller is gone")
	require.False(t, q.RetryAddToQueue(req), "completed request must not be re-queued")
}

func TestAddToQueueTimeout(t *testing.T) {
	q := NewLocal(Options{RequestTimeout: 50 * time.Millisecond})
	defer q.Close()

	_, err := q.AddToQueue(context.Background(), request("r1", "chrome"))
	require.ErrorIs(t, err, ErrRequestTimedOut)
	var notCreated *data.SessionNotCreatedError
	require.ErrorAs(t, err, &notCreated)
	require.Zero(t, q.Len())
	require.False(t, q.Complete("r1", nil, nil))
}

func TestAddToQueueContextCancelled(t *testing.T) {
	q := NewLocal(Options{})
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := addAsync(q, ctx, request("r1", "chrome"))
	waitQueued(t, q, 1)
	cancel()

	got := <-done
	require.ErrorIs(t, got.err, context.Canceled)
	require.Zero(t, q.Len())
}

func TestAddToQueueDuplicate(t *testing.T) {
	q := NewLocal(Options{})
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := addAsync(q, ctx, request("r1", "chrome"))
	waitQueued(t, q, 1)

	_, err := q.AddToQueue(context.Background(), request("r1", "firefox"))
	require.ErrorIs(t, err, ErrDuplicateID)

	cancel()
	<-done
}

func TestRetryAddToQueueGoesToFront(t *testing.T) {
	q := NewLocal(Options{BatchSize: 1})
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	r1, r2 := request("r1", "chrome"), request("r2", "chrome")
	d1 := addAsync(q, ctx, r1)
	waitQueued(t, q, 1)
	d2 := addAsync(q, ctx, r2)
	waitQueued(t, q, 2)

	chrome := []data.StereotypeCount{{Stereotype: selenium.Capabilities{"browserName": "chrome"}, Count: 5}}
	require.Equal(t, []data.RequestID{"r1"}, ids(q.GetNextAvailable(chrome)))

	require.True(t, q.RetryAddToQueue(r1))
	require.False(t, q.RetryAddToQueue(r1), "request already in the deque")
	require.False(t, q.RetryAddToQueue(request("unknown", "chrome")))

	contents := q.Contents()
	require.Len(t, contents, 2)
	require.Equal(t, data.RequestID("r1"), contents[0].RequestID)
	require.Equal(t, data.RequestID("r2"), contents[1].RequestID)

	cancel()
	<-d1
	<-d2
}

func TestGetNextAvailable(t *testing.T) {
	q := NewLocal(Options{BatchSize: 3})
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var dones []<-chan outcome
	for i, r := range []*data.SessionRequest{
		request("safari", "safari"),
		request("chrome-1", "chrome"),
		request("either", "firefox", "chrome"),
		request("chrome-2", "chrome"),
		request("firefox", "firefox"),
	} {
		dones = append(dones, addAsync(q, ctx, r))
		waitQueued(t, q, i+1)
	}

	stereotypes := []data.StereotypeCount{
		{Stereotype: selenium.Capabilities{"browserName": "chrome"}, Count: 2},
		{Stereotype: selenium.Capabilities{"browserName": "firefox"}, Count: 1},
	}
	got := q.GetNextAvailable(stereotypes)
	require.Equal(t, []data.RequestID{"chrome-1", "either", "chrome-2"}, ids(got))
	require.Equal(t, 2, stereotypes[0].Count, "caller's counts must not be modified")

	contents := q.Contents()
	require.Len(t, contents, 2)
	require.Equal(t, data.RequestID("safari"), contents[0].RequestID)
	require.Equal(t, data.RequestID("firefox"), contents[1].RequestID)

	require.Empty(t, q.GetNextAvailable(nil))

	cancel()
	for _, d := range dones {
		<-d
	}
}

func TestClearQueue(t *testing.T) {
	q := NewLocal(Options{})
	defer q.Close()

	d1 := addAsync(q, context.Background(), request("r1", "chrome"))
	waitQueued(t, q, 1)
	d2 := addAsync(q, context.Background(), request("r2", "firefox"))
	waitQueued(t, q, 2)

	require.Equal(t, 2, q.ClearQueue())
	for _, d := range []<-chan outcome{d1, d2} {
		got := <-d
		require.ErrorIs(t, got.err, ErrQueueCleared)
	}
	require.Zero(t, q.ClearQueue())
}

func TestTimeoutPurge(t *testing.T) {
	var offset atomic.Int64
	now := func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }
	q := NewLocal(Options{
		RequestTimeout:       time.Hour,
		TimeoutCheckInterval: 10 * time.Millisecond,
		Now:                  now,
	})
	defer q.Close()

	done := addAsync(q, context.Background(), request("r1", "chrome"))
	waitQueued(t, q, 1)
	offset.Store(int64(2 * time.Hour))

	select {
	case got := <-done:
		require.ErrorIs(t, got.err, ErrRequestTimedOut)
	case <-time.After(time.Second):
		t.Fatal("request was not purged")
	}
}

func TestClose(t *testing.T) {
	q := NewLocal(Options{})
	done := addAsync(q, context.Background(), request("r1", "chrome"))
	waitQueued(t, q, 1)
	q.Close()
	q.Close()

	got := <-done
	require.True(t, errors.Is(got.err, ErrQueueClosed), "err = %v", got.err)
	_, err := q.AddToQueue(context.Background(), request("r2", "chrome"))
	require.ErrorIs(t, err, ErrQueueClosed)
}
