// Package sessionqueue holds new session requests until the distributor finds
// a slot for them.
package sessionqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wanmail/selenium-grid/grid/data"
	"github.com/wanmail/selenium-grid/grid/events"
)

// Errors a queued request can fail with. They are wrapped in a
// *data.SessionNotCreatedError.
var (
	ErrRequestTimedOut = errors.New("new session request timed out")
	ErrQueueCleared    = errors.New("request queue was cleared")
	ErrQueueClosed     = errors.New("request queue was closed")
	ErrDuplicateID     = errors.New("request is already queued")
)

// Options configures a queue.
type Options struct {
	// RequestTimeout is how long a request may wait for a session.
	RequestTimeout time.Duration
	// TimeoutCheckInterval is the period of the timeout purge.
	TimeoutCheckInterval time.Duration
	// BatchSize caps the number of requests returned by GetNextAvailable.
	BatchSize int
	Bus       events.Bus
	Logger    *zap.Logger
	// Now returns the current time. It defaults to time.Now.
	Now func() time.Time
}

type result struct {
	resp *data.CreateSessionResponse
	err  error
}

// pending is a request whose caller is still waiting.
type pending struct {
	req *data.SessionRequest
	// done receives exactly one result.
	done chan result
}

// LocalNewSessionQueue is an in-memory deque of new session requests. A
// request is tracked from AddToQueue until it is completed, times out, is
// cleared or its caller gives up; while tracked it is either in the deque or
// being handled by the scheduler.
type LocalNewSessionQueue struct {
	opts Options

	mu       sync.RWMutex
	queue    []*data.SessionRequest
	requests map[data.RequestID]*pending
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewLocal returns a queue and starts its timeout purge.
func NewLocal(opts Options) *LocalNewSessionQueue {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 300 * time.Second
	}
	if opts.TimeoutCheckInterval <= 0 {
		opts.TimeoutCheckInterval = 10 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	q := &LocalNewSessionQueue{
		opts:     opts,
		requests: make(map[data.RequestID]*pending),
		stop:     make(chan struct{}),
	}
	q.wg.Add(1)
	go q.purgeLoop()
	return q
}

func notCreated(cause error) error {
	return &data.SessionNotCreatedError{Message: "could not start a new session", Cause: cause}
}

// AddToQueue appends req to the back of the queue and blocks until a session
// is created for it, it fails, it times out or ctx is done.
func (q *LocalNewSessionQueue) AddToQueue(ctx context.Context, req *data.SessionRequest) (*data.CreateSessionResponse, error) {
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = q.opts.Now()
	}
	p := &pending{req: req, done: make(chan result, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, notCreated(ErrQueueClosed)
	}
	if _, ok := q.requests[req.RequestID]; ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", req.RequestID, ErrDuplicateID)
	}
	q.requests[req.RequestID] = p
	q.queue = append(q.queue, req)
	q.mu.Unlock()

	q.opts.Logger.Debug("session request queued", zap.String("request", string(req.RequestID)))
	if q.opts.Bus != nil {
		q.opts.Bus.Publish(events.NewSessionRequestEvent{RequestID: req.RequestID})
	}

	timer := time.NewTimer(req.EnqueuedAt.Add(q.opts.RequestTimeout).Sub(q.opts.Now()))
	defer timer.Stop()

	var giveUp error
	select {
	case r := <-p.done:
		return r.resp, r.err
	case <-timer.C:
		giveUp = notCreated(ErrRequestTimedOut)
	case <-ctx.Done():
		giveUp = ctx.Err()
	}
	if q.untrack(req.RequestID) != nil {
		return nil, giveUp
	}
	// Somebody completed the request concurrently.
	r := <-p.done
	return r.resp, r.err
}

// untrack stops tracking id and removes it from the deque. It returns nil if
// id was not tracked.
func (q *LocalNewSessionQueue) untrack(id data.RequestID) *pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.requests[id]
	if !ok {
		return nil
	}
	delete(q.requests, id)
	q.removeLocked(id)
	return p
}

func (q *LocalNewSessionQueue) removeLocked(id data.RequestID) *data.SessionRequest {
	for i, r := range q.queue {
		if r.RequestID == id {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			return r
		}
	}
	return nil
}

func (q *LocalNewSessionQueue) inQueueLocked(id data.RequestID) bool {
	for _, r := range q.queue {
		if r.RequestID == id {
			return true
		}
	}
	return false
}

// RetryAddToQueue puts req back at the front of the queue. It returns false
// if the request is no longer tracked or is already queued.
func (q *LocalNewSessionQueue) RetryAddToQueue(req *data.SessionRequest) bool {
	q.mu.Lock()
	if _, ok := q.requests[req.RequestID]; !ok || q.inQueueLocked(req.RequestID) {
		q.mu.Unlock()
		return false
	}
	q.queue = append([]*data.SessionRequest{req}, q.queue...)
	q.mu.Unlock()

	if q.opts.Bus != nil {
		q.opts.Bus.Publish(events.NewSessionRequestEvent{RequestID: req.RequestID})
	}
	return true
}

// Remove takes the request out of the deque. The request stays tracked and
// must still be completed.
func (q *LocalNewSessionQueue) Remove(id data.RequestID) (*data.SessionRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := q.removeLocked(id)
	return r, r != nil
}

// GetNextAvailable takes, from the front, up to the batch size requests that
// one of the stereotypes can serve. Every request taken uses up one unit of
// the count of the stereotype that matched it.
func (q *LocalNewSessionQueue) GetNextAvailable(stereotypes []data.StereotypeCount) []*data.SessionRequest {
	counts := make([]int, len(stereotypes))
	for i, s := range stereotypes {
		counts[i] = s.Count
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var taken []*data.SessionRequest
	remaining := q.queue[:0:0]
	for _, req := range q.queue {
		if len(taken) < q.opts.BatchSize && takeSlot(stereotypes, counts, req) {
			taken = append(taken, req)
			continue
		}
		remaining = append(remaining, req)
	}
	q.queue = remaining
	return taken
}

func takeSlot(stereotypes []data.StereotypeCount, counts []int, req *data.SessionRequest) bool {
	for _, caps := range req.DesiredCapabilities {
		for i, s := range stereotypes {
			if counts[i] > 0 && data.Matches(s.Stereotype, caps) {
				counts[i]--
				return true
			}
		}
	}
	return false
}

// Complete hands the outcome of a request to its caller. It returns false if
// the caller is gone, in which case a session created for the request must be
// stopped.
func (q *LocalNewSessionQueue) Complete(id data.RequestID, resp *data.CreateSessionResponse, err error) bool {
	p := q.untrack(id)
	if p == nil {
		return false
	}
	p.done <- result{resp: resp, err: err}
	return true
}

// ClearQueue fails every request waiting in the deque and returns how many
// there were.
func (q *LocalNewSessionQueue) ClearQueue() int {
	q.mu.Lock()
	cleared := q.queue
	q.queue = nil
	var ps []*pending
	for _, r := range cleared {
		if p, ok := q.requests[r.RequestID]; ok {
			delete(q.requests, r.RequestID)
			ps = append(ps, p)
		}
	}
	q.mu.Unlock()

	for _, p := range ps {
		p.done <- result{err: notCreated(ErrQueueCleared)}
	}
	if len(ps) > 0 {
		q.opts.Logger.Info("session queue cleared", zap.Int("requests", len(ps)))
	}
	return len(ps)
}

// Contents returns the requests waiting in the deque, front first.
func (q *LocalNewSessionQueue) Contents() []data.SessionRequestCapability {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]data.SessionRequestCapability, 0, len(q.queue))
	for _, r := range q.queue {
		out = append(out, data.SessionRequestCapability{RequestID: r.RequestID, DesiredCapabilities: r.DesiredCapabilities})
	}
	return out
}

// Len returns the number of requests waiting in the deque.
func (q *LocalNewSessionQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.queue)
}

func (q *LocalNewSessionQueue) purgeLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.TimeoutCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.purgeTimedOut()
		}
	}
}

// purgeTimedOut fails the tracked requests older than the request timeout.
func (q *LocalNewSessionQueue) purgeTimedOut() {
	now := q.opts.Now()
	q.mu.RLock()
	var expired []data.RequestID
	for id, p := range q.requests {
		if now.Sub(p.req.EnqueuedAt) >= q.opts.RequestTimeout {
			expired = append(expired, id)
		}
	}
	q.mu.RUnlock()

	for _, id := range expired {
		if q.Complete(id, nil, notCreated(ErrRequestTimedOut)) {
			q.opts.Logger.Info("session request timed out", zap.String("request", string(id)))
		}
	}
}

// Close stops the timeout purge and fails every tracked request.
func (q *LocalNewSessionQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	ps := q.requests
	q.requests = make(map[data.RequestID]*pending)
	q.queue = nil
	q.mu.Unlock()

	close(q.stop)
	q.wg.Wait()
	for _, p := range ps {
		p.done <- result{err: notCreated(ErrQueueClosed)}
	}
}
