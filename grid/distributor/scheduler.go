package distributor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wanmail/selenium-grid/grid/data"
	"github.com/wanmail/selenium-grid/grid/events"
)

// Queue is the part of the new session queue the scheduler uses.
type Queue interface {
	GetNextAvailable(stereotypes []data.StereotypeCount) []*data.SessionRequest
	RetryAddToQueue(req *data.SessionRequest) bool
	Remove(id data.RequestID) (*data.SessionRequest, bool)
	Complete(id data.RequestID, resp *data.CreateSessionResponse, err error) bool
	Contents() []data.SessionRequestCapability
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Queue       Queue
	Distributor *Distributor
	Bus         events.Bus
	// Workers is the number of sessions created concurrently.
	Workers int
	// PollInterval is the period at which the queue is checked without being
	// woken up by an event.
	PollInterval time.Duration
	// RetryInterval is the first wait before a request that failed with a
	// retryable error goes back to the queue.
	RetryInterval time.Duration
	// MaxRetryInterval caps the growing wait between retries.
	MaxRetryInterval time.Duration
	// RejectUnsupportedCaps fails requests no registered node can serve
	// instead of leaving them queued until they time out.
	RejectUnsupportedCaps bool
	Logger                *zap.Logger
}

// Scheduler hands queued requests to the distributor.
type Scheduler struct {
	opts SchedulerOptions
	sem  *semaphore.Weighted
	wake chan struct{}
	subs []uint64

	mu      sync.Mutex
	retries map[data.RequestID]*backoff.ExponentialBackOff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler returns a stopped scheduler.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 15 * time.Second
	}
	if opts.MaxRetryInterval < opts.RetryInterval {
		opts.MaxRetryInterval = 4 * opts.RetryInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Scheduler{
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
		wake:    make(chan struct{}, 1),
		retries: make(map[data.RequestID]*backoff.ExponentialBackOff),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start runs the scheduling loop until Stop is called.
func (s *Scheduler) Start() {
	if s.opts.Bus != nil {
		wake := func(events.Event) { s.Wake() }
		for _, t := range []string{events.TypeNewSessionRequest, events.TypeNodeAdded, events.TypeSessionClosed} {
			s.subs = append(s.subs, s.opts.Bus.Subscribe(t, wake))
		}
	}
	s.wg.Add(1)
	go s.run()
}

// Wake makes the scheduler look at the queue now.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-t.C:
		}
		s.schedule()
	}
}

// schedule starts a worker for every queued request a free slot can serve.
func (s *Scheduler) schedule() {
	if s.opts.RejectUnsupportedCaps {
		s.rejectUnsupported()
	}
	stereotypes := s.opts.Distributor.AvailableStereotypes()
	if len(stereotypes) == 0 {
		return
	}
	batch := s.opts.Queue.GetNextAvailable(stereotypes)
	for i, req := range batch {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			// Shutting down: hand the rest of the batch back in its order.
			for j := len(batch) - 1; j >= i; j-- {
				s.opts.Queue.RetryAddToQueue(batch[j])
			}
			return
		}
		s.wg.Add(1)
		go s.handle(req)
	}
}

func (s *Scheduler) rejectUnsupported() {
	for _, c := range s.opts.Queue.Contents() {
		if s.opts.Distributor.IsSupported(c.DesiredCapabilities) {
			continue
		}
		if _, ok := s.opts.Queue.Remove(c.RequestID); !ok {
			continue
		}
		s.opts.Logger.Info("rejecting request no node supports", zap.String("request", string(c.RequestID)))
		s.opts.Queue.Complete(c.RequestID, nil, &data.SessionNotCreatedError{
			Message: "No nodes support the capabilities in the request",
		})
	}
}

func (s *Scheduler) handle(req *data.SessionRequest) {
	defer s.wg.Done()
	logger := s.opts.Logger.With(zap.String("request", string(req.RequestID)))

	resp, err := s.opts.Distributor.NewSession(s.ctx, req)
	s.sem.Release(1)

	if err != nil && data.IsRetryable(err) && s.ctx.Err() == nil {
		wait := s.nextRetry(req.RequestID)
		logger.Debug("retrying request", zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-s.ctx.Done():
		case <-time.After(wait):
		}
		if s.opts.Queue.RetryAddToQueue(req) {
			s.Wake()
			return
		}
		// The caller gave up while we waited.
		s.forget(req.RequestID)
		return
	}

	s.forget(req.RequestID)
	if err != nil && s.ctx.Err() != nil {
		err = &data.SessionNotCreatedError{Message: "the grid is shutting down", Cause: err}
	}
	if !s.opts.Queue.Complete(req.RequestID, resp, err) && err == nil {
		logger.Info("nobody waits for the session any more, stopping it", zap.String("session", string(resp.Session.ID)))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.opts.Distributor.StopSession(ctx, resp.Session); err != nil {
			logger.Warn("stopping orphaned session", zap.Error(err))
		}
	}
	s.Wake()
}

func (s *Scheduler) nextRetry(id data.RequestID) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.retries[id]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = s.opts.RetryInterval
		b.MaxInterval = s.opts.MaxRetryInterval
		// The queue's request timeout bounds the retries.
		b.MaxElapsedTime = 0
		b.Reset()
		s.retries[id] = b
	}
	return b.NextBackOff()
}

func (s *Scheduler) forget(id data.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retries, id)
}

// Stop ends the scheduling loop and waits for the running workers.
func (s *Scheduler) Stop() {
	for _, id := range s.subs {
		s.opts.Bus.Unsubscribe(id)
	}
	s.cancel()
	s.wg.Wait()
}
