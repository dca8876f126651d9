// Package queue serializes agent launch admissions. Launches are processed
// strictly first-in first-out with at most one in flight at a time; callers
// get a future that resolves when their launch completes, fails, or is
// cancelled.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/agent/models"
	"github.com/agentd/agentd/internal/common/logger"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("queue is full")
	// ErrCancelled resolves the future of a launch cancelled while pending
	ErrCancelled = errors.New("launch cancelled")
	// ErrClosed is returned on enqueue after shutdown, and resolves any
	// launches still pending at shutdown
	ErrClosed = errors.New("queue closed")
)

// Handler performs one launch. It runs on the queue's worker goroutine with
// the context passed to Start, so an in-flight launch survives its
// originator's disconnect.
type Handler func(ctx context.Context, req *v1.LaunchAgentRequest) (*models.Agent, error)

// Result is the outcome of one launch.
type Result struct {
	Agent *models.Agent
	Err   error
}

// Launch is the ticket handed back by Enqueue.
type Launch struct {
	ID       string
	Request  *v1.LaunchAgentRequest
	QueuedAt time.Time

	result chan Result
	once   sync.Once
}

// Result returns the channel the launch outcome is delivered on. The channel
// is buffered; the outcome is delivered exactly once.
func (l *Launch) Result() <-chan Result {
	return l.result
}

func (l *Launch) resolve(res Result) {
	l.once.Do(func() {
		l.result <- res
	})
}

// LaunchQueue is the FIFO admission queue. Errors from one launch never
// block or fail the ones behind it.
type LaunchQueue struct {
	mu       sync.Mutex
	pending  []*Launch
	byID     map[string]*Launch
	inFlight *Launch
	maxSize  int
	closed   bool

	handler Handler
	log     *logger.Logger
	wake    chan struct{}
	done    chan struct{}
	started bool
}

// NewLaunchQueue creates a queue with the given pending capacity. The
// in-flight launch does not count against capacity.
func NewLaunchQueue(maxSize int, handler Handler, log *logger.Logger) *LaunchQueue {
	if log == nil {
		log = logger.Default()
	}
	return &LaunchQueue{
		pending: make([]*Launch, 0),
		byID:    make(map[string]*Launch),
		maxSize: maxSize,
		handler: handler,
		log:     log.WithComponent("launch-queue"),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the worker goroutine. The context bounds all handler
// invocations; cancelling it stops the worker after the current launch.
func (q *LaunchQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	go q.run(ctx)
}

// Enqueue admits a launch request. It returns immediately with a ticket whose
// Result channel resolves when this request reaches the head of the queue and
// its launch finishes.
func (q *LaunchQueue) Enqueue(req *v1.LaunchAgentRequest) (*Launch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	if q.maxSize > 0 && len(q.pending) >= q.maxSize {
		return nil, ErrQueueFull
	}

	launch := &Launch{
		ID:       uuid.New().String(),
		Request:  req,
		QueuedAt: time.Now(),
		result:   make(chan Result, 1),
	}
	q.pending = append(q.pending, launch)
	q.byID[launch.ID] = launch

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return launch, nil
}

// Cancel removes a still-pending launch and resolves its future with
// ErrCancelled. Cancelling the in-flight launch is a no-op; both that case
// and an unknown id return false.
func (q *LaunchQueue) Cancel(id string) bool {
	q.mu.Lock()
	launch, exists := q.byID[id]
	if !exists || (q.inFlight != nil && q.inFlight.ID == id) {
		q.mu.Unlock()
		return false
	}
	for i, p := range q.pending {
		if p.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	delete(q.byID, id)
	q.mu.Unlock()

	launch.resolve(Result{Err: ErrCancelled})
	return true
}

// Len returns the number of launches waiting (not counting one in flight).
func (q *LaunchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// IsFull reports whether another Enqueue would be rejected.
func (q *LaunchQueue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxSize > 0 && len(q.pending) >= q.maxSize
}

// List returns the pending launches in queue order.
func (q *LaunchQueue) List() []*Launch {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]*Launch, len(q.pending))
	copy(result, q.pending)
	return result
}

// Close stops admitting launches and resolves everything still pending with
// ErrClosed. It returns after the worker goroutine has exited; the in-flight
// launch, if any, runs to completion first.
func (q *LaunchQueue) Close() {
	q.mu.Lock()
	started := q.started
	if q.closed {
		q.mu.Unlock()
		if started {
			<-q.done
		}
		return
	}
	q.closed = true
	drained := q.pending
	q.pending = nil
	for _, launch := range drained {
		delete(q.byID, launch.ID)
	}
	q.mu.Unlock()

	for _, launch := range drained {
		launch.resolve(Result{Err: ErrClosed})
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	if started {
		<-q.done
	}
}

// run is the worker loop. One launch at a time, strictly in enqueue order.
func (q *LaunchQueue) run(ctx context.Context) {
	defer close(q.done)
	for {
		launch := q.next()
		if launch == nil {
			if q.isClosed() {
				return
			}
			select {
			case <-ctx.Done():
				q.drain(ctx.Err())
				return
			case <-q.wake:
			}
			continue
		}

		agent, err := q.handler(ctx, launch.Request)
		if err != nil {
			q.log.Debug("launch failed",
				zap.String("launch_id", launch.ID),
				zap.Error(err))
		}

		q.mu.Lock()
		q.inFlight = nil
		delete(q.byID, launch.ID)
		q.mu.Unlock()

		launch.resolve(Result{Agent: agent, Err: err})
	}
}

func (q *LaunchQueue) next() *Launch {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	launch := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.inFlight = launch
	return launch
}

func (q *LaunchQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// drain resolves every pending launch with err. Used when the worker context
// is cancelled out from under the queue.
func (q *LaunchQueue) drain(err error) {
	q.mu.Lock()
	q.closed = true
	drained := q.pending
	q.pending = nil
	for _, launch := range drained {
		delete(q.byID, launch.ID)
	}
	q.mu.Unlock()

	for _, launch := range drained {
		launch.resolve(Result{Err: err})
	}
}
