package ingestion

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/octup/fulfillment-core/core"
	"github.com/octup/fulfillment-core/domain"
)

// DefaultQueueCapacity and DefaultWorkerCount are the bounded follow-up
// queue's defaults, spec.md §5: capacity 10,000, drop-and-log on
// overflow, a fixed worker pool modeled on the teacher's
// AsyncTaskConfig.WorkerCount default.
const (
	DefaultQueueCapacity = 10000
	DefaultWorkerCount   = 5
)

// FollowUpKind distinguishes the two kinds of post-ingest background
// work the orchestrator defers off the request path.
type FollowUpKind string

const (
	FollowUpClassify FollowUpKind = "classify"
	FollowUpResolve  FollowUpKind = "resolve"
)

// FollowUpTask is one unit of deferred work, carrying just enough to
// re-fetch current state rather than a stale snapshot.
type FollowUpTask struct {
	ID           string
	Kind         FollowUpKind
	Tenant       string
	OrderID      string
	ExceptionID  string
	ReasonCode   domain.ReasonCode
	RawOrderData map[string]interface{}
	EnqueuedAt   time.Time
}

// FollowUpHandler processes one task. Errors are the handler's own
// responsibility to log or DLQ; the queue itself never inspects them.
type FollowUpHandler func(ctx context.Context, task FollowUpTask)

// FollowUpQueue is the bounded in-memory channel spec.md §5 describes:
// producers never block on a full queue, they drop and log. This
// replaces the teacher's Redis-backed core.TaskQueue — that abstraction
// models a durable, cross-process task queue, which is more machinery
// than post-ingest follow-up work needs or than the spec's "drop instead
// of block" semantics permit (see DESIGN.md).
type FollowUpQueue struct {
	ch      chan FollowUpTask
	workers int
	handler FollowUpHandler
	logger  core.Logger

	dropped uint64
	wg      sync.WaitGroup
}

// NewFollowUpQueue builds a queue with the given buffer capacity and
// worker pool size. A zero/negative value picks the spec default.
func NewFollowUpQueue(capacity, workers int, handler FollowUpHandler, logger core.Logger) *FollowUpQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if workers <= 0 {
		workers = DefaultWorkerCount
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &FollowUpQueue{
		ch:      make(chan FollowUpTask, capacity),
		workers: workers,
		handler: handler,
		logger:  logger,
	}
}

// Start spawns the worker pool. Workers exit as soon as ctx is canceled
// (tasks still buffered are not processed), or once Stop has closed the
// channel and it has drained. Each handler receives ctx itself; no
// per-task deadline is applied.
func (q *FollowUpQueue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

func (q *FollowUpQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case task, ok := <-q.ch:
			if !ok {
				return
			}
			q.handler(ctx, task)
		case <-ctx.Done():
			return
		}
	}
}

// TrySend enqueues task without blocking, reporting whether it was
// accepted. A full queue drops the task, increments the dropped
// counter, and logs at Warn — this is REDESIGN FLAG R1's target
// behavior: never let follow-up backpressure slow event ingestion.
func (q *FollowUpQueue) TrySend(task FollowUpTask) bool {
	select {
	case q.ch <- task:
		return true
	default:
		atomic.AddUint64(&q.dropped, 1)
		q.logger.Warn("follow-up queue full, dropping task", map[string]interface{}{
			"kind":   string(task.Kind),
			"tenant": task.Tenant,
			"order_id": task.OrderID,
		})
		return false
	}
}

// Dropped returns the number of tasks dropped since construction.
func (q *FollowUpQueue) Dropped() uint64 {
	return atomic.LoadUint64(&q.dropped)
}

// Stop closes the channel and waits for in-flight workers to finish
// draining it. Callers must stop enqueuing before calling Stop.
func (q *FollowUpQueue) Stop() {
	close(q.ch)
	q.wg.Wait()
}
