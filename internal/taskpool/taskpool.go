// Package taskpool runs CPU-bound text, parsing, and compression work
// on long-lived background workers so the session control flow never
// blocks. Workers are grouped by pool type; submissions prefer an idle
// worker of the requested type, fall back to an idle general worker,
// and otherwise queue FIFO on the requested pool.
package taskpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PoolType selects the worker group a task prefers.
type PoolType string

const (
	TextProcessing PoolType = "textProcessing"
	Compression    PoolType = "compression"
	Parsing        PoolType = "parsing"
	General        PoolType = "general"
)

var (
	// ErrTaskTimeout rejects a task whose timeout fired before a
	// worker finished it. The worker keeps running; its result is
	// discarded.
	ErrTaskTimeout = errors.New("taskpool: task timed out")

	// ErrTaskExecution wraps a failure inside the operation itself.
	ErrTaskExecution = errors.New("taskpool: task execution failed")

	// ErrUnknownOperation rejects a submit for an unregistered
	// operation name.
	ErrUnknownOperation = errors.New("taskpool: unknown operation")

	// ErrPoolClosed rejects submissions and pending tasks after
	// Close.
	ErrPoolClosed = errors.New("taskpool: pool closed")
)

// Result is what a completion handle resolves to: the operation's
// output or an error, never both.
type Result struct {
	Data []byte
	Err  error
}

// Handle tracks one submitted task until it completes or times out.
type Handle struct {
	id   uint64
	done chan Result
}

// ID returns the task's monotonically increasing id.
func (h *Handle) ID() uint64 { return h.id }

// Done returns a channel that yields exactly one Result.
func (h *Handle) Done() <-chan Result { return h.done }

// Wait blocks until the task resolves or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) ([]byte, error) {
	select {
	case r := <-h.done:
		return r.Data, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// task is the internal unit of work. settle fires exactly once, from
// either the worker or the timeout timer.
type task struct {
	id        uint64
	pool      PoolType
	operation string
	payload   []byte

	timer  *time.Timer
	settle sync.Once
	done   chan Result
}

func (t *task) resolve(data []byte, err error) {
	t.settle.Do(func() {
		if t.timer != nil {
			t.timer.Stop()
		}
		t.done <- Result{Data: data, Err: err}
	})
}

// workerSlot is the dispatcher's view of one worker goroutine.
type workerSlot struct {
	pool         PoolType
	busy         bool
	tasksHandled uint64
	tasks        chan *task
}

// Config sizes the worker groups. Zero values take the defaults.
type Config struct {
	TextWorkers        int
	CompressionWorkers int
	ParsingWorkers     int
	GeneralWorkers     int
}

// Default worker counts per pool type.
const (
	DefaultTextWorkers        = 2
	DefaultCompressionWorkers = 2
	DefaultParsingWorkers     = 1
	DefaultGeneralWorkers     = 2
)

// Pool dispatches tasks across typed worker groups.
type Pool struct {
	mu      sync.Mutex
	workers []*workerSlot
	queues  map[PoolType][]*task
	nextID  uint64
	closed  bool

	// Cumulative execution-time average across all completed tasks.
	completed uint64
	totalMs   float64

	inflight map[uint64]*task
	wg       sync.WaitGroup
	log      *slog.Logger
}

// New starts the worker goroutines and returns a ready pool.
func New(cfg Config) *Pool {
	if cfg.TextWorkers <= 0 {
		cfg.TextWorkers = DefaultTextWorkers
	}
	if cfg.CompressionWorkers <= 0 {
		cfg.CompressionWorkers = DefaultCompressionWorkers
	}
	if cfg.ParsingWorkers <= 0 {
		cfg.ParsingWorkers = DefaultParsingWorkers
	}
	if cfg.GeneralWorkers <= 0 {
		cfg.GeneralWorkers = DefaultGeneralWorkers
	}

	p := &Pool{
		queues:   make(map[PoolType][]*task),
		inflight: make(map[uint64]*task),
		log:      slog.Default().With("component", "taskpool"),
	}

	add := func(poolType PoolType, n int) {
		for i := 0; i < n; i++ {
			slot := &workerSlot{pool: poolType, tasks: make(chan *task, 1)}
			p.workers = append(p.workers, slot)
			p.wg.Add(1)
			go p.runWorker(slot)
		}
	}
	add(TextProcessing, cfg.TextWorkers)
	add(Compression, cfg.CompressionWorkers)
	add(Parsing, cfg.ParsingWorkers)
	add(General, cfg.GeneralWorkers)

	return p
}

// Submit schedules operation on a worker of poolType, falling back to
// the general pool and then to the pool's FIFO queue. The returned
// handle resolves within timeout or rejects with ErrTaskTimeout.
func (p *Pool) Submit(poolType PoolType, operation string, payload []byte, timeout time.Duration) (*Handle, error) {
	if _, ok := operations[operation]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	p.nextID++
	t := &task{
		id:        p.nextID,
		pool:      poolType,
		operation: operation,
		payload:   payload,
		done:      make(chan Result, 1),
	}
	p.inflight[t.id] = t

	t.timer = time.AfterFunc(timeout, func() {
		p.mu.Lock()
		delete(p.inflight, t.id)
		p.removeQueued(t)
		p.mu.Unlock()
		p.log.Debug("task timed out", "id", t.id, "operation", t.operation, "timeout", timeout)
		t.resolve(nil, fmt.Errorf("%w: task %d (%s) after %v", ErrTaskTimeout, t.id, t.operation, timeout))
	})

	if slot := p.idleWorker(poolType); slot != nil {
		p.dispatchLocked(slot, t)
	} else if slot := p.idleWorker(General); slot != nil {
		p.dispatchLocked(slot, t)
	} else {
		p.queues[poolType] = append(p.queues[poolType], t)
	}
	p.mu.Unlock()

	return &Handle{id: t.id, done: t.done}, nil
}

// idleWorker returns an idle worker of the given pool type, or nil.
// Caller holds p.mu.
func (p *Pool) idleWorker(poolType PoolType) *workerSlot {
	for _, slot := range p.workers {
		if slot.pool == poolType && !slot.busy {
			return slot
		}
	}
	return nil
}

// dispatchLocked hands t to slot. Caller holds p.mu.
func (p *Pool) dispatchLocked(slot *workerSlot, t *task) {
	slot.busy = true
	slot.tasks <- t
}

// removeQueued drops t from its pool queue if it is still waiting.
// Caller holds p.mu.
func (p *Pool) removeQueued(t *task) {
	queue := p.queues[t.pool]
	for i, queued := range queue {
		if queued.id == t.id {
			p.queues[t.pool] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

// runWorker executes tasks from slot.tasks until the channel closes.
func (p *Pool) runWorker(slot *workerSlot) {
	defer p.wg.Done()
	for t := range slot.tasks {
		start := time.Now()
		data, err := p.execute(t)
		p.finish(slot, t, data, err, time.Since(start))
	}
}

// execute runs the task's operation, converting a panic inside the
// operation into a task-level error so the worker survives.
func (p *Pool) execute(t *task) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: task %d (%s): panic: %v", ErrTaskExecution, t.id, t.operation, r)
		}
	}()
	data, opErr := operations[t.operation](t.payload)
	if opErr != nil {
		return nil, fmt.Errorf("%w: task %d (%s): %v", ErrTaskExecution, t.id, t.operation, opErr)
	}
	return data, nil
}

// finish resolves the task, returns the worker to the idle set, and
// pulls the next queued task of the worker's own pool type.
func (p *Pool) finish(slot *workerSlot, t *task, data []byte, err error, elapsed time.Duration) {
	t.resolve(data, err)

	p.mu.Lock()
	delete(p.inflight, t.id)
	slot.busy = false
	slot.tasksHandled++
	p.completed++
	p.totalMs += float64(elapsed.Milliseconds())

	if queue := p.queues[slot.pool]; len(queue) > 0 && !p.closed {
		next := queue[0]
		p.queues[slot.pool] = queue[1:]
		p.dispatchLocked(slot, next)
	}
	p.mu.Unlock()
}

// Close rejects all queued and in-flight handles and stops the
// workers. In-flight operations run to completion; their results are
// discarded.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	var pending []*task
	for poolType, queue := range p.queues {
		pending = append(pending, queue...)
		p.queues[poolType] = nil
	}
	for _, t := range p.inflight {
		pending = append(pending, t)
	}
	p.inflight = make(map[uint64]*task)

	for _, slot := range p.workers {
		close(slot.tasks)
	}
	p.mu.Unlock()

	for _, t := range pending {
		t.resolve(nil, ErrPoolClosed)
	}
	p.wg.Wait()
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Workers        int
	BusyWorkers    int
	QueuedTasks    int
	CompletedTasks uint64
	AverageMs      float64
}

// Stats returns a snapshot of worker occupancy and throughput.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Workers: len(p.workers), CompletedTasks: p.completed}
	for _, slot := range p.workers {
		if slot.busy {
			s.BusyWorkers++
		}
	}
	for _, queue := range p.queues {
		s.QueuedTasks += len(queue)
	}
	if p.completed > 0 {
		s.AverageMs = p.totalMs / float64(p.completed)
	}
	return s
}
