package pool

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"docpipe/internal/transform"
)

// Executor runs a single transform. transform.Registry implements it.
type Executor interface {
	Execute(ctx context.Context, kind transform.Kind, in transform.Input) (transform.Output, error)
}

type Options struct {
	// Units is the fixed number of execution units. <= 0 means DefaultUnits.
	Units int
	// QueueDepth bounds tasks waiting for a unit. <= 0 means defaultQueueDepth.
	QueueDepth int
	// TaskTimeout rejects a running task and replaces its unit. 0 disables it.
	TaskTimeout time.Duration
}

const defaultQueueDepth = 256

// DefaultUnits is a small multiple of the available hardware parallelism.
func DefaultUnits() int { return 2 * runtime.NumCPU() }

type Stats struct {
	Units     int    `json:"units"`
	Busy      int    `json:"busy"`
	Queued    int    `json:"queued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timed_out"`
}

// Pool runs transforms on a fixed roster of execution units. The queue and
// the roster are owned by a single coordinator goroutine; callers and units
// talk to it over channels.
type Pool struct {
	exec Executor
	opts Options

	submitCh  chan submitRequest
	doneCh    chan unitResult
	timeoutCh chan unitTimeout
	statsCh   chan chan Stats
	closeCh   chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

type submitRequest struct {
	handle *Handle
	reply  chan error
}

type unitResult struct {
	unit   int
	handle *Handle
	out    transform.Output
	err    error
}

type unitTimeout struct {
	unit   int
	handle *Handle
}

// unit is coordinator-side bookkeeping for one execution unit goroutine.
type unit struct {
	id    int
	work  chan *Handle
	task  *Handle
	timer *time.Timer
}

// New starts the coordinator and all execution units.
func New(exec Executor, opts Options) *Pool {
	if opts.Units <= 0 {
		opts.Units = DefaultUnits()
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	p := &Pool{
		exec:      exec,
		opts:      opts,
		submitCh:  make(chan submitRequest),
		doneCh:    make(chan unitResult),
		timeoutCh: make(chan unitTimeout),
		statsCh:   make(chan chan Stats),
		closeCh:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	c := &coordinator{pool: p, units: make(map[int]*unit, opts.Units)}
	for i := 0; i < opts.Units; i++ {
		c.idle = append(c.idle, c.spawn())
	}
	go c.run()
	log.Debug().Int("units", opts.Units).Int("queue_depth", opts.QueueDepth).Msg("execution pool started")
	return p
}

// Units returns the configured roster size.
func (p *Pool) Units() int { return p.opts.Units }

// Submit queues a task and returns its completion handle. It fails
// immediately with ErrCapacity when no unit is idle and the queue is full.
// The payload is shared with the executing unit, not copied; callers must
// not mutate it afterwards.
func (p *Pool) Submit(ctx context.Context, kind transform.Kind, in transform.Input) (*Handle, error) {
	h := newHandle(uuid.NewString(), kind, in)
	req := submitRequest{handle: h, reply: make(chan error, 1)}
	select {
	case p.submitCh <- req:
	case <-p.stopped:
		h.cancel()
		return nil, ErrClosed
	case <-ctx.Done():
		h.cancel()
		return nil, ctx.Err()
	}
	if err := <-req.reply; err != nil {
		h.cancel()
		return nil, err
	}
	return h, nil
}

// Stats returns a point-in-time view of the pool.
func (p *Pool) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case p.statsCh <- reply:
		return <-reply
	case <-p.stopped:
		return Stats{Units: p.opts.Units}
	}
}

// Close stops accepting tasks, rejects queued ones with ErrClosed and waits
// for running tasks to finish or ctx to end.
// Returns true if the pool drained, false if ctx ended first.
func (p *Pool) Close(ctx context.Context) bool {
	p.closeOnce.Do(func() { close(p.closeCh) })
	select {
	case <-p.stopped:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pool) runUnit(id int, work <-chan *Handle) {
	for h := range work {
		out, err := p.execute(h)
		select {
		case p.doneCh <- unitResult{unit: id, handle: h, out: out, err: err}:
		case <-p.stopped:
			return
		}
	}
}

func (p *Pool) execute(h *Handle) (out transform.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("task_id", h.id).
				Str("kind", h.kind.String()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("transform panicked")
			out, err = transform.Output{}, fmt.Errorf("panic: %v", r)
		}
	}()
	return p.exec.Execute(h.ctx, h.kind, h.input)
}

type coordinator struct {
	pool     *Pool
	units    map[int]*unit
	idle     []*unit
	queue    []*Handle
	nextUnit int
	closing  bool
	stats    Stats
}

func (c *coordinator) spawn() *unit {
	u := &unit{id: c.nextUnit, work: make(chan *Handle, 1)}
	c.nextUnit++
	c.units[u.id] = u
	go c.pool.runUnit(u.id, u.work)
	return u
}

func (c *coordinator) run() {
	p := c.pool
	defer close(p.stopped)

	closeCh := p.closeCh
	for {
		if c.closing && len(c.idle) == len(c.units) {
			for _, u := range c.units {
				close(u.work)
			}
			log.Debug().Msg("execution pool stopped")
			return
		}

		select {
		case req := <-p.submitCh:
			req.reply <- c.enqueue(req.handle)
		case res := <-p.doneCh:
			c.finish(res)
		case to := <-p.timeoutCh:
			c.expire(to)
		case reply := <-p.statsCh:
			c.dropAbandoned()
			s := c.stats
			s.Units = len(c.units)
			s.Busy = len(c.units) - len(c.idle)
			s.Queued = len(c.queue)
			reply <- s
		case <-closeCh:
			closeCh = nil
			c.closing = true
			for _, h := range c.queue {
				h.reject(ErrClosed)
				h.cancel()
			}
			c.queue = nil
		}
		c.dispatch()
	}
}

func (c *coordinator) enqueue(h *Handle) error {
	if c.closing {
		return ErrClosed
	}
	if len(c.idle) == 0 && len(c.queue) >= c.pool.opts.QueueDepth {
		c.dropAbandoned()
	}
	if len(c.idle) == 0 && len(c.queue) >= c.pool.opts.QueueDepth {
		log.Warn().Str("kind", h.kind.String()).Int("queued", len(c.queue)).Msg("rejecting task: queue is full")
		return ErrCapacity
	}
	c.queue = append(c.queue, h)
	return nil
}

// dropAbandoned removes queued tasks whose caller gave up on them.
func (c *coordinator) dropAbandoned() {
	kept := c.queue[:0]
	for _, h := range c.queue {
		if h.isAbandoned() {
			h.cancel()
			continue
		}
		kept = append(kept, h)
	}
	clear(c.queue[len(kept):])
	c.queue = kept
}

// dispatch hands queued tasks to idle units in FIFO order.
func (c *coordinator) dispatch() {
	for len(c.idle) > 0 && len(c.queue) > 0 {
		h := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		if h.isAbandoned() {
			h.cancel()
			continue
		}

		u := c.idle[len(c.idle)-1]
		c.idle = c.idle[:len(c.idle)-1]
		u.task = h
		if timeout := c.pool.opts.TaskTimeout; timeout > 0 {
			p, unitID := c.pool, u.id
			u.timer = time.AfterFunc(timeout, func() {
				select {
				case p.timeoutCh <- unitTimeout{unit: unitID, handle: h}:
				case <-p.stopped:
				}
			})
		}
		u.work <- h
	}
}

func (c *coordinator) finish(res unitResult) {
	u, ok := c.units[res.unit]
	if !ok || u.task != res.handle {
		// retired unit delivering a late result
		return
	}
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
	u.task = nil
	c.idle = append(c.idle, u)

	h := res.handle
	switch {
	case h.isAbandoned():
		log.Debug().Str("task_id", h.id).Str("kind", h.kind.String()).Msg("discarding result of abandoned task")
	case res.err != nil:
		c.stats.Failed++
		log.Debug().Str("task_id", h.id).Str("kind", h.kind.String()).Err(res.err).Msg("task failed")
		h.reject(res.err)
	default:
		c.stats.Completed++
		h.resolve(res.out, nil)
	}
	h.cancel()
}

// expire rejects a task that outlived TaskTimeout and replaces its unit.
// Transforms are not preemptible; the retired goroutine exits once the
// transform returns.
func (c *coordinator) expire(to unitTimeout) {
	u, ok := c.units[to.unit]
	if !ok || u.task != to.handle {
		return
	}
	h := u.task
	c.stats.TimedOut++
	log.Warn().
		Str("task_id", h.id).
		Str("kind", h.kind.String()).
		Int("unit", u.id).
		Dur("timeout", c.pool.opts.TaskTimeout).
		Msg("task timed out, recycling unit")
	h.reject(ErrTimeout)
	h.cancel()

	delete(c.units, u.id)
	close(u.work)
	c.idle = append(c.idle, c.spawn())
}
