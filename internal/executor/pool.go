package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"wikimetrics/internal/logger"
	"wikimetrics/internal/telemetry"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 1024
	defaultRetention = time.Hour
	minSweepInterval = time.Second
)

// Config sizes a Pool.
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	// Retention is how long terminal units stay queryable by handle.
	Retention time.Duration
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
}

type task struct {
	handle Handle
	unit   Unit
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	status    Status
	value     any
	err       error
	cancelled bool
	submitted time.Time
	started   time.Time
	finished  time.Time
}

func (t *task) info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	in := Info{
		Handle:     t.handle,
		Unit:       t.unit.Name(),
		Status:     t.status,
		Submitted:  t.submitted,
		CancelSent: t.cancelled,
	}
	if t.err != nil {
		in.Error = t.err.Error()
	}
	if !t.started.IsZero() {
		s := t.started
		in.Started = &s
	}
	if !t.finished.IsZero() {
		f := t.finished
		in.Finished = &f
	}
	return in
}

// Pool is an in-process Executor backed by a fixed set of worker goroutines.
type Pool struct {
	cfg     Config
	log     logger.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	queue chan *task

	mu      sync.RWMutex
	tasks   map[Handle]*task
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Executor = (*Pool)(nil)

// NewPool builds a stopped pool; call Start before submitting.
func NewPool(cfg Config, log logger.Logger, metrics *telemetry.Metrics) *Pool {
	cfg.setDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		log:     log.With(logger.String("pool", cfg.Name)),
		metrics: metrics,
		now:     time.Now,
		queue:   make(chan *task, cfg.QueueSize),
		tasks:   make(map[Handle]*task),
	}
}

// Start launches the workers. Starting a running pool is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.running = true
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	p.wg.Add(1)
	go p.sweep()
	p.log.Info("Executor started", logger.Int("workers", p.cfg.Workers), logger.Int("queue_size", p.cfg.QueueSize))
}

// Stop cancels running units, fails queued ones with ErrStopped and waits for workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	for {
		select {
		case t := <-p.queue:
			p.finish(t, nil, ErrStopped)
		default:
			p.log.Info("Executor stopped")
			return
		}
	}
}

// Submit enqueues u and returns its handle without waiting for it to run.
func (p *Pool) Submit(ctx context.Context, u Unit) (Handle, error) {
	if u == nil {
		return "", errors.New("unit is nil")
	}
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return "", ErrStopped
	}
	tctx, cancel := context.WithCancel(p.ctx)
	t := &task{
		handle:    Handle(uuid.NewString()),
		unit:      u,
		ctx:       tctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusPending,
		submitted: p.now(),
	}
	p.tasks[t.handle] = t
	poolCtx := p.ctx
	p.mu.Unlock()

	select {
	case p.queue <- t:
		if poolCtx.Err() != nil {
			// lost the race with Stop; the drain may have missed it
			p.finish(t, nil, ErrStopped)
			return "", ErrStopped
		}
		p.setQueueDepth()
		p.log.Debug("Unit submitted", logger.String("handle", string(t.handle)), logger.String("unit", u.Name()))
		return t.handle, nil
	case <-ctx.Done():
		p.forget(t.handle)
		cancel()
		return "", ctx.Err()
	case <-poolCtx.Done():
		p.forget(t.handle)
		cancel()
		return "", ErrStopped
	}
}

// Status returns the current status of h.
func (p *Pool) Status(h Handle) (Status, error) {
	t, err := p.lookup(h)
	if err != nil {
		return StatusPending, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, nil
}

// Info returns a snapshot of h.
func (p *Pool) Info(h Handle) (Info, error) {
	t, err := p.lookup(h)
	if err != nil {
		return Info{}, err
	}
	return t.info(), nil
}

// Result blocks until h is terminal. A non-positive timeout waits as long as ctx allows.
func (p *Pool) Result(ctx context.Context, h Handle, timeout time.Duration) (any, error) {
	t, err := p.lookup(h)
	if err != nil {
		return nil, err
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.value, t.err
	case <-expired:
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, h, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cancellation of h. It never waits for the unit to stop.
func (p *Pool) Cancel(h Handle) error {
	t, err := p.lookup(h)
	if err != nil {
		return err
	}
	t.mu.Lock()
	terminal := t.status.Terminal()
	if !terminal {
		t.cancelled = true
	}
	t.mu.Unlock()
	if !terminal {
		t.cancel()
		p.log.Info("Cancellation requested", logger.String("handle", string(h)), logger.String("unit", t.unit.Name()))
	}
	return nil
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.queue:
			p.setQueueDepth()
			p.execute(t)
		}
	}
}

func (p *Pool) execute(t *task) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		p.finish(t, nil, context.Canceled)
		return
	}
	t.status = StatusStarted
	t.started = p.now()
	t.mu.Unlock()

	value, err := p.run(t)
	p.finish(t, value, err)
}

func (p *Pool) run(t *task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Unit: t.unit.Name(), Value: r}
		}
	}()
	return t.unit.Run(t.ctx)
}

func (p *Pool) finish(t *task, value any, err error) {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.value = value
	t.err = err
	t.finished = p.now()
	if err != nil {
		t.status = StatusFailure
	} else {
		t.status = StatusSuccess
	}
	status := t.status
	t.mu.Unlock()
	t.cancel()
	close(t.done)

	if p.metrics != nil {
		p.metrics.UnitsFinished.WithLabelValues(p.cfg.Name, string(status)).Inc()
	}
	if err != nil {
		p.log.Warn("Unit failed", logger.String("handle", string(t.handle)), logger.String("unit", t.unit.Name()), logger.Error(err))
		return
	}
	p.log.Debug("Unit succeeded", logger.String("handle", string(t.handle)), logger.String("unit", t.unit.Name()))
}

func (p *Pool) sweep() {
	defer p.wg.Done()
	interval := p.cfg.Retention / 2
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.expire(p.now().Add(-p.cfg.Retention))
		}
	}
}

// expire drops terminal units that finished before cutoff.
func (p *Pool) expire(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for h, t := range p.tasks {
		t.mu.Lock()
		old := t.status.Terminal() && t.finished.Before(cutoff)
		t.mu.Unlock()
		if old {
			delete(p.tasks, h)
			removed++
		}
	}
	return removed
}

func (p *Pool) lookup(h Handle) (*task, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tasks[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return t, nil
}

func (p *Pool) forget(h Handle) {
	p.mu.Lock()
	delete(p.tasks, h)
	p.mu.Unlock()
}

func (p *Pool) setQueueDepth() {
	if p.metrics != nil {
		p.metrics.QueueDepth.WithLabelValues(p.cfg.Name).Set(float64(len(p.queue)))
	}
}
