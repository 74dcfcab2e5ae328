// Package workerpool runs tasks on a fixed set of workers. Tasks that share
// a key always run on the same worker, in submission order.
package workerpool

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("worker pool stopped")

// Task is a unit of work.
type Task struct {
	Key string
	Run func(ctx context.Context) error
	// Done, when set, receives the final outcome after retries.
	Done func(error)
}

// Config holds pool settings.
type Config struct {
	Workers int
	// QueueSize is the buffer per worker.
	QueueSize  int
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns pool defaults.
func DefaultConfig() Config {
	return Config{
		Workers:    8,
		QueueSize:  256,
		MaxRetries: 0,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Pool is a keyed worker pool.
type Pool struct {
	config Config
	logger *zap.Logger
	queues []chan Task
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New creates a pool. Workers start immediately.
func New(cfg Config, logger *zap.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config: cfg,
		logger: logger,
		queues: make([]chan Task, cfg.Workers),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range p.queues {
		p.queues[i] = make(chan Task, cfg.QueueSize)
		p.wg.Add(1)
		go p.worker(i, p.queues[i])
	}
	return p
}

// Submit queues t, blocking while the worker's queue is full.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	q := p.queues[p.slot(t.Key)]
	select {
	case q <- t:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) slot(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Stop drains queued tasks and waits for the workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	p.logger.Debug("worker pool stopped")
}

func (p *Pool) worker(id int, q <-chan Task) {
	defer p.wg.Done()
	for t := range q {
		err := p.run(t)
		if err != nil {
			p.failed.Add(1)
			p.logger.Debug("task failed", zap.Int("worker", id), zap.String("key", t.Key), zap.Error(err))
		} else {
			p.completed.Add(1)
		}
		if t.Done != nil {
			t.Done(err)
		}
	}
}

func (p *Pool) run(t Task) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = t.Run(p.ctx); err == nil || attempt >= p.config.MaxRetries {
			return err
		}
		p.retried.Add(1)
		select {
		case <-p.ctx.Done():
			return err
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Retried   int64
	Queued    int
	Workers   int
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	queued := 0
	for _, q := range p.queues {
		queued += len(q)
	}
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Retried:   p.retried.Load(),
		Queued:    queued,
		Workers:   p.config.Workers,
	}
}
