// Package dispatch runs submitted tasks on a fixed set of worker goroutines.
//
// Tasks wait in an unbounded FIFO queue, so Submit never blocks and never
// drops work. Once Stop or Close begins, every later Submit is rejected, while
// tasks accepted before that are still run to completion.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/gammazero/channelqueue"
	"github.com/rs/zerolog"
)

// Task is a unit of work run on a worker goroutine.
type Task func()

// Pool is a fixed-size worker pool fed by an unbounded queue.
type Pool struct {
	workers int
	queue   *channelqueue.ChannelQueue[Task]
	metrics *Metrics
	logger  zerolog.Logger
	wg      sync.WaitGroup

	// lifecycleMu guards started and stopped, and is held around every send
	// so that no task is sent after the queue input is closed.
	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	done        chan struct{}
}

// NewPool creates a pool with the given number of workers. A count below one
// is raised to one.
func NewPool(workers int, logger zerolog.Logger, opts ...Option) (*Pool, error) {
	if workers < 1 {
		workers = 1
	}
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	metrics, err := newMetrics(cfg.registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register dispatch metrics: %w", err)
	}
	return &Pool{
		workers: workers,
		queue:   channelqueue.New[Task](-1),
		metrics: metrics,
		logger:  logger.With().Str("component", "Dispatcher").Logger(),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the workers. When ctx ends the pool stops accepting tasks,
// as if Stop had been called, and the workers drain what was accepted.
func (p *Pool) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.started {
		return ErrPoolAlreadyStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	p.started = true

	p.logger.Info().Int("worker_count", p.workers).Msg("Starting dispatch workers...")
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			p.closeQueue()
		case <-p.done:
		}
	}()
	return nil
}

// Submit queues task. It fails with ErrPoolNotStarted before Start and with
// ErrPoolStopped once Stop has begun.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return ErrNilTask
	}
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		p.metrics.rejected.Inc()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.metrics.rejected.Inc()
		return ErrPoolStopped
	}
	p.queue.In() <- task
	p.metrics.submitted.Inc()
	p.metrics.queueDepth.Set(float64(p.queue.Len()))
	return nil
}

// Len returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Len() int {
	return p.queue.Len()
}

// Stop rejects further submissions and waits until every accepted task has
// run, or until ctx ends. On timeout the workers keep draining in the
// background. Stop is idempotent. A task must not call Stop on its own pool;
// it would wait for itself. Use Close there.
func (p *Pool) Stop(ctx context.Context) error {
	p.logger.Info().Msg("Stopping dispatcher...")
	started := p.closeQueue()
	if !started {
		return nil
	}

	select {
	case <-p.done:
		p.logger.Info().Msg("All dispatch workers completed gracefully.")
		return nil
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Int("queued", p.queue.Len()).Msg("Timeout waiting for dispatch workers to finish.")
		return ctx.Err()
	}
}

// Close rejects further submissions without waiting for the workers. Tasks
// already accepted still run. Close is idempotent and safe to call from a
// task.
func (p *Pool) Close() {
	p.closeQueue()
}

// closeQueue marks the pool stopped and closes the queue input once. It
// reports whether the pool had been started.
//
// A started pool also gains one drain worker, so queued tasks keep running
// even while every regular worker is blocked inside a task.
func (p *Pool) closeQueue() bool {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if !p.stopped {
		p.stopped = true
		close(p.queue.In())
		if p.started {
			// The regular workers are still counted, so this Add cannot race
			// the Wait that closes done.
			p.wg.Add(1)
			go p.worker(p.workers)
		}
	}
	return p.started
}

func (p *Pool) worker(workerID int) {
	defer p.wg.Done()
	p.logger.Debug().Int("worker_id", workerID).Msg("Dispatch worker started.")
	for task := range p.queue.Out() {
		p.metrics.queueDepth.Set(float64(p.queue.Len()))
		p.run(workerID, task)
	}
	p.logger.Debug().Int("worker_id", workerID).Msg("Queue closed, worker exiting.")
}

func (p *Pool) run(workerID int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.panicked.Inc()
			p.logger.Error().Int("worker_id", workerID).Interface("panic", r).Msg("Task panicked, worker continues.")
		}
	}()
	task()
	p.metrics.completed.Inc()
}
