// Package worker runs keyed tasks on a fixed set of goroutines. Tasks sharing a
// key always land on the same shard and run one at a time in submission order.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// ErrStopped is returned when submitting to a pool whose context is done.
var ErrStopped = errors.New("worker pool stopped")

// Task is a unit of work bound to a key.
type Task func(ctx context.Context)

// Pool manages a fixed number of shard goroutines.
type Pool struct {
	shards []chan Task
	log    *zap.Logger

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a pool with the given number of shards, each with its own
// buffered queue.
func NewPool(shards, queueSize int, logger *zap.Logger) *Pool {
	if shards < 1 {
		shards = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	p := &Pool{
		shards: make([]chan Task, shards),
		log:    logger.Named("worker"),
		quit:   make(chan struct{}),
	}
	for i := range p.shards {
		p.shards[i] = make(chan Task, queueSize)
	}
	return p
}

// Start launches the shard goroutines. They exit once ctx is done; queued tasks
// that have not started are discarded.
func (p *Pool) Start(ctx context.Context) {
	for i := range p.shards {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	go func() {
		<-ctx.Done()
		p.stopOnce.Do(func() { close(p.quit) })
	}()
}

// Wait blocks until every shard goroutine has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	p.log.Debug("shard started", zap.Int("shard", id))
	for {
		select {
		case task := <-p.shards[id]:
			p.run(ctx, id, task)
		case <-ctx.Done():
			p.log.Debug("shard shutting down", zap.Int("shard", id))
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", zap.Int("shard", id), zap.Any("panic", r))
		}
	}()
	task(ctx)
}

func (p *Pool) shardFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(p.shards)))
}

// Submit queues task on the shard owning key. It blocks while that shard's
// queue is full.
func (p *Pool) Submit(ctx context.Context, key string, task Task) error {
	select {
	case <-p.quit:
		return ErrStopped
	default:
	}

	select {
	case p.shards[p.shardFor(key)] <- task:
		return nil
	case <-p.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the shard owning key and waits for its result. fn receives the
// caller's context.
func (p *Pool) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	err := p.Submit(ctx, key, func(context.Context) {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.New("task panicked")
				panic(r)
			}
		}()
		done <- fn(ctx)
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-p.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
