package worker

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Task is one unit of work run on a pool goroutine. The context is cancelled
// when the pool is stopped past its deadline.
type Task func(ctx context.Context)

// Pool runs tasks on at most size goroutines. Submit blocks while every slot
// is busy, so a saturated pool slows producers down instead of dropping work.
type Pool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	once   sync.Once

	mu     sync.RWMutex
	closed bool
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{sem: make(chan struct{}, size), ctx: ctx, cancel: cancel, quit: make(chan struct{})}
}

// Submit waits for a free slot and starts t on it. It returns ctx.Err() if
// ctx ends first and ErrPoolClosed after Stop.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolClosed
	}

	p.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("worker task panicked")
			}
			<-p.sem
			p.wg.Done()
		}()
		t(p.ctx)
	}()
	return nil
}

// Busy returns the number of running tasks.
func (p *Pool) Busy() int { return len(p.sem) }

func (p *Pool) Size() int { return cap(p.sem) }

// Stop refuses new work and waits for running tasks. When ctx expires first
// the tasks' context is cancelled and Stop waits for them to return.
func (p *Pool) Stop(ctx context.Context) error {
	p.once.Do(func() { close(p.quit) })

	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		log.Warn().Int("busy", p.Busy()).Msg("worker pool shutdown timed out, cancelling tasks")
		p.cancel()
		<-done
		return ctx.Err()
	}
}
