/*
	Backpacking
	Copyright (c) 2025 The Backpacking Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package journal

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultShutdownGrace is how long Shutdown waits for running tasks
// before cancelling them.
const DefaultShutdownGrace = 800 * time.Millisecond

// WorkerPool is a fixed set of goroutines that run variant tasks. One
// pool is shared by every ingestion in the process.
type WorkerPool struct {
	size    int
	tasks   chan poolTask
	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	log     *zap.Logger

	// cancelled when running tasks must stop
	ctx    context.Context
	cancel context.CancelFunc
}

type poolTask struct {
	ctx context.Context
	run func(context.Context)
}

// NewWorkerPool starts size workers, or one per CPU if size <= 0.
func NewWorkerPool(size int, logger *zap.Logger) *WorkerPool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		size:    size,
		tasks:   make(chan poolTask),
		closing: make(chan struct{}),
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	p.wg.Add(size)
	for range size {
		go p.worker()
	}
	return p
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int { return p.size }

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			p.runTask(t)
		case <-p.closing:
			return
		}
	}
}

func (p *WorkerPool) runTask(t poolTask) {
	ctx, cancel := context.WithCancel(t.ctx)
	stop := context.AfterFunc(p.ctx, cancel)
	defer func() {
		stop()
		cancel()
		workerPoolBusy.Dec()
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			buf = buf[:runtime.Stack(buf, false)]
			p.log.Error("panic in variant task",
				zap.Any("error", r),
				zap.ByteString("stack", buf))
		}
	}()
	workerPoolBusy.Inc()
	t.run(ctx)
}

// Submit hands run to an idle worker, blocking until one accepts it, ctx
// is done, or the pool is shut down (ErrPoolClosed). run receives a
// context that is cancelled when either ctx is cancelled or the pool
// force-terminates its tasks.
func (p *WorkerPool) Submit(ctx context.Context, run func(context.Context)) error {
	select {
	case <-p.closing:
		return ErrPoolClosed
	default:
	}
	select {
	case p.tasks <- poolTask{ctx: ctx, run: run}:
		return nil
	case <-p.closing:
		return ErrPoolClosed
	case <-ctx.Done():
		return fmt.Errorf("submitting task: %w", ctx.Err())
	}
}

// Shutdown stops accepting tasks and waits up to grace for running tasks
// to finish. After that, their contexts are cancelled (which kills any
// encoder process) and Shutdown waits for the workers to exit. It
// returns true if the tasks drained without being cancelled. It is safe
// to call more than once.
func (p *WorkerPool) Shutdown(grace time.Duration) bool {
	p.once.Do(func() { close(p.closing) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		return true
	case <-timer.C:
		p.log.Warn("variant tasks still running after grace period; cancelling",
			zap.Duration("grace", grace))
		p.cancel()
		<-done
		return false
	}
}
