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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWorkerPoolRunsTasks(t *testing.T) {
	pool := NewWorkerPool(3, zaptest.NewLogger(t))
	defer pool.Shutdown(time.Second)
	assert.Equal(t, 3, pool.Size())

	var running, peak, done atomic.Int32
	var wg sync.WaitGroup
	for range 12 {
		wg.Add(1)
		err := pool.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			done.Add(1)
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.EqualValues(t, 12, done.Load())
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestWorkerPoolDefaultsToNumCPU(t *testing.T) {
	pool := NewWorkerPool(0, nil)
	defer pool.Shutdown(time.Second)
	assert.Positive(t, pool.Size())
}

func TestWorkerPoolSubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(2, zaptest.NewLogger(t))
	assert.True(t, pool.Shutdown(time.Second))

	err := pool.Submit(context.Background(), func(context.Context) {
		t.Error("task should not run")
	})
	assert.ErrorIs(t, err, ErrPoolClosed)

	// shutting down again is harmless
	assert.True(t, pool.Shutdown(time.Second))
}

func TestWorkerPoolSubmitHonorsContext(t *testing.T) {
	pool := NewWorkerPool(1, zaptest.NewLogger(t))
	defer pool.Shutdown(time.Second)

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) { <-release }))
	defer close(release)

	// the only worker is busy, so this blocks until the context expires
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(context.Context) {})
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestWorkerPoolShutdownDrains(t *testing.T) {
	pool := NewWorkerPool(2, zaptest.NewLogger(t))

	var finished atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) {
		time.Sleep(50 * time.Millisecond)
		finished.Store(ctx.Err() == nil)
	}))

	assert.True(t, pool.Shutdown(2*time.Second), "task should finish within the grace period")
	assert.True(t, finished.Load())
}

func TestWorkerPoolShutdownCancelsAfterGrace(t *testing.T) {
	pool := NewWorkerPool(1, zaptest.NewLogger(t))

	cancelled := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}))
	<-started

	start := time.Now()
	assert.False(t, pool.Shutdown(50*time.Millisecond), "shutdown should have had to cancel the task")
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-cancelled:
	default:
		t.Fatal("task context was not cancelled")
	}
}

func TestWorkerPoolCallerCancellation(t *testing.T) {
	pool := NewWorkerPool(1, zaptest.NewLogger(t))
	defer pool.Shutdown(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	started := make(chan struct{})
	require.NoError(t, pool.Submit(ctx, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		done <- ctx.Err()
	}))
	<-started
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not observe caller cancellation")
	}
}

func TestWorkerPoolSurvivesPanics(t *testing.T) {
	pool := NewWorkerPool(1, zaptest.NewLogger(t))
	defer pool.Shutdown(time.Second)

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) { panic("boom") }))

	ran := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) { close(ran) }))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not recover from panic")
	}
}
