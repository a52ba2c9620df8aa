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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Encoder turns a raster file into a WebP file. Implementations report
// every failure as an error and never panic; callers fall back to a
// raster format on any error.
type Encoder interface {
	EncodeWebP(ctx context.Context, input, output string, quality int) error
}

// Encoder defaults. DefaultEncoderTimeout applies when no timeout is
// set; DefaultCompressionLevel replaces levels outside 0-6.
const (
	DefaultEncoderTimeout   = 15 * time.Second
	DefaultCompressionLevel = 6
)

// FFmpegEncoder encodes WebP by running ffmpeg with libwebp.
type FFmpegEncoder struct {
	// Path to the ffmpeg binary; "ffmpeg" (resolved via $PATH) if empty.
	Path string

	// How long one encode may run before it is killed.
	Timeout time.Duration

	// libwebp compression effort, 0 (fast) to 6 (slow, smallest). The
	// zero value is the fastest level; callers normally set
	// DefaultCompressionLevel.
	CompressionLevel int

	// Number of encoder threads; all CPUs if 0.
	Threads int

	Logger *zap.Logger
}

// EncodeWebP runs ffmpeg; the output file is overwritten. On failure
// the (possibly partial) output is removed and an error wrapping
// ErrEncodingFailure or ErrEncoderTimeout is returned.
func (e FFmpegEncoder) EncodeWebP(ctx context.Context, input, output string, quality int) error {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultEncoderTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.binary(), e.args(input, output, quality)...)
	stderr := &cappedBuffer{max: 4096}
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	if err == nil {
		return nil
	}

	os.Remove(output)

	msg := strings.TrimSpace(stderr.String())
	if e.Logger != nil {
		e.Logger.Debug("ffmpeg failed",
			zap.String("input", input),
			zap.Duration("duration", time.Since(start)),
			zap.String("stderr", msg),
			zap.Error(err))
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		encoderFailuresTotal.WithLabelValues("timeout").Inc()
		return fmt.Errorf("%w: ffmpeg ran longer than %s", ErrEncoderTimeout, timeout)
	}
	encoderFailuresTotal.WithLabelValues("error").Inc()
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrEncodingFailure, ctx.Err())
	}
	if msg != "" {
		return fmt.Errorf("%w: ffmpeg: %w: %s", ErrEncodingFailure, err, msg)
	}
	return fmt.Errorf("%w: ffmpeg: %w", ErrEncodingFailure, err)
}

func (e FFmpegEncoder) binary() string {
	if e.Path == "" {
		return "ffmpeg"
	}
	return e.Path
}

func (e FFmpegEncoder) args(input, output string, quality int) []string {
	threads := e.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	level := e.CompressionLevel
	if level < 0 || level > 6 {
		level = DefaultCompressionLevel
	}
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", input,
		"-c:v", "libwebp",
		"-quality", strconv.Itoa(max(0, min(quality, 100))),
		"-lossless", "0",
		"-compression_level", strconv.Itoa(level),
		"-preset", "picture",
		"-threads", strconv.Itoa(threads),
		"-y",
		output,
	}
}

// cappedBuffer keeps at most max bytes of what is written to it.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string { return c.buf.String() }

// BreakerEncoder wraps an Encoder in a circuit breaker. After a run of
// consecutive failures it rejects encodes without calling the wrapped
// encoder until the cooldown elapses, then lets one trial through.
type BreakerEncoder struct {
	next Encoder
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerEncoder trips after failures consecutive failures and stays
// open for cooldown.
func NewBreakerEncoder(next Encoder, failures uint32, cooldown time.Duration, logger *zap.Logger) *BreakerEncoder {
	if failures == 0 {
		failures = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "webp-encoder",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// caller cancellation says nothing about the encoder
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("encoder circuit changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &BreakerEncoder{next: next, cb: cb}
}

// EncodeWebP calls the wrapped encoder unless the circuit is open.
func (b *BreakerEncoder) EncodeWebP(ctx context.Context, input, output string, quality int) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.EncodeWebP(ctx, input, output, quality)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		encoderFailuresTotal.WithLabelValues("open_circuit").Inc()
		return fmt.Errorf("%w: %w", ErrEncodingFailure, err)
	}
	return err
}

// State returns the breaker state ("closed", "half-open" or "open").
func (b *BreakerEncoder) State() string { return b.cb.State().String() }
