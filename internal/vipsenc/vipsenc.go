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

// Package vipsenc encodes WebP in-process with libvips, as an
// alternative to running ffmpeg for every variant.
package vipsenc

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/backpacking/backpacking/journal"
	"github.com/cshum/vipsgen/vips"
)

var (
	startOnce sync.Once
	started   atomic.Bool
)

// Startup initializes libvips. It is called lazily by the encoder and
// is safe to call more than once.
func Startup() {
	startOnce.Do(func() {
		vips.Startup(nil)
		started.Store(true)
	})
}

// Shutdown releases libvips if it was started. Call it once, when the
// process is exiting.
func Shutdown() {
	if started.Load() {
		vips.Shutdown()
	}
}

// Encoder is a journal.Encoder backed by libvips.
type Encoder struct {
	// libwebp effort, 0 (fast) to 6 (slow, smallest)
	Effort int
}

// EncodeWebP loads input and saves it as a lossy WebP at output. The
// image is written next to output and renamed into place on success.
func (e Encoder) EncodeWebP(ctx context.Context, input, output string, quality int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", journal.ErrEncodingFailure, err)
	}
	Startup()

	img, err := vips.NewImageFromFile(input, nil)
	if err != nil {
		return fmt.Errorf("%w: loading %s: %w", journal.ErrEncodingFailure, input, err)
	}
	defer img.Close()

	effort := e.Effort
	if effort < 0 || effort > 6 {
		effort = journal.DefaultCompressionLevel
	}

	part := output + ".part"
	err = img.Webpsave(part, &vips.WebpsaveOptions{
		Q:        max(0, min(quality, 100)),
		Lossless: false,
		Effort:   effort,
	})
	if err != nil {
		os.Remove(part)
		return fmt.Errorf("%w: saving webp: %w", journal.ErrEncodingFailure, err)
	}
	if err := os.Rename(part, output); err != nil {
		os.Remove(part)
		return fmt.Errorf("%w: moving webp into place: %w", journal.ErrEncodingFailure, err)
	}
	return nil
}

var _ journal.Encoder = Encoder{}
