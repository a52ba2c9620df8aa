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
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// smallFormats is a 4x3 matrix like DefaultFormats, but small enough
// to render quickly.
var smallFormats = []ClassFormats{
	{Desktop, []FormatSpec{{96, 0, 1}, {192, 0, 2}, {288, 0, 3}}},
	{Tablet, []FormatSpec{{64, 0, 1}, {128, 0, 2}, {192, 0, 3}}},
	{Mobile, []FormatSpec{{32, 0, 1}, {64, 0, 2}, {96, 0, 3}}},
	{Icon, []FormatSpec{{8, 8, 1}, {16, 16, 2}, {24, 24, 3}}},
}

// fakeEncoder stands in for the WebP encoder.
type fakeEncoder struct {
	fail  bool
	delay func() time.Duration
	calls atomic.Int32

	mu      sync.Mutex
	outputs []string
}

func (f *fakeEncoder) EncodeWebP(ctx context.Context, input, output string, quality int) error {
	f.calls.Add(1)
	if f.delay != nil {
		select {
		case <-time.After(f.delay()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.fail {
		return errors.Join(ErrEncodingFailure, errors.New("fake encoder always fails"))
	}
	if _, err := os.Stat(input); err != nil {
		return err
	}
	f.mu.Lock()
	f.outputs = append(f.outputs, output)
	f.mu.Unlock()
	return os.WriteFile(output, []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), 0644)
}

type testEnv struct {
	storage *Storage
	pool    *WorkerPool
	encoder *fakeEncoder
	gen     *VariantGenerator
	tempDir string
}

func newTestEnv(t *testing.T, fallback RasterFormat) *testEnv {
	t.Helper()
	root := t.TempDir()
	tempDir := filepath.Join(root, "tmp")
	storage, err := NewStorage(filepath.Join(root, "uploads"), tempDir)
	if err != nil {
		t.Fatal(err)
	}
	logger := zaptest.NewLogger(t)
	pool := NewWorkerPool(4, logger)
	t.Cleanup(func() { pool.Shutdown(time.Second) })

	enc := new(fakeEncoder)
	gen := NewVariantGenerator(storage, pool, enc, 80, fallback, logger)
	gen.formats = smallFormats

	return &testEnv{storage: storage, pool: pool, encoder: enc, gen: gen, tempDir: tempDir}
}

// storeOriginal places data in the upload root the way an ingestion does.
func (env *testEnv) storeOriginal(t *testing.T, data []byte) (folder, filename string) {
	t.Helper()
	tmp, err := env.storage.CreateTemporaryFile(bytes.NewReader(data), "photo.jpg")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp)
	folder, filename, err = env.storage.StoreOriginal(tmp, "jpg")
	if err != nil {
		t.Fatal(err)
	}
	return folder, filename
}
