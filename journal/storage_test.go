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
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/backpacking/backpacking/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStorage(filepath.Join(dir, "uploads"), filepath.Join(dir, "tmp"))
	require.NoError(t, err)
	return s
}

func TestCreateTemporaryFile(t *testing.T) {
	s := newTestStorage(t)

	p, err := s.CreateTemporaryFile(strings.NewReader("hello"), "../../etc/My Photo.JPG")
	require.NoError(t, err)
	defer os.Remove(p)

	assert.Equal(t, s.TempDir(), filepath.Dir(p))
	assert.True(t, strings.HasPrefix(filepath.Base(p), "upload-"))
	assert.True(t, strings.HasSuffix(p, "MyPhoto.JPG"), p)

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestStoreOriginal(t *testing.T) {
	s := newTestStorage(t)
	s.now = func() time.Time { return time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC) }

	tmp, err := s.CreateTemporaryFile(bytes.NewReader([]byte("pixels")), "a.jpg")
	require.NoError(t, err)
	defer os.Remove(tmp)

	folder, filename, err := s.StoreOriginal(tmp, ".JPG")
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^2024-03-09/[0-9a-f-]{36}$`), folder)
	assert.Equal(t, "original.jpg", filename)

	data, err := os.ReadFile(s.FullPath(folder + "/" + filename))
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))

	// every call gets its own folder
	folder2, _, err := s.StoreOriginal(tmp, "jpg")
	require.NoError(t, err)
	assert.NotEqual(t, folder, folder2)

	_, _, err = s.StoreOriginal(tmp, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeleteDirectory(t *testing.T) {
	s := newTestStorage(t)

	tmp, err := s.CreateTemporaryFile(strings.NewReader("x"), "a.png")
	require.NoError(t, err)
	defer os.Remove(tmp)
	folder, _, err := s.StoreOriginal(tmp, "png")
	require.NoError(t, err)
	_, err = s.CreateSubdirectory(folder, string(Icon))
	require.NoError(t, err)

	deleted, err := s.DeleteDirectory(folder)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, FileExists(s.FullPath(folder)))

	deleted, err = s.DeleteDirectory(folder)
	require.NoError(t, err)
	assert.False(t, deleted, "deleting a missing folder should report false")

	for _, bad := range []string{"", ".", "..", "../outside", "a/../../b", "/etc"} {
		_, err := s.DeleteDirectory(bad)
		assert.ErrorIs(t, err, ErrInvalidInput, "folder %q", bad)
	}
	assert.True(t, FileExists(s.Root()), "root must survive")
}

func TestSaveAndReadImage(t *testing.T) {
	s := newTestStorage(t)
	img := testhelpers.Gradient(20, 10)

	jpgPath := filepath.Join(s.Root(), "x.jpg")
	require.NoError(t, SaveJPEG(img, jpgPath, 80))
	pngPath := filepath.Join(s.Root(), "x.png")
	require.NoError(t, SavePNG(img, pngPath))

	for _, p := range []string{jpgPath, pngPath} {
		got, err := ReadImage(p)
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 20, 10), got.Bounds())

		if runtime.GOOS != "windows" {
			info, err := os.Stat(p)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0644), info.Mode().Perm(), "saved files must be world-readable: %s", p)
		}
	}

	f, err := os.Open(pngPath)
	require.NoError(t, err)
	_, err = png.Decode(f)
	f.Close()
	require.NoError(t, err)

	f, err = os.Open(jpgPath)
	require.NoError(t, err)
	_, err = jpeg.DecodeConfig(f)
	f.Close()
	require.NoError(t, err)

	// no temp files left next to the outputs
	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestReadImageRejectsGarbage(t *testing.T) {
	s := newTestStorage(t)
	p := filepath.Join(s.Root(), "bad.jpg")
	require.NoError(t, os.WriteFile(p, []byte("not an image"), 0644))

	_, err := ReadImage(p)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ReadImage(filepath.Join(s.Root(), "missing.jpg"))
	assert.ErrorIs(t, err, ErrStorageFailure)
}

func TestSaveFailureLeavesNothing(t *testing.T) {
	s := newTestStorage(t)
	p := filepath.Join(s.Root(), "missing-dir", "x.png")
	err := SavePNG(testhelpers.Gradient(2, 2), p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorageFailure))
	assert.False(t, FileExists(p))
}
