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
	"fmt"
	"image"
	_ "image/gif" // register decoders for ReadImage
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "golang.org/x/image/webp" // register the webp decoder
)

// OriginalBaseName is the file name (without extension) every stored
// original gets inside its picture folder.
const OriginalBaseName = "original"

// Storage places uploads and their variants under an upload root:
//
//	<root>/<YYYY-MM-DD>/<uuid>/original.<ext>
//	<root>/<YYYY-MM-DD>/<uuid>/<deviceClass>/...
//
// Folder paths handed to and returned by Storage are relative to the
// root and always use forward slashes.
type Storage struct {
	root    string
	tempDir string
	now     func() time.Time
}

// NewStorage returns a Storage rooted at root, creating it if needed.
// If tempDir is empty, the OS temp directory is used.
func NewStorage(root, tempDir string) (*Storage, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving upload root %s: %w", ErrStorageFailure, root, err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating upload root: %w", ErrStorageFailure, err)
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	} else if err := os.MkdirAll(tempDir, 0700); err != nil {
		return nil, fmt.Errorf("%w: creating temp dir: %w", ErrStorageFailure, err)
	}
	return &Storage{root: absRoot, tempDir: tempDir, now: time.Now}, nil
}

// Root returns the absolute upload root.
func (s *Storage) Root() string { return s.root }

// TempDir returns the directory temporary upload files are written to.
func (s *Storage) TempDir() string { return s.tempDir }

// FullPath returns the file system path for a root-relative path. It
// converts forward slashes in the input to the file system path separator.
func (s *Storage) FullPath(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// CreateTemporaryFile writes r to a new file in the temp dir and returns
// its path. The caller is responsible for removing it.
func (s *Storage) CreateTemporaryFile(r io.Reader, originalName string) (string, error) {
	base := safeFilename(filepath.Base(originalName))
	f, err := os.CreateTemp(s.tempDir, "upload-*-"+base)
	if err != nil {
		return "", fmt.Errorf("%w: creating temporary file: %w", ErrStorageFailure, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: writing temporary file: %w", ErrStorageFailure, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: closing temporary file: %w", ErrStorageFailure, err)
	}
	return f.Name(), nil
}

// StoreOriginal copies the file at tempPath into a new dated folder as
// original.<ext>. It returns the root-relative folder and the file name.
func (s *Storage) StoreOriginal(tempPath, ext string) (folder, filename string, err error) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" {
		return "", "", fmt.Errorf("%w: original needs a file extension", ErrInvalidInput)
	}

	folder = path.Join(s.now().Format(time.DateOnly), uuid.NewString())
	filename = OriginalBaseName + "." + ext

	dir := s.FullPath(folder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("%w: creating picture folder: %w", ErrStorageFailure, err)
	}

	src, err := os.Open(tempPath)
	if err != nil {
		return "", "", fmt.Errorf("%w: opening temporary file: %w", ErrStorageFailure, err)
	}
	defer src.Close()

	dstPath := filepath.Join(dir, filename)
	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", "", fmt.Errorf("%w: creating original: %w", ErrStorageFailure, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", "", fmt.Errorf("%w: copying original: %w", ErrStorageFailure, err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", "", fmt.Errorf("%w: syncing original: %w", ErrStorageFailure, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return "", "", fmt.Errorf("%w: closing original: %w", ErrStorageFailure, err)
	}

	return folder, filename, nil
}

// CreateSubdirectory ensures folder/name exists and returns its full path.
func (s *Storage) CreateSubdirectory(folder, name string) (string, error) {
	dir := s.FullPath(path.Join(folder, name))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: creating %s: %w", ErrStorageFailure, dir, err)
	}
	return dir, nil
}

// FileExists reports whether a file exists at the full path p.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// DeleteDirectory recursively deletes a root-relative folder. It returns
// false, without error, if the folder does not exist.
func (s *Storage) DeleteDirectory(folder string) (bool, error) {
	dir, err := s.contained(folder)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(dir); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("%w: checking %s: %w", ErrStorageFailure, folder, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("%w: deleting %s: %w", ErrStorageFailure, folder, err)
	}
	return true, nil
}

// contained resolves folder against the root and rejects anything that
// is the root itself or lies outside it.
func (s *Storage) contained(folder string) (string, error) {
	if folder == "" || filepath.IsAbs(filepath.FromSlash(folder)) {
		return "", fmt.Errorf("%w: folder %q must be relative to the upload root", ErrInvalidInput, folder)
	}
	dir := s.FullPath(folder)
	rel, err := filepath.Rel(s.root, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: folder %q is outside the upload root", ErrInvalidInput, folder)
	}
	return dir, nil
}

// ReadImage decodes the image at the full path p. Every call decodes
// from disk; callers that need reuse must cache the result themselves.
func ReadImage(p string) (image.Image, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("%w: opening image: %w", ErrStorageFailure, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", ErrInvalidInput, filepath.Base(p), err)
	}
	return img, nil
}

// SaveJPEG encodes img as a JPEG at the given quality (1-100) to p.
func SaveJPEG(img image.Image, p string, quality int) error {
	quality = max(1, min(quality, 100))
	return saveAtomically(p, func(w io.Writer) error {
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	})
}

// SavePNG encodes img as a PNG to p.
func SavePNG(img image.Image, p string) error {
	return saveAtomically(p, func(w io.Writer) error {
		return png.Encode(w, img)
	})
}

// saveAtomically writes to a sibling temp file and renames it to p, so
// p either does not exist or is complete.
func saveAtomically(p string, encode func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrStorageFailure, p, err)
	}
	tmpName := tmp.Name()
	if err := encode(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: encoding %s: %w", ErrEncodingFailure, filepath.Base(p), err)
	}
	// CreateTemp makes the file owner-only; variants are served by others
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: setting mode of %s: %w", ErrStorageFailure, p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: closing %s: %w", ErrStorageFailure, p, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: moving %s into place: %w", ErrStorageFailure, p, err)
	}
	return nil
}

// safeFilename strips characters that don't belong in a temp file name;
// the result is never empty.
func safeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return -1
	}, name)
	name = strings.Trim(name, ".")
	if name == "" {
		return "upload"
	}
	const maxLen = 64
	if len(name) > maxLen {
		name = name[len(name)-maxLen:]
	}
	return name
}
