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
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/backpacking/backpacking/internal/imaging"
	"go.n16f.net/thumbhash"
	"go.uber.org/zap"
)

// DefaultWebPQuality is used when no quality is configured.
const DefaultWebPQuality = 80

// Variant is one produced output file of a picture.
type Variant struct {
	DeviceClass DeviceClass  `json:"device_class"`
	Scale       int          `json:"scale"`
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	Format      RasterFormat `json:"format"`

	// Path relative to the picture folder: "<deviceClass>/<file>".
	Path string `json:"path"`

	// Public URL path, filled in when a picture is handed out.
	URL string `json:"url,omitempty"`
}

// Rendition is the outcome of generating the variants of one original.
type Rendition struct {
	// Pixel size of the original, after orientation is applied.
	Width  int
	Height int

	// Aspect-ratio-prefixed thumbhash of the original.
	Thumbhash []byte

	// Variants per device class, in format order. Every device class has
	// an entry; a format that could not be produced in any format is
	// missing from its list.
	Variants map[DeviceClass][]Variant
}

// Count returns the total number of variants.
func (r *Rendition) Count() int {
	var n int
	for _, vs := range r.Variants {
		n += len(vs)
	}
	return n
}

// VariantGenerator derives the device-targeted variants of an original.
type VariantGenerator struct {
	storage  *Storage
	pool     *WorkerPool
	encoder  Encoder
	quality  int
	fallback RasterFormat
	log      *zap.Logger

	formats []ClassFormats
	decode  func(string) (image.Image, error)
}

// NewVariantGenerator returns a generator that runs its tasks on pool,
// encodes WebP with encoder at quality, and falls back to fallback when
// the encoder fails.
func NewVariantGenerator(storage *Storage, pool *WorkerPool, encoder Encoder, quality int, fallback RasterFormat, logger *zap.Logger) *VariantGenerator {
	if quality < 0 || quality > 100 {
		quality = DefaultWebPQuality
	}
	if fallback == FormatWebP {
		fallback = FormatJPEG
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VariantGenerator{
		storage:  storage,
		pool:     pool,
		encoder:  encoder,
		quality:  quality,
		fallback: fallback,
		log:      logger,
		formats:  DefaultFormats,
		decode:   decodeOriented,
	}
}

// UseFormats replaces the format matrix, DefaultFormats unless set.
// It must be called before the generator is used.
func (g *VariantGenerator) UseFormats(formats []ClassFormats) {
	g.formats = formats
}

// Generate produces every variant of folder/originalFilename that does
// not exist yet, and returns all of them. Files already on disk are
// reused as-is, so running it again over the same folder only fills in
// what is missing. It returns once every task has finished.
func (g *VariantGenerator) Generate(ctx context.Context, folder, originalFilename string) (*Rendition, error) {
	start := time.Now()
	defer func() { generateDuration.Observe(time.Since(start).Seconds()) }()

	logger := g.log.With(zap.String("folder", folder))

	cache := &imageCache{decode: g.decode}
	srcPath := g.storage.FullPath(path.Join(folder, originalFilename))

	img, err := cache.get(srcPath)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()

	rendition := &Rendition{
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Thumbhash: computeThumbhash(img),
		Variants:  make(map[DeviceClass][]Variant, len(g.formats)),
	}

	dirs := make(map[DeviceClass]string, len(g.formats))
	for _, cf := range g.formats {
		dir, err := g.storage.CreateSubdirectory(folder, string(cf.Class))
		if err != nil {
			return nil, err
		}
		dirs[cf.Class] = dir
	}

	// one slot per format, so list order never depends on completion order
	var mu sync.Mutex
	slots := make(map[DeviceClass][]*Variant, len(g.formats))
	for _, cf := range g.formats {
		slots[cf.Class] = make([]*Variant, len(cf.Formats))
	}

	var wg sync.WaitGroup
	var submitErr error

submit:
	for _, cf := range g.formats {
		for i, spec := range cf.Formats {
			wg.Add(1)
			err := g.pool.Submit(ctx, func(ctx context.Context) {
				defer wg.Done()
				v, ok := g.renderVariant(ctx, logger, cache, srcPath, dirs[cf.Class], cf.Class, spec)
				if !ok {
					return
				}
				mu.Lock()
				slots[cf.Class][i] = &v
				mu.Unlock()
			})
			if err != nil {
				wg.Done()
				submitErr = err
				break submit
			}
		}
	}

	wg.Wait()

	if submitErr != nil {
		return nil, fmt.Errorf("%w: scheduling variant tasks: %w", ErrUnavailable, submitErr)
	}

	for _, cf := range g.formats {
		list := make([]Variant, 0, len(cf.Formats))
		for _, v := range slots[cf.Class] {
			if v != nil {
				list = append(list, *v)
			}
		}
		rendition.Variants[cf.Class] = list
	}

	logger.Info("generated variants",
		zap.Int("variants", rendition.Count()),
		zap.Int("width", rendition.Width),
		zap.Int("height", rendition.Height),
		zap.Duration("duration", time.Since(start)))

	return rendition, nil
}

// renderVariant produces one format of one device class. It reports
// false if neither WebP nor the fallback format could be produced.
func (g *VariantGenerator) renderVariant(ctx context.Context, logger *zap.Logger, cache *imageCache,
	srcPath, dir string, class DeviceClass, spec FormatSpec) (Variant, bool) {
	img, err := cache.get(srcPath)
	if err != nil {
		logger.Error("loading original for variant failed", zap.Error(err))
		variantsTotal.WithLabelValues(string(class), outcomeDropped).Inc()
		return Variant{}, false
	}
	b := img.Bounds()
	w, h := imaging.CalculateDimensions(b.Dx(), b.Dy(), spec.Width, spec.Height)

	variant := func(format RasterFormat) Variant {
		return Variant{
			DeviceClass: class,
			Scale:       spec.Scale,
			Width:       w,
			Height:      h,
			Format:      format,
			Path:        path.Join(string(class), VariantFilename(class, spec, format)),
		}
	}

	webp := variant(FormatWebP)
	webpPath := filepath.Join(dir, filepath.Base(webp.Path))
	if FileExists(webpPath) {
		variantsTotal.WithLabelValues(string(class), outcomeSkipped).Inc()
		return webp, true
	}

	var prepared image.Image
	if class == Icon {
		prepared = imaging.CropCenterSquare(img, w)
	} else {
		prepared = imaging.Resize(img, w, h)
	}

	err = g.encodeWebP(ctx, prepared, webpPath)
	if err == nil {
		variantsTotal.WithLabelValues(string(class), outcomeProduced).Inc()
		return webp, true
	}
	logger.Debug("webp encoding failed; falling back",
		zap.String("variant", webp.Path),
		zap.String("fallback", g.fallback.Ext()),
		zap.Error(err))

	fb := variant(g.fallback)
	fbPath := filepath.Join(dir, filepath.Base(fb.Path))
	if FileExists(fbPath) {
		variantsTotal.WithLabelValues(string(class), outcomeSkipped).Inc()
		return fb, true
	}

	switch g.fallback {
	case FormatPNG:
		err = SavePNG(prepared, fbPath)
	default:
		err = SaveJPEG(prepared, fbPath, g.quality)
	}
	if err != nil {
		logger.Error("fallback encoding failed; variant dropped",
			zap.String("variant", fb.Path),
			zap.Error(err))
		variantsTotal.WithLabelValues(string(class), outcomeDropped).Inc()
		return Variant{}, false
	}

	variantsTotal.WithLabelValues(string(class), outcomeFallback).Inc()
	return fb, true
}

// encodeWebP writes prepared to a temporary JPEG and hands that to the
// encoder. The temporary file is always removed.
func (g *VariantGenerator) encodeWebP(ctx context.Context, prepared image.Image, output string) error {
	tmp, err := os.CreateTemp(g.storage.TempDir(), "variant-*.jpg")
	if err != nil {
		return fmt.Errorf("%w: creating temporary raster: %w", ErrStorageFailure, err)
	}
	defer os.Remove(tmp.Name())

	err = jpeg.Encode(tmp, prepared, &jpeg.Options{Quality: g.quality})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: writing temporary raster: %w", ErrEncodingFailure, err)
	}

	if err := g.encoder.EncodeWebP(ctx, tmp.Name(), output, g.quality); err != nil {
		return err
	}
	if !FileExists(output) {
		return fmt.Errorf("%w: encoder reported success but wrote no output", ErrEncodingFailure)
	}
	return nil
}

// imageCache remembers the most recently decoded image. It belongs to
// one Generate call and is shared by that call's tasks.
type imageCache struct {
	mu     sync.Mutex
	key    string
	img    image.Image
	decode func(string) (image.Image, error)
}

func (c *imageCache) get(p string) (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.img != nil && c.key == p {
		return c.img, nil
	}
	img, err := c.decode(p)
	if err != nil {
		return nil, err
	}
	c.key, c.img = p, img
	return img, nil
}

// decodeOriented decodes the image at p and rotates it upright according
// to its EXIF orientation, if it has one.
func decodeOriented(p string) (image.Image, error) {
	img, err := ReadImage(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return img, nil
	}
	defer f.Close()
	md, err := ReadMetadata(f)
	if err != nil {
		return img, nil
	}
	return imaging.Orient(img, ExtractOrientation(md)), nil
}

// computeThumbhash returns a thumbhash of img prefixed with the exact
// aspect ratio as a big-endian float32; thumbhash alone only recovers
// an approximation of it.
func computeThumbhash(img image.Image) []byte {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil
	}
	const maxDimension = 100
	small := img
	if b.Dx() > maxDimension || b.Dy() > maxDimension {
		w, h := maxDimension, maxDimension
		if b.Dx() >= b.Dy() {
			h = max(1, int(math.Round(float64(b.Dy())*maxDimension/float64(b.Dx()))))
		} else {
			w = max(1, int(math.Round(float64(b.Dx())*maxDimension/float64(b.Dy()))))
		}
		small = imaging.Resize(img, w, h)
	}
	aspectRatio := float32(b.Dx()) / float32(b.Dy())
	return append(float32ToByte(aspectRatio), thumbhash.EncodeImage(small)...)
}

func float32ToByte(f float32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], math.Float32bits(f))
	return buf[:]
}
