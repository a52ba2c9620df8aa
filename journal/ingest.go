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
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// Upload is one submitted picture.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// Ingestor turns uploads into stored pictures with all their variants.
type Ingestor struct {
	store      Store
	storage    *Storage
	generator  *VariantGenerator
	zones      TimezoneFinder
	publicPath string
	log        *zap.Logger

	// serializes changes to the same travel
	travelLocks *keyedMutex[int64]

	now func() time.Time
}

// NewIngestor returns an Ingestor. publicPath is the URL path prefix the
// upload root is served under. If zones is nil, capture times are read
// as UTC.
func NewIngestor(store Store, storage *Storage, generator *VariantGenerator, zones TimezoneFinder, publicPath string, logger *zap.Logger) *Ingestor {
	if zones == nil {
		zones = fixedZone{time.UTC}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		store:       store,
		storage:     storage,
		generator:   generator,
		zones:       zones,
		publicPath:  "/" + strings.Trim(publicPath, "/"),
		log:         logger,
		travelLocks: newKeyedMutex[int64](),
		now:         time.Now,
	}
}

// Ingest stores up as a new picture of the travel. On failure the error
// is an *IngestionError and nothing is left behind: no record, no
// picture folder, no temporary file.
func (in *Ingestor) Ingest(ctx context.Context, travelID int64, up Upload) (pic *Picture, err error) {
	start := in.now()
	logger := in.log.With(
		zap.Int64("travel_id", travelID),
		zap.String("filename", up.Filename))

	defer func() {
		var ie *IngestionError
		if errors.As(err, &ie) {
			ingestionsTotal.WithLabelValues(string(ie.State)).Inc()
			logger.Error("ingestion failed",
				zap.String("state", string(ie.State)),
				zap.String("reason", ie.Reason),
				zap.Error(ie.Err))
			return
		}
		ingestionsTotal.WithLabelValues(string(StateDone)).Inc()
	}()

	// Validating
	mediaType, _, err := mime.ParseMediaType(up.ContentType)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return nil, failed(StateValidating, ErrInvalidInput, fmt.Sprintf("not an image: %q", up.ContentType), err)
	}
	if up.Body == nil {
		return nil, failed(StateValidating, ErrInvalidInput, "empty upload", nil)
	}
	if _, err := in.store.Travel(ctx, travelID); err != nil {
		return nil, failed(StateValidating, kindOf(err), "loading travel", err)
	}
	ext := originalExtension(up.Filename, mediaType)

	h := blake3.New()
	tmpPath, err := in.storage.CreateTemporaryFile(io.TeeReader(up.Body, h), up.Filename)
	if err != nil {
		return nil, failed(StateValidating, ErrStorageFailure, "buffering upload", err)
	}
	defer os.Remove(tmpPath)
	contentHash := h.Sum(nil)

	// ExtractingMetadata
	fix, captured, err := in.readMetadata(tmpPath)
	if err != nil {
		return nil, failed(StateExtractingMetadata, ErrMissingGeoMetadata, ErrMissingGeoMetadata.Error(), err)
	}

	// Storing
	folder, filename, err := in.storage.StoreOriginal(tmpPath, ext)
	if err != nil {
		return nil, failed(StateStoring, kindOf(err), "storing original", err)
	}
	logger = logger.With(zap.String("folder", folder))

	persisted := false
	defer func() {
		if persisted {
			return
		}
		if _, derr := in.storage.DeleteDirectory(folder); derr != nil {
			logger.Error("cleaning up picture folder after failed ingestion", zap.Error(derr))
		}
	}()

	// GeneratingVariants
	rendition, err := in.generator.Generate(ctx, folder, filename)
	if err != nil {
		return nil, failed(StateGeneratingVariants, kindOf(err), "generating variants", err)
	}

	// Persisting
	pic = &Picture{
		TravelID:         travelID,
		Folder:           folder,
		OriginalFilename: up.Filename,
		RawPath:          path.Join(in.publicPath, folder, filename),
		GPS:              fix,
		CapturedAt:       captured,
		Width:            rendition.Width,
		Height:           rendition.Height,
		ContentHash:      contentHash,
		Thumbhash:        rendition.Thumbhash,
		Versions:         rendition.Variants,
	}
	if err := in.persist(ctx, pic); err != nil {
		return nil, failed(StatePersisting, kindOf(err), "saving picture", err)
	}
	persisted = true

	in.publish(pic)

	logger.Info("ingested picture",
		zap.Int64("picture_id", pic.ID),
		zap.Float64("lat", fix.Latitude),
		zap.Float64("lon", fix.Longitude),
		zap.Time("captured", captured),
		zap.Int("variants", rendition.Count()),
		zap.String("blake3", hex.EncodeToString(contentHash)),
		zap.Duration("duration", in.now().Sub(start)))

	return pic, nil
}

// readMetadata extracts the GPS fix and capture time of the file at p.
// The capture time falls back to now.
func (in *Ingestor) readMetadata(p string) (GPSFix, time.Time, error) {
	f, err := os.Open(p)
	if err != nil {
		return GPSFix{}, time.Time{}, err
	}
	defer f.Close()

	md, err := ReadMetadata(f)
	if err != nil {
		return GPSFix{}, time.Time{}, err
	}
	fix, ok := ExtractGPS(md)
	if !ok {
		return GPSFix{}, time.Time{}, errors.New("no usable GPS position")
	}
	captured, ok := ExtractCaptureTime(md, in.zones.Location(fix.Latitude, fix.Longitude))
	if !ok {
		captured = in.now()
	}
	return fix, captured, nil
}

// persist inserts pic and widens its travel's date range to cover it.
func (in *Ingestor) persist(ctx context.Context, pic *Picture) error {
	in.travelLocks.Lock(pic.TravelID)
	defer in.travelLocks.Unlock(pic.TravelID)

	travel, err := in.store.Travel(ctx, pic.TravelID)
	if err != nil {
		return err
	}
	if !travel.extendTo(pic.CapturedAt) {
		travel = nil
	}
	return in.store.InsertPicture(ctx, pic, travel)
}

// Pictures returns the pictures of a travel, oldest capture first.
func (in *Ingestor) Pictures(ctx context.Context, travelID int64) ([]*Picture, error) {
	if _, err := in.store.Travel(ctx, travelID); err != nil {
		return nil, err
	}
	pics, err := in.store.PicturesByTravel(ctx, travelID)
	if err != nil {
		return nil, err
	}
	for _, p := range pics {
		in.publish(p)
	}
	return pics, nil
}

// Picture returns one picture of a travel.
func (in *Ingestor) Picture(ctx context.Context, travelID, pictureID int64) (*Picture, error) {
	if _, err := in.store.Travel(ctx, travelID); err != nil {
		return nil, err
	}
	pic, err := in.ownedPicture(ctx, travelID, pictureID)
	if err != nil {
		return nil, err
	}
	in.publish(pic)
	return pic, nil
}

func (in *Ingestor) ownedPicture(ctx context.Context, travelID, pictureID int64) (*Picture, error) {
	pic, err := in.store.Picture(ctx, pictureID)
	if err != nil {
		return nil, err
	}
	if pic.TravelID != travelID {
		return nil, fmt.Errorf("%w: picture %d does not belong to travel %d", ErrForbidden, pictureID, travelID)
	}
	return pic, nil
}

// DeletePicture deletes a picture's folder and then its record, and
// unsets it as the travel cover. If the folder can't be deleted, the
// record is kept. The bool reports whether the folder still existed.
func (in *Ingestor) DeletePicture(ctx context.Context, travelID, pictureID int64) (bool, error) {
	in.travelLocks.Lock(travelID)
	defer in.travelLocks.Unlock(travelID)

	travel, err := in.store.Travel(ctx, travelID)
	if err != nil {
		return false, err
	}
	pic, err := in.ownedPicture(ctx, travelID, pictureID)
	if err != nil {
		return false, err
	}

	existed, err := in.storage.DeleteDirectory(pic.Folder)
	if err != nil {
		return false, err
	}
	if !existed {
		in.log.Warn("picture folder was already gone",
			zap.Int64("picture_id", pictureID),
			zap.String("folder", pic.Folder))
	}

	if travel.CoverID != nil && *travel.CoverID == pictureID {
		travel.CoverID = nil
		if err := in.store.SaveTravel(ctx, travel); err != nil {
			return existed, err
		}
	}

	if err := in.store.DeletePicture(ctx, pictureID); err != nil {
		return existed, err
	}

	in.log.Info("deleted picture",
		zap.Int64("travel_id", travelID),
		zap.Int64("picture_id", pictureID))

	return existed, nil
}

// SetCoverPicture makes a picture the cover of its travel.
func (in *Ingestor) SetCoverPicture(ctx context.Context, travelID, pictureID int64) error {
	in.travelLocks.Lock(travelID)
	defer in.travelLocks.Unlock(travelID)

	travel, err := in.store.Travel(ctx, travelID)
	if err != nil {
		return err
	}
	if _, err := in.ownedPicture(ctx, travelID, pictureID); err != nil {
		return err
	}
	travel.CoverID = &pictureID
	return in.store.SaveTravel(ctx, travel)
}

// RegenerateVariants derives any variants of an existing picture that
// are missing on disk and stores the resulting version list.
func (in *Ingestor) RegenerateVariants(ctx context.Context, pictureID int64) (*Picture, error) {
	pic, err := in.store.Picture(ctx, pictureID)
	if err != nil {
		return nil, err
	}
	original := path.Base(pic.RawPath)
	if !FileExists(in.storage.FullPath(path.Join(pic.Folder, original))) {
		return nil, fmt.Errorf("%w: original of picture %d is missing from %s", ErrNotFound, pictureID, pic.Folder)
	}

	rendition, err := in.generator.Generate(ctx, pic.Folder, original)
	if err != nil {
		return nil, err
	}
	if err := in.store.ReplaceVersions(ctx, pictureID, rendition.Variants); err != nil {
		return nil, err
	}
	pic.Versions = rendition.Variants
	in.publish(pic)

	in.log.Info("regenerated variants",
		zap.Int64("picture_id", pictureID),
		zap.Int("variants", rendition.Count()))

	return pic, nil
}

// publish fills in the public URL of every version of pic.
func (in *Ingestor) publish(pic *Picture) {
	for class, versions := range pic.Versions {
		for i := range versions {
			versions[i].URL = path.Join(in.publicPath, pic.Folder, versions[i].Path)
		}
		pic.Versions[class] = versions
	}
}

// originalExtension picks the stored original's extension from the
// upload's file name, or from its media type if the name has none.
func originalExtension(filename, mediaType string) string {
	if ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), ".")); ext != "" && safeFilename(ext) == ext {
		return ext
	}
	switch mediaType {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	}
	if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return "img"
}
