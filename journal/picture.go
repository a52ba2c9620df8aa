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
	"time"
)

// Travel is a trip that pictures are attached to.
type Travel struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	StartDate   time.Time  `json:"start_date"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	CoverID     *int64     `json:"cover_picture_id,omitempty"`
	Created     time.Time  `json:"created"`
	Updated     time.Time  `json:"updated"`
}

// extendTo widens the travel's date range to include ts. It reports
// whether anything changed.
func (t *Travel) extendTo(ts time.Time) bool {
	var changed bool
	if t.StartDate.IsZero() || ts.Before(t.StartDate) {
		t.StartDate = ts
		changed = true
	}
	if t.EndDate == nil || ts.After(*t.EndDate) {
		end := ts
		t.EndDate = &end
		changed = true
	}
	return changed
}

// Picture is the record of one ingested photo.
type Picture struct {
	ID       int64 `json:"id"`
	TravelID int64 `json:"travel_id"`

	// Folder relative to the upload root, "<YYYY-MM-DD>/<uuid>".
	Folder           string `json:"folder"`
	OriginalFilename string `json:"original_filename"`

	// Public URL path of the stored original.
	RawPath string `json:"raw_path"`

	GPS         GPSFix    `json:"gps"`
	CapturedAt  time.Time `json:"captured_at"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	ContentHash []byte    `json:"content_hash,omitempty"`
	Thumbhash   []byte    `json:"thumbhash,omitempty"`

	Versions map[DeviceClass][]Variant `json:"versions"`

	Created time.Time `json:"created"`
}

// Store persists travels and pictures. Lookups of records that don't
// exist return an error wrapping ErrNotFound.
type Store interface {
	CreateTravel(ctx context.Context, t *Travel) error
	Travel(ctx context.Context, id int64) (*Travel, error)
	SaveTravel(ctx context.Context, t *Travel) error

	// InsertPicture stores p and its versions and sets p.ID. If travel
	// is not nil, it is saved in the same transaction.
	InsertPicture(ctx context.Context, p *Picture, travel *Travel) error
	Picture(ctx context.Context, id int64) (*Picture, error)
	PicturesByTravel(ctx context.Context, travelID int64) ([]*Picture, error)
	DeletePicture(ctx context.Context, id int64) error
	ReplaceVersions(ctx context.Context, pictureID int64, versions map[DeviceClass][]Variant) error
}
