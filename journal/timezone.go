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
	"sync"
	"time"

	"github.com/ringsaturn/tzf"
	"go.uber.org/zap"
)

// TimezoneFinder maps a position to the time zone in effect there.
type TimezoneFinder interface {
	Location(lat, lon float64) *time.Location
}

// tzfFinder looks up IANA zones with tzf. The polygon index is large, so
// it is only loaded the first time a lookup happens.
type tzfFinder struct {
	once   sync.Once
	finder tzf.F
	log    *zap.Logger
}

// NewTimezoneFinder returns a finder backed by the tzf polygon data.
// Lookups that fail return UTC.
func NewTimezoneFinder(logger *zap.Logger) TimezoneFinder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &tzfFinder{log: logger}
}

func (t *tzfFinder) Location(lat, lon float64) *time.Location {
	t.once.Do(func() {
		f, err := tzf.NewDefaultFinder()
		if err != nil {
			t.log.Error("loading time zone data failed; capture times will be read as UTC", zap.Error(err))
			return
		}
		t.finder = f
	})
	if t.finder == nil {
		return time.UTC
	}

	name := t.finder.GetTimezoneName(lon, lat)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.log.Debug("unknown time zone",
			zap.String("zone", name),
			zap.Float64("lat", lat),
			zap.Float64("lon", lon),
			zap.Error(err))
		return time.UTC
	}
	return loc
}

// fixedZone is a TimezoneFinder that always returns the same location.
type fixedZone struct{ loc *time.Location }

func (z fixedZone) Location(float64, float64) *time.Location { return z.loc }
