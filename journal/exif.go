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
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/cozy/goexif2/exif"
	"github.com/cozy/goexif2/tiff"
)

// EXIF field names read by this package.
const (
	fieldGPSLatitude     = "GPSLatitude"
	fieldGPSLatitudeRef  = "GPSLatitudeRef"
	fieldGPSLongitude    = "GPSLongitude"
	fieldGPSLongitudeRef = "GPSLongitudeRef"
	fieldGPSAltitude     = "GPSAltitude"
	fieldGPSAltitudeRef  = "GPSAltitudeRef"
	fieldDateTimeOrig    = "DateTimeOriginal"
	fieldDateTime        = "DateTime"
	fieldOrientation     = "Orientation"
)

// exifTimeLayout is how EXIF stores date-times: "2023:07:15 10:30:00".
const exifTimeLayout = "2006:01:02 15:04:05"

// Metadata gives access to EXIF fields by name. A missing field is
// reported as an error.
type Metadata interface {
	Rationals(field string) ([]*big.Rat, error)
	Int(field string) (int, error)
	String(field string) (string, error)
}

// ReadMetadata decodes the EXIF block of an image. Non-critical parse
// errors (a broken maker note, say) are ignored as long as the main
// directories could be read.
func ReadMetadata(r io.Reader) (Metadata, error) {
	x, err := exif.Decode(r)
	if err != nil && (x == nil || exif.IsCriticalError(err)) {
		return nil, fmt.Errorf("decoding exif: %w", err)
	}
	return exifMetadata{x}, nil
}

type exifMetadata struct{ x *exif.Exif }

func (m exifMetadata) Rationals(field string) ([]*big.Rat, error) {
	tag, err := m.x.Get(exif.FieldName(field))
	if err != nil {
		return nil, err
	}
	if tag.Format() != tiff.RatVal {
		return nil, fmt.Errorf("%s is not a rational field", field)
	}
	rats := make([]*big.Rat, 0, tag.Count)
	for i := range int(tag.Count) {
		num, den, err := tag.Rat2(i)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		if den == 0 {
			return nil, fmt.Errorf("%s[%d]: zero denominator", field, i)
		}
		rats = append(rats, big.NewRat(num, den))
	}
	return rats, nil
}

func (m exifMetadata) Int(field string) (int, error) {
	tag, err := m.x.Get(exif.FieldName(field))
	if err != nil {
		return 0, err
	}
	return tag.Int(0)
}

func (m exifMetadata) String(field string) (string, error) {
	tag, err := m.x.Get(exif.FieldName(field))
	if err != nil {
		return "", err
	}
	s, err := tag.StringVal()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(s, "\x00 "), nil
}

// GPSFix is a position read from EXIF. Altitude is in meters, formatted
// as a plain decimal number, and empty if the image has none.
type GPSFix struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  string  `json:"altitude,omitempty"`
}

// ExtractGPS returns the GPS position in md. Both latitude and longitude
// must be present and valid, or ok is false.
func ExtractGPS(md Metadata) (fix GPSFix, ok bool) {
	lat, err := readCoordinate(md, fieldGPSLatitude, fieldGPSLatitudeRef, "S", 90)
	if err != nil {
		return GPSFix{}, false
	}
	lon, err := readCoordinate(md, fieldGPSLongitude, fieldGPSLongitudeRef, "W", 180)
	if err != nil {
		return GPSFix{}, false
	}
	fix = GPSFix{Latitude: lat, Longitude: lon}

	if alt, err := md.Rationals(fieldGPSAltitude); err == nil && len(alt) > 0 {
		meters, _ := alt[0].Float64()
		if ref, err := md.Int(fieldGPSAltitudeRef); err == nil && ref == 1 {
			meters = -meters // below sea level
		}
		fix.Altitude = strconv.FormatFloat(meters, 'f', -1, 64)
	}

	return fix, true
}

func readCoordinate(md Metadata, field, refField, negativeRef string, limit float64) (float64, error) {
	dms, err := md.Rationals(field)
	if err != nil {
		return 0, err
	}
	deg, err := DMSToDecimal(dms)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if ref, err := md.String(refField); err == nil && strings.EqualFold(strings.TrimSpace(ref), negativeRef) {
		deg = -deg
	}
	if deg < -limit || deg > limit {
		return 0, fmt.Errorf("%s: %f is out of range", field, deg)
	}
	return deg, nil
}

// DMSToDecimal converts a degrees, minutes, seconds triple to decimal
// degrees: deg + min/60 + sec/3600.
func DMSToDecimal(dms []*big.Rat) (float64, error) {
	if len(dms) != 3 {
		return 0, fmt.Errorf("expected 3 values (degrees, minutes, seconds), got %d", len(dms))
	}
	for _, v := range dms {
		if v == nil {
			return 0, errors.New("missing DMS component")
		}
	}
	sum := new(big.Rat).Set(dms[0])
	sum.Add(sum, new(big.Rat).Quo(dms[1], big.NewRat(60, 1)))
	sum.Add(sum, new(big.Rat).Quo(dms[2], big.NewRat(3600, 1)))
	f, _ := sum.Float64()
	return f, nil
}

// ExtractCaptureTime returns DateTimeOriginal, or DateTime if that is
// absent, interpreted as wall-clock time in loc (UTC if nil).
func ExtractCaptureTime(md Metadata, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	for _, field := range []string{fieldDateTimeOrig, fieldDateTime} {
		s, err := md.String(field)
		if err != nil || s == "" {
			continue
		}
		if ts, err := ParseEXIFTime(s, loc); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// ParseEXIFTime parses an EXIF date-time string like "2023:07:15 10:30:00".
func ParseEXIFTime(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(exifTimeLayout, strings.TrimSpace(s), loc)
}

// ExtractOrientation returns the EXIF orientation (1-8), or 1 if the
// field is absent or invalid.
func ExtractOrientation(md Metadata) int {
	o, err := md.Int(fieldOrientation)
	if err != nil || o < 1 || o > 8 {
		return 1
	}
	return o
}
