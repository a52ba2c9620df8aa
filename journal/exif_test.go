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
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/backpacking/backpacking/internal/testhelpers"
)

// mapMetadata is a Metadata built from maps.
type mapMetadata struct {
	rats map[string][]*big.Rat
	ints map[string]int
	strs map[string]string
}

var errNoField = errors.New("field not present")

func (m mapMetadata) Rationals(field string) ([]*big.Rat, error) {
	if v, ok := m.rats[field]; ok {
		return v, nil
	}
	return nil, errNoField
}

func (m mapMetadata) Int(field string) (int, error) {
	if v, ok := m.ints[field]; ok {
		return v, nil
	}
	return 0, errNoField
}

func (m mapMetadata) String(field string) (string, error) {
	if v, ok := m.strs[field]; ok {
		return v, nil
	}
	return "", errNoField
}

func dms(d, m, s int64) []*big.Rat {
	return []*big.Rat{big.NewRat(d, 1), big.NewRat(m, 1), big.NewRat(s, 1)}
}

func TestDMSToDecimal(t *testing.T) {
	for i, tc := range []struct {
		input  []*big.Rat
		expect float64
	}{
		{dms(48, 1, 0), 48 + 1.0/60},
		{dms(2, 1, 0), 2 + 1.0/60},
		{dms(0, 0, 36), 0.01},
		{[]*big.Rat{big.NewRat(40, 1), big.NewRat(4461, 100), big.NewRat(0, 1)}, 40.7435},
	} {
		actual, err := DMSToDecimal(tc.input)
		if err != nil {
			t.Errorf("Test %d: unexpected error: %v", i, err)
			continue
		}
		if math.Abs(actual-tc.expect) > 1e-9 {
			t.Errorf("Test %d: expected %f, got %f", i, tc.expect, actual)
		}
	}

	if _, err := DMSToDecimal(dms(1, 2, 3)[:2]); err == nil {
		t.Error("expected an error for a partial DMS triple")
	}
}

func TestExtractGPS(t *testing.T) {
	for i, tc := range []struct {
		md       mapMetadata
		ok       bool
		lat      float64
		lon      float64
		altitude string
	}{
		{
			md: mapMetadata{rats: map[string][]*big.Rat{
				fieldGPSLatitude:  dms(48, 1, 0),
				fieldGPSLongitude: dms(2, 1, 0),
			}},
			ok:  true,
			lat: 48.016666666,
			lon: 2.016666666,
		},
		{
			md: mapMetadata{
				rats: map[string][]*big.Rat{
					fieldGPSLatitude:  dms(33, 52, 4),
					fieldGPSLongitude: dms(151, 12, 36),
					fieldGPSAltitude:  {big.NewRat(58, 1)},
				},
				strs: map[string]string{fieldGPSLatitudeRef: "S", fieldGPSLongitudeRef: "E"},
			},
			ok:       true,
			lat:      -33.867777777,
			lon:      151.21,
			altitude: "58",
		},
		{
			md: mapMetadata{
				rats: map[string][]*big.Rat{
					fieldGPSLatitude:  dms(31, 30, 0),
					fieldGPSLongitude: dms(35, 30, 0),
					fieldGPSAltitude:  {big.NewRat(861, 2)},
				},
				strs: map[string]string{fieldGPSLongitudeRef: "W"},
				ints: map[string]int{fieldGPSAltitudeRef: 1},
			},
			ok:       true,
			lat:      31.5,
			lon:      -35.5,
			altitude: "-430.5",
		},
		{
			// latitude without longitude is treated as no position
			md: mapMetadata{rats: map[string][]*big.Rat{fieldGPSLatitude: dms(48, 1, 0)}},
		},
		{
			md: mapMetadata{rats: map[string][]*big.Rat{fieldGPSLongitude: dms(2, 1, 0)}},
		},
		{
			md: mapMetadata{rats: map[string][]*big.Rat{
				fieldGPSLatitude:  dms(95, 0, 0),
				fieldGPSLongitude: dms(2, 1, 0),
			}},
		},
		{
			md: mapMetadata{},
		},
	} {
		fix, ok := ExtractGPS(tc.md)
		if ok != tc.ok {
			t.Errorf("Test %d: expected ok=%t, got %t", i, tc.ok, ok)
			continue
		}
		if !ok {
			if fix != (GPSFix{}) {
				t.Errorf("Test %d: expected zero fix when absent, got %+v", i, fix)
			}
			continue
		}
		if math.Abs(fix.Latitude-tc.lat) > 1e-6 || math.Abs(fix.Longitude-tc.lon) > 1e-6 {
			t.Errorf("Test %d: expected (%f, %f), got (%f, %f)", i, tc.lat, tc.lon, fix.Latitude, fix.Longitude)
		}
		if fix.Altitude != tc.altitude {
			t.Errorf("Test %d: expected altitude %q, got %q", i, tc.altitude, fix.Altitude)
		}
	}
}

func TestExtractCaptureTime(t *testing.T) {
	md := mapMetadata{strs: map[string]string{fieldDateTimeOrig: "2023:07:15 10:30:00"}}
	ts, ok := ExtractCaptureTime(md, nil)
	if !ok {
		t.Fatal("expected a capture time")
	}
	if want := time.Date(2023, 7, 15, 10, 30, 0, 0, time.UTC); !ts.Equal(want) {
		t.Errorf("expected %s, got %s", want, ts)
	}

	// falls back to DateTime
	md = mapMetadata{strs: map[string]string{fieldDateTime: "2019:01:02 03:04:05"}}
	ts, ok = ExtractCaptureTime(md, nil)
	if !ok || !ts.Equal(time.Date(2019, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("expected DateTime fallback, got %s (ok=%t)", ts, ok)
	}

	// original capture time wins over DateTime
	md = mapMetadata{strs: map[string]string{
		fieldDateTimeOrig: "2020:05:06 07:08:09",
		fieldDateTime:     "2021:01:01 00:00:00",
	}}
	if ts, _ := ExtractCaptureTime(md, nil); ts.Year() != 2020 {
		t.Errorf("expected DateTimeOriginal to be used, got %s", ts)
	}

	// wall clock is read in the given zone
	tokyo := time.FixedZone("JST", 9*60*60)
	md = mapMetadata{strs: map[string]string{fieldDateTimeOrig: "2023:07:15 10:30:00"}}
	ts, _ = ExtractCaptureTime(md, tokyo)
	if want := time.Date(2023, 7, 15, 1, 30, 0, 0, time.UTC); !ts.Equal(want) {
		t.Errorf("expected %s, got %s", want, ts.UTC())
	}

	for _, bad := range []string{"", "2023-07-15 10:30:00", "    :  :     :  :  "} {
		md = mapMetadata{strs: map[string]string{fieldDateTimeOrig: bad}}
		if _, ok := ExtractCaptureTime(md, nil); ok {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestExtractOrientation(t *testing.T) {
	for i, tc := range []struct {
		md     mapMetadata
		expect int
	}{
		{mapMetadata{ints: map[string]int{fieldOrientation: 6}}, 6},
		{mapMetadata{ints: map[string]int{fieldOrientation: 9}}, 1},
		{mapMetadata{ints: map[string]int{fieldOrientation: 0}}, 1},
		{mapMetadata{}, 1},
	} {
		if actual := ExtractOrientation(tc.md); actual != tc.expect {
			t.Errorf("Test %d: expected %d, got %d", i, tc.expect, actual)
		}
	}
}

func TestReadMetadataFromJPEG(t *testing.T) {
	md, err := ReadMetadata(bytes.NewReader(testhelpers.GeotaggedJPEG(t, 40, 30)))
	if err != nil {
		t.Fatalf("reading metadata: %v", err)
	}

	fix, ok := ExtractGPS(md)
	if !ok {
		t.Fatal("expected a GPS fix")
	}
	if math.Abs(fix.Latitude-48.0166666) > 1e-5 || math.Abs(fix.Longitude-2.0166666) > 1e-5 {
		t.Errorf("unexpected position %+v", fix)
	}
	if fix.Altitude != "35.5" {
		t.Errorf("expected altitude 35.5, got %q", fix.Altitude)
	}

	ts, ok := ExtractCaptureTime(md, time.UTC)
	if !ok || !ts.Equal(time.Date(2023, 7, 15, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("unexpected capture time %s (ok=%t)", ts, ok)
	}
}

func TestReadMetadataWithoutEXIF(t *testing.T) {
	if _, err := ReadMetadata(bytes.NewReader(testhelpers.JPEG(t, 8, 8))); err == nil {
		t.Error("expected an error for a JPEG without EXIF")
	}
}
