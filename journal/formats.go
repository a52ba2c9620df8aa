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
	"strings"
)

// DeviceClass names a family of target screens. Its string value is
// also the name of the subfolder its variants are written to.
type DeviceClass string

const (
	Desktop DeviceClass = "desktop"
	Tablet  DeviceClass = "tablet"
	Mobile  DeviceClass = "mobile"
	Icon    DeviceClass = "icon"
)

// DeviceClasses lists every device class in enumeration order.
var DeviceClasses = []DeviceClass{Desktop, Tablet, Mobile, Icon}

// FormatSpec is one target output. A zero Height means "derive from the
// source aspect ratio".
type FormatSpec struct {
	Width  int
	Height int
	Scale  int
}

// ClassFormats pairs a device class with its ordered format ladder.
type ClassFormats struct {
	Class   DeviceClass
	Formats []FormatSpec
}

// DefaultFormats is the static variant matrix: 4 device classes with
// 1x, 2x and 3x scales each.
var DefaultFormats = []ClassFormats{
	{Desktop, []FormatSpec{{1920, 0, 1}, {3840, 0, 2}, {5760, 0, 3}}},
	{Tablet, []FormatSpec{{1024, 0, 1}, {2048, 0, 2}, {3072, 0, 3}}},
	{Mobile, []FormatSpec{{640, 0, 1}, {1280, 0, 2}, {1920, 0, 3}}},
	{Icon, []FormatSpec{{64, 64, 1}, {128, 128, 2}, {192, 192, 3}}},
}

// RasterFormat is the file format of a produced variant.
type RasterFormat int

const (
	FormatWebP RasterFormat = iota
	FormatJPEG
	FormatPNG
)

// Ext returns the file extension for the format, without the dot.
func (f RasterFormat) Ext() string {
	switch f {
	case FormatWebP:
		return "webp"
	case FormatJPEG:
		return "jpg"
	case FormatPNG:
		return "png"
	}
	return ""
}

func (f RasterFormat) String() string { return f.Ext() }

// MarshalText encodes the format as its file extension.
func (f RasterFormat) MarshalText() ([]byte, error) {
	if f.Ext() == "" {
		return nil, fmt.Errorf("unknown raster format %d", int(f))
	}
	return []byte(f.Ext()), nil
}

// UnmarshalText decodes a file extension into a format.
func (f *RasterFormat) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "webp":
		*f = FormatWebP
	case "jpg", "jpeg":
		*f = FormatJPEG
	case "png":
		*f = FormatPNG
	default:
		return fmt.Errorf("unknown raster format %q", text)
	}
	return nil
}

// ParseFallbackFormat maps a configured fallback name to a raster format.
// Only non-WebP formats are accepted; an empty name selects JPEG.
func ParseFallbackFormat(name string) (RasterFormat, error) {
	switch strings.ToLower(strings.TrimPrefix(name, ".")) {
	case "", "jpg", "jpeg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	}
	return 0, fmt.Errorf("%w: unsupported fallback format %q (use jpg or png)", ErrInvalidInput, name)
}

// VariantFilename returns the file name for a variant of the given class
// and format spec: "icon-<scale>x.<ext>" for icons, "<width>-<scale>x.<ext>"
// otherwise.
func VariantFilename(class DeviceClass, spec FormatSpec, format RasterFormat) string {
	if class == Icon {
		return fmt.Sprintf("icon-%dx.%s", spec.Scale, format.Ext())
	}
	return fmt.Sprintf("%d-%dx.%s", spec.Width, spec.Scale, format.Ext())
}
