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

// Package testhelpers builds image files for tests: plain JPEGs, and
// JPEGs carrying a hand-assembled EXIF block.
package testhelpers

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

// Gradient returns a w x h image whose pixels all differ from their
// neighbors.
func Gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	return img
}

// JPEG encodes a w x h Gradient.
func JPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Gradient(w, h), &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encoding test JPEG: %v", err)
	}
	return buf.Bytes()
}

// GeotaggedJPEG is a w x h JPEG taken at 48°1'N 2°1'E, 35.5m above sea
// level, at 2023:07:15 10:30:00.
func GeotaggedJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	return WithEXIF(JPEG(t, w, h), TIFF(EXIF{
		DateTime: "2023:07:15 10:30:00",
		GPS:      true,
		LatRef:   "N",
		Lat:      [6]uint32{48, 1, 1, 1, 0, 1},
		LonRef:   "E",
		Lon:      [6]uint32{2, 1, 1, 1, 0, 1},
		Altitude: [2]uint32{355, 10},
	}))
}

// EXIF lists the tags TIFF writes. Coordinates are degree, minute and
// second rationals as num, den pairs.
type EXIF struct {
	DateTime    string
	Orientation uint16
	GPS         bool
	LatRef      string
	Lat         [6]uint32
	LonRef      string
	Lon         [6]uint32
	Altitude    [2]uint32 // omitted if the denominator is 0
	BelowSea    bool
}

// tiff field types
const (
	tiffByte     = 1
	tiffASCII    = 2
	tiffShort    = 3
	tiffLong     = 4
	tiffRational = 5
)

type tiffEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func asciiEntry(tag uint16, s string) tiffEntry {
	return tiffEntry{tag, tiffASCII, uint32(len(s) + 1), append([]byte(s), 0)}
}

func shortEntry(tag uint16, v uint16) tiffEntry {
	return tiffEntry{tag, tiffShort, 1, binary.LittleEndian.AppendUint16(nil, v)}
}

func longEntry(tag uint16, v uint32) tiffEntry {
	return tiffEntry{tag, tiffLong, 1, binary.LittleEndian.AppendUint32(nil, v)}
}

func byteEntry(tag uint16, v byte) tiffEntry {
	return tiffEntry{tag, tiffByte, 1, []byte{v}}
}

// rationalEntry takes num, den pairs.
func rationalEntry(tag uint16, vals ...uint32) tiffEntry {
	var data []byte
	for _, v := range vals {
		data = binary.LittleEndian.AppendUint32(data, v)
	}
	return tiffEntry{tag, tiffRational, uint32(len(vals) / 2), data}
}

// encodeIFD lays out one IFD (entries sorted by tag) starting at offset
// start, followed by the values that don't fit in an entry.
func encodeIFD(entries []tiffEntry, start uint32) []byte {
	le := binary.LittleEndian
	size := uint32(2 + 12*len(entries) + 4)
	var ifd, extra []byte
	ifd = le.AppendUint16(ifd, uint16(len(entries)))
	for _, e := range entries {
		ifd = le.AppendUint16(ifd, e.tag)
		ifd = le.AppendUint16(ifd, e.typ)
		ifd = le.AppendUint32(ifd, e.count)
		if len(e.data) <= 4 {
			var inline [4]byte
			copy(inline[:], e.data)
			ifd = append(ifd, inline[:]...)
			continue
		}
		ifd = le.AppendUint32(ifd, start+size+uint32(len(extra)))
		extra = append(extra, e.data...)
		if len(extra)%2 == 1 {
			extra = append(extra, 0)
		}
	}
	ifd = le.AppendUint32(ifd, 0) // no next IFD
	return append(ifd, extra...)
}

// TIFF returns a little-endian TIFF block with IFD0 and, if requested,
// a GPS IFD.
func TIFF(spec EXIF) []byte {
	ifd0 := func(gpsOffset uint32) []tiffEntry {
		var entries []tiffEntry
		if spec.Orientation != 0 {
			entries = append(entries, shortEntry(0x0112, spec.Orientation))
		}
		if spec.DateTime != "" {
			entries = append(entries, asciiEntry(0x0132, spec.DateTime))
		}
		if spec.GPS {
			entries = append(entries, longEntry(0x8825, gpsOffset))
		}
		return entries
	}

	const ifd0Start = 8
	first := encodeIFD(ifd0(0), ifd0Start)
	gpsStart := uint32(ifd0Start + len(first))

	out := []byte{'I', 'I', 0x2A, 0x00}
	out = binary.LittleEndian.AppendUint32(out, ifd0Start)
	out = append(out, encodeIFD(ifd0(gpsStart), ifd0Start)...)

	if spec.GPS {
		gps := []tiffEntry{
			asciiEntry(0x0001, spec.LatRef),
			rationalEntry(0x0002, spec.Lat[:]...),
			asciiEntry(0x0003, spec.LonRef),
			rationalEntry(0x0004, spec.Lon[:]...),
		}
		if spec.Altitude[1] != 0 {
			var ref byte
			if spec.BelowSea {
				ref = 1
			}
			gps = append(gps,
				byteEntry(0x0005, ref),
				rationalEntry(0x0006, spec.Altitude[:]...))
		}
		out = append(out, encodeIFD(gps, gpsStart)...)
	}
	return out
}

// WithEXIF inserts an APP1 EXIF segment right after the SOI marker.
func WithEXIF(jpg, tiff []byte) []byte {
	payload := append([]byte("Exif\x00\x00"), tiff...)
	seg := []byte{0xFF, 0xE1}
	seg = binary.BigEndian.AppendUint16(seg, uint16(len(payload)+2))
	seg = append(seg, payload...)

	out := make([]byte, 0, len(jpg)+len(seg))
	out = append(out, jpg[:2]...)
	out = append(out, seg...)
	return append(out, jpg[2:]...)
}
