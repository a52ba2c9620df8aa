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

// Package imaging implements the pure pixel-geometry operations used to
// derive picture variants: target size calculation, resampling, square
// cropping and orientation correction. Nothing here touches the disk.
package imaging

import (
	"image"
	"image/draw"
	"math"

	xdraw "golang.org/x/image/draw"
)

// CalculateDimensions returns the output size for a source of srcW x srcH
// pixels. If targetH is 0, the height is derived from targetW so that the
// aspect ratio is preserved (rounded, and never less than 1 pixel).
// Otherwise the target is returned unchanged; square outputs (icons) always
// pass an explicit height.
func CalculateDimensions(srcW, srcH, targetW, targetH int) (int, int) {
	if targetH != 0 || srcW <= 0 {
		return targetW, targetH
	}
	h := int(math.Round(float64(srcH) * float64(targetW) / float64(srcW)))
	if h < 1 {
		h = 1
	}
	return targetW, h
}

// Resize resamples img to w x h with bilinear interpolation. If img is
// already that size, img itself is returned.
func Resize(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// CropCenterSquare crops the largest centered square out of img and scales
// it to size x size. An image that is already a size x size square is
// returned as-is.
func CropCenterSquare(img image.Image, size int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == h && w == size {
		return img
	}

	side := min(w, h)
	x := b.Min.X + (w-side)/2
	y := b.Min.Y + (h-side)/2
	cropped := subImage(img, image.Rect(x, y, x+side, y+side))

	if side == size {
		return cropped
	}
	return Resize(cropped, size, size)
}

// subImage returns the r portion of img, sharing pixels when the concrete
// type supports it and copying otherwise.
func subImage(img image.Image, r image.Rectangle) image.Image {
	if si, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return si.SubImage(r)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}
