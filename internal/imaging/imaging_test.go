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

package imaging

import (
	"bytes"
	"image"
	"image/color"
	"math"
	"testing"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 13), B: uint8((x + y) * 3), A: 255})
		}
	}
	return img
}

func TestCalculateDimensions(t *testing.T) {
	tests := []struct {
		name                 string
		srcW, srcH           int
		targetW, targetH     int
		expectedW, expectedH int
	}{
		{"landscape 4:3", 4000, 3000, 1920, 0, 1920, 1440},
		{"portrait 3:4", 3000, 4000, 640, 0, 640, 853},
		{"rounds to nearest", 3, 1, 2, 0, 2, 1},
		{"upscale", 100, 50, 1024, 0, 1024, 512},
		{"explicit height passes through", 4000, 3000, 64, 64, 64, 64},
		{"never collapses to zero", 10000, 1, 64, 0, 64, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := CalculateDimensions(tt.srcW, tt.srcH, tt.targetW, tt.targetH)
			if w != tt.expectedW || h != tt.expectedH {
				t.Errorf("CalculateDimensions(%d, %d, %d, %d) = (%d, %d), want (%d, %d)",
					tt.srcW, tt.srcH, tt.targetW, tt.targetH, w, h, tt.expectedW, tt.expectedH)
			}
		})
	}
}

func TestCalculateDimensionsPreservesAspectRatio(t *testing.T) {
	for srcW := 1; srcW <= 400; srcW += 7 {
		for srcH := 1; srcH <= 400; srcH += 11 {
			for _, targetW := range []int{64, 640, 1920, 5760} {
				w, h := CalculateDimensions(srcW, srcH, targetW, 0)
				if w != targetW {
					t.Fatalf("width changed: got %d, want %d", w, targetW)
				}
				exact := float64(srcH) * float64(targetW) / float64(srcW)
				if math.Abs(float64(h)-exact) > 1 && h != 1 {
					t.Fatalf("src %dx%d -> %d wide: height %d is more than a pixel from %f", srcW, srcH, targetW, h, exact)
				}
			}
		}
	}
}

func TestResizeIdentity(t *testing.T) {
	img := gradient(32, 16)
	if out := Resize(img, 32, 16); out != image.Image(img) {
		t.Fatal("resizing to the same size should return the same image")
	}
}

func TestResizeIsDeterministic(t *testing.T) {
	img := gradient(97, 61)

	first := Resize(img, 40, 25).(*image.RGBA)
	second := Resize(img, 40, 25).(*image.RGBA)

	if first.Bounds() != image.Rect(0, 0, 40, 25) {
		t.Fatalf("unexpected bounds %v", first.Bounds())
	}
	if !bytes.Equal(first.Pix, second.Pix) {
		t.Fatal("resizing the same image twice should produce identical pixels")
	}
}

func TestCropCenterSquare(t *testing.T) {
	t.Run("already exact square", func(t *testing.T) {
		img := gradient(64, 64)
		if out := CropCenterSquare(img, 64); out != image.Image(img) {
			t.Fatal("expected the same image back")
		}
	})

	t.Run("crop without resize keeps the center", func(t *testing.T) {
		img := gradient(30, 10)
		out := CropCenterSquare(img, 10)
		b := out.Bounds()
		if b.Dx() != 10 || b.Dy() != 10 {
			t.Fatalf("expected 10x10, got %dx%d", b.Dx(), b.Dy())
		}
		// the crop starts 10 pixels in from the left
		if got, want := out.At(b.Min.X, b.Min.Y), img.At(10, 0); got != want {
			t.Fatalf("top-left pixel should come from the centered crop: got %v, want %v", got, want)
		}
	})

	t.Run("crop then resize", func(t *testing.T) {
		img := gradient(300, 200)
		out := CropCenterSquare(img, 64)
		if b := out.Bounds(); b.Dx() != 64 || b.Dy() != 64 {
			t.Fatalf("expected 64x64, got %dx%d", b.Dx(), b.Dy())
		}
	})

	t.Run("portrait", func(t *testing.T) {
		img := gradient(20, 50)
		out := CropCenterSquare(img, 20)
		b := out.Bounds()
		if b.Dx() != 20 || b.Dy() != 20 {
			t.Fatalf("expected 20x20, got %dx%d", b.Dx(), b.Dy())
		}
		if got, want := out.At(b.Min.X, b.Min.Y), img.At(0, 15); got != want {
			t.Fatalf("crop should be vertically centered: got %v, want %v", got, want)
		}
	})
}

func TestOrient(t *testing.T) {
	// 3x2 image with distinct pixels
	img := gradient(3, 2)

	tests := []struct {
		orientation int
		w, h        int
		// dst(0,0) comes from src(sx,sy)
		sx, sy int
	}{
		{2, 3, 2, 2, 0},
		{3, 3, 2, 2, 1},
		{4, 3, 2, 0, 1},
		{5, 2, 3, 0, 0},
		{6, 2, 3, 0, 1},
		{7, 2, 3, 2, 1},
		{8, 2, 3, 2, 0},
	}

	for _, tt := range tests {
		out := Orient(img, tt.orientation)
		b := out.Bounds()
		if b.Dx() != tt.w || b.Dy() != tt.h {
			t.Errorf("orientation %d: expected %dx%d, got %dx%d", tt.orientation, tt.w, tt.h, b.Dx(), b.Dy())
			continue
		}
		if got, want := out.At(0, 0), img.At(tt.sx, tt.sy); got != want {
			t.Errorf("orientation %d: pixel (0,0) = %v, want %v", tt.orientation, got, want)
		}
	}

	if out := Orient(img, 1); out != image.Image(img) {
		t.Error("orientation 1 should be a no-op")
	}
	if out := Orient(img, 0); out != image.Image(img) {
		t.Error("unknown orientation should be a no-op")
	}
}
