// Copyright (C) 2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package imaging prepares photos for embedding extraction: decoding,
// detector-friendly downscaling, thumbnail generation, and the stable
// identifiers derived from a file's path and modification time.
package imaging

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// Images whose longest side exceeds maxSide are downscaled to
	// targetSide before being sent to the detector.
	maxSide    = 1600
	targetSide = 1280

	thumbSide    = 160
	thumbQuality = 85
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".bmp":  {},
	".webp": {},
}

// IsImage reports whether path has a supported image extension.
func IsImage(path string) bool {
	_, ok := imageExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Decode parses raw image bytes into an image.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// Normalize returns img downscaled so its longest side is targetSide if
// it exceeds maxSide, otherwise img unchanged.
func Normalize(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := max(w, h)
	if longest <= maxSide {
		return img
	}
	scale := float64(targetSide) / float64(longest)
	return resize(img, int(float64(w)*scale+0.5), int(float64(h)*scale+0.5))
}

// EncodeJPEG renders img as a JPEG at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Prepare decodes and normalizes a photo and re-encodes it for the
// extractor.
func Prepare(data []byte) ([]byte, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	norm := Normalize(img)
	if norm == img {
		if isJPEG(data) {
			return data, nil
		}
	}
	return EncodeJPEG(norm, 95)
}

// Thumbnail renders a small square-bounded preview of img.
func Thumbnail(img image.Image) ([]byte, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := max(w, h)
	if longest > thumbSide {
		scale := float64(thumbSide) / float64(longest)
		img = resize(img, int(float64(w)*scale+0.5), int(float64(h)*scale+0.5))
	}
	return EncodeJPEG(img, thumbQuality)
}

// PointID derives a deterministic identifier from a file's path and
// modification time, so re-ingesting an unchanged file produces the
// same point.
func PointID(path string, mtime float64) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(identityName(path, mtime))).String()
}

// ThumbID derives the stable thumbnail name for a file version.
func ThumbID(path string, mtime float64) string {
	sum := sha1.Sum([]byte(identityName(path, mtime)))
	return hex.EncodeToString(sum[:])
}

func identityName(path string, mtime float64) string {
	return fmt.Sprintf("%s:%g", path, mtime)
}

// DUI extracts the document identifier encoded in a file's name: the
// base name without its extension.
func DUI(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func resize(img image.Image, w, h int) image.Image {
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

func isJPEG(data []byte) bool {
	return len(data) > 2 && data[0] == 0xff && data[1] == 0xd8
}
