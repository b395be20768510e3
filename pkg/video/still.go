package video

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// Still is one encoded, downscaled camera frame.
type Still struct {
	Data   []byte // JPEG
	Width  int
	Height int
}

// Downscale shrinks img by factor in each dimension using bilinear
// approximation. factor <= 1 returns img unchanged. The result is never
// smaller than 1×1.
func Downscale(img image.Image, factor int) image.Image {
	if factor <= 1 {
		return img
	}
	sr := img.Bounds()
	w := max(sr.Dx()/factor, 1)
	h := max(sr.Dy()/factor, 1)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, sr, draw.Src, nil)
	return dst
}

// EncodeStill downscales img by factor and encodes it as JPEG at quality.
func EncodeStill(img image.Image, factor, quality int) (Still, error) {
	small := Downscale(img, factor)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: quality}); err != nil {
		return Still{}, fmt.Errorf("video: encode jpeg: %w", err)
	}
	b := small.Bounds()
	return Still{Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}
