// Package video turns camera snapshots into the JPEG frames sent on the live
// channel.
package video

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

const (
	DefaultWidth   = 640
	DefaultHeight  = 480
	DefaultQuality = 60

	// MIMETypeJPEG is the only image type the channel carries.
	MIMETypeJPEG = "image/jpeg"
)

// ErrEmptyImage is returned when the source image has no pixels.
var ErrEmptyImage = errors.New("video: empty image")

// ImageFrame is one encoded still.
type ImageFrame struct {
	Data     []byte
	MIMEType string
	Width    int
	Height   int
}

// Encoder scales and compresses snapshots. The zero value uses the
// defaults (640×480 at quality 60).
type Encoder struct {
	Width   int
	Height  int
	Quality int
}

// Encode centre-crops img to the encoder's aspect ratio, scales it to
// Width×Height and JPEG-encodes the result.
func (e Encoder) Encode(img image.Image) (ImageFrame, error) {
	w, h, q := e.dims()
	src := img.Bounds()
	if src.Empty() {
		return ImageFrame{}, ErrEmptyImage
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, cropToAspect(src, w, h), draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: q}); err != nil {
		return ImageFrame{}, fmt.Errorf("video: encode jpeg: %w", err)
	}
	return ImageFrame{
		Data:     buf.Bytes(),
		MIMEType: MIMETypeJPEG,
		Width:    w,
		Height:   h,
	}, nil
}

func (e Encoder) dims() (w, h, q int) {
	w, h, q = e.Width, e.Height, e.Quality
	if w <= 0 {
		w = DefaultWidth
	}
	if h <= 0 {
		h = DefaultHeight
	}
	if q <= 0 || q > 100 {
		q = DefaultQuality
	}
	return w, h, q
}

// cropToAspect returns the largest rectangle centred in r with aspect w:h.
func cropToAspect(r image.Rectangle, w, h int) image.Rectangle {
	sw, sh := r.Dx(), r.Dy()
	// Compare sw/sh with w/h without floating point.
	if sw*h > sh*w {
		cw := sh * w / h
		x0 := r.Min.X + (sw-cw)/2
		return image.Rect(x0, r.Min.Y, x0+cw, r.Max.Y)
	}
	ch := sw * h / w
	y0 := r.Min.Y + (sh-ch)/2
	return image.Rect(r.Min.X, y0, r.Max.X, y0+ch)
}
