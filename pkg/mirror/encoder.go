package mirror

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// MaxFrameSize - interleaved packet length is 16 bit
const MaxFrameSize = 0xFFFF

const (
	DefaultQuality = 80
	MinQuality     = 20
	qualityStep    = 10
)

var ErrFrameTooBig = errors.New("mirror: frame too big")

type Encoder interface {
	Encode(img image.Image) ([]byte, error)
}

// JPEG - max-fit resample to Width x Height and encode. Quality steps down
// until the frame fits into one interleaved packet.
type JPEG struct {
	Width   int
	Height  int
	Quality int
	MaxSize int

	dst *image.RGBA
	buf bytes.Buffer
}

func NewJPEG(width, height, quality int) *JPEG {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &JPEG{Width: width, Height: height, Quality: quality, MaxSize: MaxFrameSize}
}

func (e *JPEG) Encode(img image.Image) ([]byte, error) {
	src := e.resize(img)

	for quality := e.Quality; ; quality -= qualityStep {
		if quality < MinQuality {
			quality = MinQuality
		}

		e.buf.Reset()
		if err := jpeg.Encode(&e.buf, src, &jpeg.Options{Quality: quality}); err != nil {
			return nil, err
		}

		if e.buf.Len() <= e.MaxSize {
			return bytes.Clone(e.buf.Bytes()), nil
		}

		if quality == MinQuality {
			return nil, ErrFrameTooBig
		}
	}
}

func (e *JPEG) resize(img image.Image) image.Image {
	if e.Width <= 0 || e.Height <= 0 {
		return img
	}

	b := img.Bounds()
	w, h := FitSize(b.Dx(), b.Dy(), e.Width, e.Height)
	if w == b.Dx() && h == b.Dy() {
		return img
	}

	// reuse buffer between frames
	if e.dst == nil || e.dst.Rect.Dx() != w || e.dst.Rect.Dy() != h {
		e.dst = image.NewRGBA(image.Rect(0, 0, w, h))
	}

	draw.ApproxBiLinear.Scale(e.dst, e.dst.Rect, img, b, draw.Src, nil)
	return e.dst
}

// FitSize - biggest size inside maxW x maxH with source aspect ratio
func FitSize(srcW, srcH, maxW, maxH int) (w, h int) {
	if srcW <= 0 || srcH <= 0 {
		return maxW, maxH
	}

	if srcW*maxH > srcH*maxW {
		w = maxW
		h = srcH * maxW / srcW
	} else {
		h = maxH
		w = srcW * maxH / srcH
	}

	// even sizes for decoders
	w &^= 1
	h &^= 1
	if w == 0 {
		w = 2
	}
	if h == 0 {
		h = 2
	}
	return
}
