package mirror

import (
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"
)

// Source gives one picture per call. OS screen capture lives outside
// of this package and only needs to implement this interface.
type Source interface {
	Capture() (image.Image, error)
}

// Pattern - color bars with a moving box, new position on every frame
type Pattern struct {
	Width  int
	Height int

	frame int
}

var bars = []color.RGBA{
	{192, 192, 192, 255}, {192, 192, 0, 255}, {0, 192, 192, 255}, {0, 192, 0, 255},
	{192, 0, 192, 255}, {192, 0, 0, 255}, {0, 0, 192, 255},
}

func NewPattern(width, height int) *Pattern {
	if width <= 0 || height <= 0 {
		width, height = 1280, 720
	}
	return &Pattern{Width: width, Height: height}
}

func (p *Pattern) Capture() (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))

	barW := p.Width/len(bars) + 1
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			img.SetRGBA(x, y, bars[x/barW])
		}
	}

	size := p.Height / 6
	if size < 2 {
		size = 2
	}
	size = min(size, p.Width, p.Height)
	x0 := (p.frame * 8) % (p.Width - size + 1)
	y0 := (p.Height - size) / 2
	white := color.RGBA{255, 255, 255, 255}
	for y := y0; y < y0+size; y++ {
		for x := x0; x < x0+size; x++ {
			img.SetRGBA(x, y, white)
		}
	}

	p.frame++
	return img, nil
}

// Still - same picture from file on every frame
type Still struct {
	img image.Image
}

func NewStill(path string) (*Still, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return &Still{img: img}, nil
}

func (s *Still) Capture() (image.Image, error) {
	return s.img, nil
}

// OpenSource - "pattern" or "file:/path/to/image.jpg"
func OpenSource(name string, width, height int) (Source, error) {
	if path, ok := strings.CutPrefix(name, "file:"); ok {
		return NewStill(path)
	}
	if name == "" || name == "pattern" {
		return NewPattern(width, height), nil
	}
	return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
}
