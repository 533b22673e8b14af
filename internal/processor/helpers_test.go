package processor

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// renderLine draws text in black on a white canvas
func renderLine(text string) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 240, 80))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	d := &font.Drawer{
		Dst:  img,
		Src:  image.Black,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(10, 50),
	}
	d.DrawString(text)
	return img
}

// fakeExtractor records every image it is handed and answers from texts or errs
type fakeExtractor struct {
	mu     sync.Mutex
	seen   []image.Image
	params []OCRParams
	texts  []string
	errs   map[int]error
}

func (f *fakeExtractor) Name() string { return "fake" }

func (f *fakeExtractor) ExtractText(ctx context.Context, img image.Image, params OCRParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := len(f.seen)
	f.seen = append(f.seen, img)
	f.params = append(f.params, params)
	if err := f.errs[idx]; err != nil {
		return "", err
	}
	if idx < len(f.texts) {
		return f.texts[idx], nil
	}
	return "", nil
}

// fakeRasterizer returns a fixed page list
type fakeRasterizer struct {
	pages       []image.Image
	err         error
	gotMaxPages int
	calls       int
}

func (f *fakeRasterizer) Rasterize(ctx context.Context, pdf []byte, maxPages int) ([]image.Image, error) {
	f.calls++
	f.gotMaxPages = maxPages
	if f.err != nil {
		return nil, f.err
	}
	out := make([]image.Image, len(f.pages))
	copy(out, f.pages)
	return out, nil
}
