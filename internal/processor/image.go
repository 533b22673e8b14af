package processor

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	apperrors "github.com/adverant/nexus/ocr-api/internal/errors"
)

// MaxImagePixels caps width*height of decoded rasters (uploads and rasterized pages)
const MaxImagePixels = 89_478_485

// Detected MIME types
const (
	MimePDF  = "application/pdf"
	MimePNG  = "image/png"
	MimeJPEG = "image/jpeg"
	MimeGIF  = "image/gif"
	MimeWebP = "image/webp"
	MimeTIFF = "image/tiff"
	MimeBMP  = "image/bmp"
)

type signature struct {
	offset int
	magic  string
	mime   string
}

var signatures = []signature{
	{0, "%PDF", MimePDF},
	{0, "\x89PNG\r\n\x1a\n", MimePNG},
	{0, "\xff\xd8\xff", MimeJPEG},
	{0, "GIF87a", MimeGIF},
	{0, "GIF89a", MimeGIF},
	{8, "WEBP", MimeWebP},
	{0, "II*\x00", MimeTIFF},
	{0, "MM\x00*", MimeTIFF},
	{0, "BM", MimeBMP},
}

// pdfHeaderWindow is how far into the data a "%PDF-" header may start
const pdfHeaderWindow = 1024

// DetectMimeType identifies PDF and the supported image formats by magic bytes.
// It returns "" when nothing matches.
func DetectMimeType(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	for _, sig := range signatures {
		end := sig.offset + len(sig.magic)
		if len(data) < end || string(data[sig.offset:end]) != sig.magic {
			continue
		}
		if sig.mime == MimeWebP && string(data[:4]) != "RIFF" {
			continue
		}
		return sig.mime
	}

	// Some producers prepend junk before the header.
	window := data[:min(len(data), pdfHeaderWindow)]
	if bytes.Contains(window, []byte("%PDF-")) {
		return MimePDF
	}
	return ""
}

// DecodeImage decodes an uploaded image (PNG, JPEG, GIF, BMP, TIFF, WebP).
// Rasters above MaxImagePixels are rejected before any pixel data is allocated.
func DecodeImage(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", apperrors.NewInvalidUploadError("image", fmt.Errorf("empty upload"))
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", apperrors.NewInvalidUploadError("image", describeDecodeError(data, err))
	}
	if err := checkDimensions(cfg.Width, cfg.Height); err != nil {
		return nil, "", apperrors.NewInvalidUploadError("image", err)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", apperrors.NewInvalidUploadError("image", describeDecodeError(data, err))
	}
	return img, format, nil
}

func describeDecodeError(data []byte, err error) error {
	if mime := DetectMimeType(data); mime != "" {
		return fmt.Errorf("corrupt %s data: %w", mime, err)
	}
	return fmt.Errorf("unrecognised image format: %w", err)
}

func checkDimensions(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	if int64(width)*int64(height) > MaxImagePixels {
		return fmt.Errorf("%dx%d exceeds the %d pixel limit", width, height, MaxImagePixels)
	}
	return nil
}

// ToRGB copies img into an opaque RGB raster, dropping alpha without compositing
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)

	switch src := img.(type) {
	case *image.NRGBA:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := out.Pix[out.PixOffset(b.Min.X, y):out.PixOffset(b.Max.X, y)]
			copy(row, src.Pix[src.PixOffset(b.Min.X, y):src.PixOffset(b.Max.X, y)])
			for i := 3; i < len(row); i += 4 {
				row[i] = 0xff
			}
		}
	case *image.RGBA:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := out.Pix[out.PixOffset(b.Min.X, y):out.PixOffset(b.Max.X, y)]
			copy(row, src.Pix[src.PixOffset(b.Min.X, y):src.PixOffset(b.Max.X, y)])
			for i := 0; i < len(row); i += 4 {
				unpremultiply(row[i : i+4 : i+4])
			}
		}
	case *image.Gray, *image.YCbCr:
		// Opaque sources: premultiplied and straight alpha coincide.
		draw.Draw(out, b, src, b.Min, draw.Src)
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
				out.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
			}
		}
	}
	return out
}

// unpremultiply rewrites a premultiplied RGBA pixel as its straight colour with full alpha,
// rounding the same way color.NRGBAModel does
func unpremultiply(px []byte) {
	a := uint32(px[3])
	switch a {
	case 0xff:
		return
	case 0:
		px[0], px[1], px[2] = 0, 0, 0
	default:
		for i := 0; i < 3; i++ {
			px[i] = uint8((uint32(px[i]) * 0xffff / a) >> 8)
		}
	}
	px[3] = 0xff
}

// ToGray converts img to 8-bit luma (ITU-R 601 weights)
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}

	b := img.Bounds()
	out := image.NewGray(b)

	if src, ok := img.(*image.RGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			in := src.Pix[src.PixOffset(b.Min.X, y):src.PixOffset(b.Max.X, y)]
			row := out.Pix[out.PixOffset(b.Min.X, y):out.PixOffset(b.Max.X, y)]
			for x := range row {
				r := uint32(in[4*x]) * 0x101
				g := uint32(in[4*x+1]) * 0x101
				bl := uint32(in[4*x+2]) * 0x101
				row[x] = uint8((19595*r + 38470*g + 7471*bl + 1<<15) >> 24)
			}
		}
		return out
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.SetGray(x, y, color.GrayModel.Convert(img.At(x, y)).(color.Gray))
		}
	}
	return out
}

// EncodePNG serialises img for the OCR engines
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
