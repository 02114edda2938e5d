// Package codec wraps the image and PDF libraries behind the byte-in,
// byte-out contracts the pipeline needs.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/disintegration/imaging"
)

// Format is an output encoding.
type Format int

const (
	JPEG Format = iota
	PNG
	PDF
)

func (f Format) MediaType() string {
	switch f {
	case PNG:
		return "image/png"
	case PDF:
		return "application/pdf"
	default:
		return "image/jpeg"
	}
}

func (f Format) Ext() string {
	switch f {
	case PNG:
		return ".png"
	case PDF:
		return ".pdf"
	default:
		return ".jpg"
	}
}

// ErrUnsupportedFormat is returned for inputs that are neither JPEG nor PNG.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Output is an encoded result.
type Output struct {
	Data   []byte
	Format Format
}

// Size is a pixel box.
type Size struct {
	Width  int
	Height int
}

// DetectFormat reports whether data is a JPEG or a PNG image.
func DetectFormat(data []byte) (Format, error) {
	_, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}

	switch name {
	case "jpeg":
		return JPEG, nil
	case "png":
		return PNG, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
}

func decode(data []byte) (image.Image, Format, error) {
	format, err := DetectFormat(data)
	if err != nil {
		return nil, 0, err
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode image: %w", err)
	}

	return img, format, nil
}

// Compress re-encodes data in its own format at the given quality.
func Compress(data []byte, quality int) (Output, error) {
	img, format, err := decode(data)
	if err != nil {
		return Output{}, err
	}

	out, err := encode(img, format, quality)
	if err != nil {
		return Output{}, err
	}

	return Output{Data: out, Format: format}, nil
}

// ResizeOptions controls Resize. A zero Width or Height is derived from the
// aspect ratio; TargetBytes of zero disables the size search.
type ResizeOptions struct {
	Width       int
	Height      int
	KeepAspect  bool
	Quality     int
	TargetBytes int
}

// Resize scales the image. With KeepAspect and both bounds set the image is
// scaled to fit inside the box, enlarging if needed; otherwise it is
// stretched to the exact box. With a target size the output is always JPEG.
func Resize(data []byte, opts ResizeOptions) (Output, error) {
	img, format, err := decode(data)
	if err != nil {
		return Output{}, err
	}

	img = scale(img, opts.Width, opts.Height, opts.KeepAspect)

	if opts.TargetBytes > 0 {
		flat := flatten(img)

		out, _, err := ReduceToTarget(func(q int) ([]byte, error) {
			return encode(flat, JPEG, q)
		}, opts.Quality, opts.TargetBytes)
		if err != nil {
			return Output{}, err
		}

		return Output{Data: out, Format: JPEG}, nil
	}

	out, err := encode(img, format, opts.Quality)
	if err != nil {
		return Output{}, err
	}

	return Output{Data: out, Format: format}, nil
}

// Passport cover-crops the image to size around its centre, flattens it on
// white and encodes it as JPEG, shrinking toward targetBytes when set.
func Passport(data []byte, size Size, quality, targetBytes int) (Output, error) {
	img, _, err := decode(data)
	if err != nil {
		return Output{}, err
	}

	flat := flatten(imaging.Fill(img, size.Width, size.Height, imaging.Center, imaging.Lanczos))

	out, _, err := ReduceToTarget(func(q int) ([]byte, error) {
		return encode(flat, JPEG, q)
	}, quality, targetBytes)
	if err != nil {
		return Output{}, err
	}

	return Output{Data: out, Format: JPEG}, nil
}

func scale(img image.Image, width, height int, keepAspect bool) image.Image {
	if width <= 0 && height <= 0 {
		return img
	}

	if keepAspect && width > 0 && height > 0 {
		b := img.Bounds()
		ratio := math.Min(float64(width)/float64(b.Dx()), float64(height)/float64(b.Dy()))
		width = max(1, int(math.Round(float64(b.Dx())*ratio)))
		height = max(1, int(math.Round(float64(b.Dy())*ratio)))
	}

	return imaging.Resize(img, width, height, imaging.Lanczos)
}

func flatten(img image.Image) *image.NRGBA {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)

	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

func encode(img image.Image, format Format, quality int) ([]byte, error) {
	var (
		buf bytes.Buffer
		err error
	)

	switch format {
	case PNG:
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(pngLevel(quality)))
	default:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	return buf.Bytes(), nil
}

// PNG is lossless: a lower quality buys a smaller file through harder
// compression instead.
func pngLevel(quality int) png.CompressionLevel {
	switch {
	case quality < 50:
		return png.BestCompression
	case quality >= 85:
		return png.BestSpeed
	default:
		return png.DefaultCompression
	}
}
