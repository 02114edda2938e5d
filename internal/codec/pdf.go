package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/go-pdf/fpdf"
)

// MaxPDFImages caps how many images one document may hold.
const MaxPDFImages = 10

var ErrNoImages = errors.New("at least one image is required")

// ImagesToPDF builds a document with one page per image, each page sized to
// the image's pixel dimensions with the image drawn full-bleed.
func ImagesToPDF(images [][]byte) (Output, error) {
	if len(images) == 0 {
		return Output{}, ErrNoImages
	}

	pdf := fpdf.NewCustom(&fpdf.InitType{
		UnitStr: "pt",
		Size:    fpdf.SizeType{Wd: 595.28, Ht: 841.89},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetCreator("image_toolkit", false)

	for i, data := range images {
		embedded, imageType, size, err := prepareForPDF(data)
		if err != nil {
			return Output{}, fmt.Errorf("image %d: %w", i+1, err)
		}

		name := "img" + strconv.Itoa(i)
		opts := fpdf.ImageOptions{ImageType: imageType}
		w, h := float64(size.Width), float64(size.Height)

		pdf.AddPageFormat("P", fpdf.SizeType{Wd: w, Ht: h})
		pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(embedded))
		pdf.ImageOptions(name, 0, 0, w, h, false, opts, 0, "")

		if err := pdf.Error(); err != nil {
			return Output{}, fmt.Errorf("image %d: %w", i+1, err)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return Output{}, fmt.Errorf("failed to write pdf: %w", err)
	}

	return Output{Data: buf.Bytes(), Format: PDF}, nil
}

// prepareForPDF returns bytes the PDF writer can embed: JPEGs as they are,
// PNGs normalised to 8 bits per channel.
func prepareForPDF(data []byte) ([]byte, string, Size, error) {
	format, err := DetectFormat(data)
	if err != nil {
		return nil, "", Size{}, err
	}

	if format == JPEG {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, "", Size{}, fmt.Errorf("failed to read jpeg header: %w", err)
		}

		return data, "JPG", Size{Width: cfg.Width, Height: cfg.Height}, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", Size{}, fmt.Errorf("failed to decode image: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, imaging.Clone(img)); err != nil {
		return nil, "", Size{}, fmt.Errorf("failed to normalise png: %w", err)
	}

	b := img.Bounds()

	return buf.Bytes(), "PNG", Size{Width: b.Dx(), Height: b.Dy()}, nil
}
