package pipeline

import (
	"fmt"

	"github.com/italolelis/image_toolkit/internal/apperr"
	"github.com/italolelis/image_toolkit/internal/codec"
)

// Operation is one transform. Apply receives the raw bytes of every input
// upload in order.
type Operation interface {
	Name() string
	// Prefix starts the download file name of the result.
	Prefix() string
	Apply(inputs [][]byte) (codec.Output, error)
}

type CompressOp struct {
	Options CompressOptions
}

func (CompressOp) Name() string   { return "compress" }
func (CompressOp) Prefix() string { return "compressed" }

func (o CompressOp) Apply(inputs [][]byte) (codec.Output, error) {
	data, err := single(inputs)
	if err != nil {
		return codec.Output{}, err
	}

	return codec.Compress(data, o.Options.Quality)
}

type ResizeOp struct {
	Options ResizeOptions
}

func (ResizeOp) Name() string   { return "resize" }
func (ResizeOp) Prefix() string { return "resized" }

func (o ResizeOp) Apply(inputs [][]byte) (codec.Output, error) {
	data, err := single(inputs)
	if err != nil {
		return codec.Output{}, err
	}

	return codec.Resize(data, codec.ResizeOptions{
		Width:       o.Options.Width,
		Height:      o.Options.Height,
		KeepAspect:  o.Options.KeepAspect,
		Quality:     o.Options.Quality,
		TargetBytes: o.Options.TargetKB * 1024,
	})
}

type PassportOp struct {
	Options PassportOptions
}

func (PassportOp) Name() string   { return "passport" }
func (PassportOp) Prefix() string { return "passport" }

func (o PassportOp) Apply(inputs [][]byte) (codec.Output, error) {
	data, err := single(inputs)
	if err != nil {
		return codec.Output{}, err
	}

	return codec.Passport(data, o.Options.Size, o.Options.Quality, o.Options.TargetKB*1024)
}

type PDFOp struct{}

func (PDFOp) Name() string   { return "pdf" }
func (PDFOp) Prefix() string { return "images" }

func (PDFOp) Apply(inputs [][]byte) (codec.Output, error) {
	switch {
	case len(inputs) == 0:
		return codec.Output{}, apperr.Invalid("images", "At least one image is required")
	case len(inputs) > codec.MaxPDFImages:
		return codec.Output{}, apperr.Invalid("images", fmt.Sprintf("At most %d images are allowed", codec.MaxPDFImages))
	}

	return codec.ImagesToPDF(inputs)
}

func single(inputs [][]byte) ([]byte, error) {
	if len(inputs) != 1 {
		return nil, apperr.Invalid("image", "Image file is required")
	}

	return inputs[0], nil
}
