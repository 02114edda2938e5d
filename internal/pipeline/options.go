package pipeline

import (
	"math"
	"strconv"
	"strings"

	"github.com/italolelis/image_toolkit/internal/apperr"
	"github.com/italolelis/image_toolkit/internal/codec"
)

const (
	MinQuality = 10
	MaxQuality = 90

	DefaultCompressQuality = 70
	DefaultResizeQuality   = 80
	DefaultPassportQuality = 80

	DefaultPreset = "passport"
)

// Presets are the passport photo sizes in pixels.
var Presets = map[string]codec.Size{
	"passport": {Width: 413, Height: 531},
	"twoInch":  {Width: 600, Height: 600},
}

var presetAliases = map[string]string{
	"2x2":     "twoInch",
	"2x2inch": "twoInch",
}

// Values is the read side of a parsed form; url.Values satisfies it.
type Values interface {
	Get(key string) string
}

type CompressOptions struct {
	Quality int
}

type ResizeOptions struct {
	Width      int
	Height     int
	KeepAspect bool
	Quality    int
	TargetKB   int
}

type PassportOptions struct {
	Preset   string
	Size     codec.Size
	Quality  int
	TargetKB int
}

// ParseCompress never fails: a missing or unreadable quality falls back to
// the default and anything else is clamped.
func ParseCompress(v Values) CompressOptions {
	return CompressOptions{Quality: parseQuality(v.Get("quality"), DefaultCompressQuality)}
}

func ParseResize(v Values) (ResizeOptions, error) {
	opts := ResizeOptions{
		KeepAspect: true,
		Quality:    parseQuality(v.Get("quality"), DefaultResizeQuality),
	}

	var err error

	if opts.Width, err = parsePositive(v, "width"); err != nil {
		return ResizeOptions{}, err
	}

	if opts.Height, err = parsePositive(v, "height"); err != nil {
		return ResizeOptions{}, err
	}

	if opts.TargetKB, err = parsePositive(v, "targetKB"); err != nil {
		return ResizeOptions{}, err
	}

	if raw := strings.TrimSpace(v.Get("keepAspect")); raw != "" {
		keep, err := strconv.ParseBool(raw)
		if err != nil {
			return ResizeOptions{}, apperr.Invalid("keepAspect", "keepAspect must be true or false")
		}

		opts.KeepAspect = keep
	}

	if opts.Width == 0 && opts.Height == 0 && opts.TargetKB == 0 {
		return ResizeOptions{}, apperr.Invalid("", "Width, height, or targetKB is required")
	}

	return opts, nil
}

func ParsePassport(v Values) (PassportOptions, error) {
	name := strings.TrimSpace(v.Get("preset"))
	if name == "" {
		name = DefaultPreset
	}

	if alias, ok := presetAliases[name]; ok {
		name = alias
	}

	size, ok := Presets[name]
	if !ok {
		return PassportOptions{}, apperr.Invalid("preset", "Invalid preset")
	}

	targetKB, err := parsePositive(v, "targetKB")
	if err != nil {
		return PassportOptions{}, err
	}

	return PassportOptions{
		Preset:   name,
		Size:     size,
		Quality:  parseQuality(v.Get("quality"), DefaultPassportQuality),
		TargetKB: targetKB,
	}, nil
}

// ClampQuality bounds q to [MinQuality, MaxQuality].
func ClampQuality(q int) int {
	return min(MaxQuality, max(MinQuality, q))
}

func parseQuality(raw string, def int) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}

	return ClampQuality(int(math.Round(f)))
}

// parsePositive reads an optional positive integer field. Absent is 0.
func parsePositive(v Values, field string) (int, error) {
	raw := strings.TrimSpace(v.Get(field))
	if raw == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, &apperr.ValidationError{
			Field:  field,
			Reason: field + " must be a positive integer",
			Err:    err,
		}
	}

	return n, nil
}
