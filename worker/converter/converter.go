package converter

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
)

const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

type Converter struct {
	logger *zap.Logger
}

func NewConverter(logger *zap.Logger) *Converter {
	return &Converter{logger: logger}
}

// Normalize decodes a sketch, applies its EXIF orientation, shrinks it to fit
// within maxSide×maxSide and re-encodes it as PNG. Smaller images keep their
// size.
func (c *Converter) Normalize(data []byte, maxSide int) ([]byte, error) {
	src, err := decode(data)
	if err != nil {
		return nil, err
	}

	bounds := src.Bounds()
	var processed *image.NRGBA
	if maxSide > 0 && (bounds.Dx() > maxSide || bounds.Dy() > maxSide) {
		c.logger.Debug("Resizing sketch",
			zap.Int("width", bounds.Dx()),
			zap.Int("height", bounds.Dy()),
			zap.Int("max_side", maxSide),
		)
		processed = imaging.Fit(src, maxSide, maxSide, imaging.Lanczos)
	} else {
		processed = imaging.Clone(src)
	}

	return encode(processed, FormatPNG)
}

// Thumbnail produces a preview no larger than side×side. When crop is set the
// preview is filled to exactly side×side around the center.
func (c *Converter) Thumbnail(data []byte, side int, format string, crop bool) ([]byte, error) {
	src, err := decode(data)
	if err != nil {
		return nil, err
	}

	var processed *image.NRGBA
	if crop {
		processed = imaging.Fill(src, side, side, imaging.Center, imaging.Lanczos)
	} else {
		processed = imaging.Fit(src, side, side, imaging.Lanczos)
	}

	out, err := encode(processed, format)
	if err != nil {
		c.logger.Error("Failed to encode thumbnail", zap.String("format", format), zap.Error(err))
		return nil, err
	}
	return out, nil
}

func decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

func encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatPNG:
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, fmt.Errorf("failed to encode PNG: %w", err)
		}
	case FormatJPEG, "jpg":
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
			return nil, fmt.Errorf("failed to encode JPEG: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
	return buf.Bytes(), nil
}
