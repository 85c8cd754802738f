package converter

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"go.uber.org/zap/zaptest"
)

func createTestImage(t *testing.T, width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8((x * 255) / width)
			g := uint8((y * 255) / height)
			b := uint8(128)
			img.Set(x, y, color.RGBA{r, g, b, 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestConverter_Normalize_ShrinksLargeSketch(t *testing.T) {
	converter := NewConverter(zaptest.NewLogger(t))

	out, err := converter.Normalize(createTestImage(t, 2048, 1024), 1024)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("Failed to decode output as PNG: %v", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() != 1024 || bounds.Dy() != 512 {
		t.Errorf("Expected dimensions 1024x512, got %dx%d", bounds.Dx(), bounds.Dy())
	}
}

func TestConverter_Normalize_KeepsSmallSketch(t *testing.T) {
	converter := NewConverter(zaptest.NewLogger(t))

	out, err := converter.Normalize(createTestImage(t, 400, 300), 1024)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("Failed to decode output as PNG: %v", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() != 400 || bounds.Dy() != 300 {
		t.Errorf("Expected dimensions 400x300 (original), got %dx%d", bounds.Dx(), bounds.Dy())
	}
}

func TestConverter_Thumbnail_Fit(t *testing.T) {
	converter := NewConverter(zaptest.NewLogger(t))

	out, err := converter.Thumbnail(createTestImage(t, 800, 600), 256, FormatJPEG, false)
	if err != nil {
		t.Fatalf("Thumbnail failed: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("Failed to decode output image: %v", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() != 256 || bounds.Dy() != 192 {
		t.Errorf("Expected dimensions 256x192, got %dx%d", bounds.Dx(), bounds.Dy())
	}
}

func TestConverter_Thumbnail_WithCrop(t *testing.T) {
	converter := NewConverter(zaptest.NewLogger(t))

	out, err := converter.Thumbnail(createTestImage(t, 800, 600), 300, FormatPNG, true)
	if err != nil {
		t.Fatalf("Thumbnail failed: %v", err)
	}

	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("Failed to decode output image: %v", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() != 300 || bounds.Dy() != 300 {
		t.Errorf("Expected dimensions 300x300, got %dx%d", bounds.Dx(), bounds.Dy())
	}
}

func TestConverter_Thumbnail_UnsupportedFormat(t *testing.T) {
	converter := NewConverter(zaptest.NewLogger(t))

	_, err := converter.Thumbnail(createTestImage(t, 400, 300), 100, "webp", false)
	if err == nil {
		t.Fatal("Expected error for unsupported format, got nil")
	}

	expectedErrMsg := "unsupported format: webp"
	if err.Error() != expectedErrMsg {
		t.Errorf("Expected '%s' error, got: %v", expectedErrMsg, err)
	}
}

func TestConverter_Normalize_InvalidData(t *testing.T) {
	converter := NewConverter(zaptest.NewLogger(t))

	if _, err := converter.Normalize([]byte("not an image"), 1024); err == nil {
		t.Fatal("Expected error for undecodable input, got nil")
	}
}
