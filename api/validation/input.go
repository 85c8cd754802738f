package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"sketchStudio/internal/imagedata"
	"sketchStudio/internal/models"
)

const (
	minImages = 1
	maxImages = 4
)

type Limits struct {
	MaxImageBytes int64
}

// Input validates a submission body for family and returns the normalized
// input (defaults applied) that is stored on the task record.
func Input(family models.Family, body []byte, limits Limits) (json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil, ErrMalformedBody
	}

	var normalized any
	switch family {
	case models.FamilyEdit:
		var in models.EditInput
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		if err := validateEdit(&in, limits); err != nil {
			return nil, err
		}
		in.ApplyDefaults()
		normalized = &in
	case models.FamilyGenerate:
		var in models.GenerateInput
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		if err := validateGenerate(&in); err != nil {
			return nil, err
		}
		in.ApplyDefaults()
		normalized = &in
	case models.FamilyReconstruct:
		var in models.ReconstructInput
		if err := json.Unmarshal(body, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		if err := validateReconstruct(&in); err != nil {
			return nil, err
		}
		in.ApplyDefaults()
		normalized = &in
	default:
		return nil, fmt.Errorf("unknown family %q", family)
	}

	return json.Marshal(normalized)
}

func validateEdit(in *models.EditInput, limits Limits) error {
	if strings.TrimSpace(in.Image) == "" {
		return missing("image")
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return missing("prompt")
	}
	if err := Image(in.Image, limits.MaxImageBytes); err != nil {
		return err
	}
	if in.Size != "" && in.Size != "auto" && !validSize(in.Size) {
		return invalid("size", "expected WIDTHxHEIGHT or auto")
	}
	return nil
}

func validateGenerate(in *models.GenerateInput) error {
	if strings.TrimSpace(in.Prompt) == "" {
		return missing("prompt")
	}
	if in.N != 0 && (in.N < minImages || in.N > maxImages) {
		return invalid("n", fmt.Sprintf("must be between %d and %d", minImages, maxImages))
	}
	if in.Size != "" && !validSize(in.Size) {
		return invalid("size", "expected WIDTHxHEIGHT")
	}
	return nil
}

func validateReconstruct(in *models.ReconstructInput) error {
	if strings.TrimSpace(in.ImageURL) == "" {
		return missing("imageUrl")
	}
	u, err := url.Parse(in.ImageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("imageUrl", "must be an absolute http(s) URL")
	}
	if in.FaceLimit < 0 {
		return invalid("faceLimit", "must not be negative")
	}
	return nil
}

// Image checks that s decodes to a supported image no larger than maxBytes.
// A maxBytes of zero disables the size check.
func Image(s string, maxBytes int64) error {
	data, _, err := imagedata.Decode(s)
	if err != nil {
		return &FieldError{Field: "image", Err: ErrInvalidImage, Detail: err.Error()}
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return &FieldError{
			Field:  "image",
			Err:    ErrImageTooLarge,
			Detail: fmt.Sprintf("%d bytes, limit %d", len(data), maxBytes),
		}
	}
	return nil
}

func validSize(size string) bool {
	w, h, ok := strings.Cut(size, "x")
	if !ok {
		return false
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return false
	}
	height, err := strconv.Atoi(h)
	return err == nil && height > 0
}
