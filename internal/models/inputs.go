package models

import (
	"encoding/json"
	"fmt"
)

// Family names a task kind; each family owns its own store namespace.
type Family string

const (
	FamilyEdit        Family = "edit"
	FamilyGenerate    Family = "generate"
	FamilyReconstruct Family = "reconstruct"
)

func Families() []Family {
	return []Family{FamilyEdit, FamilyGenerate, FamilyReconstruct}
}

func ParseFamily(s string) (Family, bool) {
	for _, f := range Families() {
		if string(f) == s {
			return f, true
		}
	}
	return "", false
}

type EditInput struct {
	Image      string `json:"image"`
	Prompt     string `json:"prompt"`
	Size       string `json:"size,omitempty"`
	Quality    string `json:"quality,omitempty"`
	Background string `json:"background,omitempty"`
	Preview    *bool  `json:"preview,omitempty"`
}

func (in *EditInput) ApplyDefaults() {
	if in.Size == "" {
		in.Size = "1024x1024"
	}
	if in.Quality == "" {
		in.Quality = "auto"
	}
	if in.Preview == nil {
		on := true
		in.Preview = &on
	}
}

func (in *EditInput) WantsPreview() bool {
	return in.Preview == nil || *in.Preview
}

type GenerateInput struct {
	Prompt  string `json:"prompt"`
	Model   string `json:"model,omitempty"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
	Style   string `json:"style,omitempty"`
	N       int    `json:"n,omitempty"`
}

func (in *GenerateInput) ApplyDefaults() {
	if in.Model == "" {
		in.Model = "dall-e-3"
	}
	if in.Size == "" {
		in.Size = "1024x1024"
	}
	if in.Quality == "" {
		in.Quality = "standard"
	}
	if in.Style == "" {
		in.Style = "vivid"
	}
	if in.N == 0 {
		in.N = 1
	}
}

type ReconstructInput struct {
	ImageURL     string `json:"imageUrl"`
	ModelVersion string `json:"modelVersion,omitempty"`
	Texture      *bool  `json:"texture,omitempty"`
	PBR          *bool  `json:"pbr,omitempty"`
	FaceLimit    int    `json:"faceLimit,omitempty"`
}

func (in *ReconstructInput) ApplyDefaults() {
	if in.ModelVersion == "" {
		in.ModelVersion = "v2.5-20250123"
	}
	on := true
	if in.Texture == nil {
		in.Texture = &on
	}
	if in.PBR == nil {
		in.PBR = &on
	}
}

// DecodeInput unmarshals a stored input payload into the family's input type.
func DecodeInput[T any](t *Task) (*T, error) {
	var in T
	if len(t.Input) == 0 {
		return nil, fmt.Errorf("task %s has no input", t.ID)
	}
	if err := json.Unmarshal(t.Input, &in); err != nil {
		return nil, fmt.Errorf("decode %s input: %w", t.Family, err)
	}
	return &in, nil
}
