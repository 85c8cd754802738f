package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"sketchStudio/internal/models"
	"sketchStudio/worker/upstream/openai"
)

type ImageGenerator interface {
	Generate(ctx context.Context, in openai.GenerateRequest) (*openai.ImageResponse, error)
}

// Generate turns a text prompt into one or more hosted images. Images that
// come back inline are published through cdn when one is configured.
type Generate struct {
	generator ImageGenerator
	cdn       Uploader
}

func NewGenerate(generator ImageGenerator, cdn Uploader) *Generate {
	return &Generate{generator: generator, cdn: cdn}
}

func (p *Generate) Run(ctx context.Context, task *models.Task, progress ProgressFunc) (*models.Result, error) {
	in, err := models.DecodeInput[models.GenerateInput](task)
	if err != nil {
		return nil, err
	}

	resp, err := p.generator.Generate(ctx, openai.GenerateRequest{
		Prompt:  in.Prompt,
		Model:   in.Model,
		Size:    in.Size,
		Quality: in.Quality,
		Style:   in.Style,
		N:       in.N,
	})
	if err != nil {
		return nil, fmt.Errorf("image generation: %w", err)
	}
	progress(80)

	urls := make([]string, 0, len(resp.Data))
	for i, data := range resp.Data {
		url, err := p.hosted(ctx, task.ID, i, data)
		if err != nil {
			return nil, err
		}
		urls = append(urls, url)
	}

	return &models.Result{
		URL:           urls[0],
		URLs:          urls,
		RevisedPrompt: resp.Data[0].RevisedPrompt,
		Usage:         resp.Usage,
	}, nil
}

func (p *Generate) hosted(ctx context.Context, taskID string, i int, data openai.ImageData) (string, error) {
	if data.URL != "" {
		return data.URL, nil
	}
	if data.B64JSON == "" {
		return "", errors.New("image generation returned neither data nor url")
	}
	if p.cdn == nil {
		return "", errors.New("image generation returned inline data and no CDN is configured")
	}

	image, err := base64.StdEncoding.DecodeString(data.B64JSON)
	if err != nil {
		return "", fmt.Errorf("decode generated image: %w", err)
	}
	return p.cdn.Upload(ctx, p.cdn.Key(taskID, fmt.Sprintf("generated-%d.png", i)), image, "image/png")
}
