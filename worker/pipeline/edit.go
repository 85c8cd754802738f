package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"sketchStudio/internal/imagedata"
	"sketchStudio/internal/models"
	"sketchStudio/worker/converter"
	"sketchStudio/worker/upstream/openai"
)

const (
	sketchMaxSide = 1024
	previewSide   = 256
)

type ImageEditor interface {
	Edit(ctx context.Context, in openai.EditRequest) (*openai.ImageResponse, error)
}

// Edit composes a sketch with a prompt through the image edit endpoint and
// publishes the result, plus an optional preview, to the CDN.
type Edit struct {
	editor    ImageEditor
	model     string
	cdn       Uploader
	converter *converter.Converter
	download  *Downloader
	logger    *zap.Logger
}

func NewEdit(editor ImageEditor, model string, cdn Uploader, conv *converter.Converter, download *Downloader, logger *zap.Logger) *Edit {
	return &Edit{
		editor:    editor,
		model:     model,
		cdn:       cdn,
		converter: conv,
		download:  download,
		logger:    logger,
	}
}

func (p *Edit) Run(ctx context.Context, task *models.Task, progress ProgressFunc) (*models.Result, error) {
	in, err := models.DecodeInput[models.EditInput](task)
	if err != nil {
		return nil, err
	}

	raw, _, err := imagedata.Decode(in.Image)
	if err != nil {
		return nil, fmt.Errorf("decode sketch: %w", err)
	}
	sketch, err := p.converter.Normalize(raw, sketchMaxSide)
	if err != nil {
		return nil, fmt.Errorf("normalize sketch: %w", err)
	}

	resp, err := p.editor.Edit(ctx, openai.EditRequest{
		Image:       sketch,
		ImageName:   "sketch.png",
		ContentType: "image/png",
		Prompt:      in.Prompt,
		Model:       p.model,
		Size:        in.Size,
		Quality:     in.Quality,
		Background:  in.Background,
	})
	if err != nil {
		return nil, fmt.Errorf("image edit: %w", err)
	}
	progress(60)

	image, err := p.imageBytes(ctx, resp.Data[0])
	if err != nil {
		return nil, err
	}

	url, err := p.cdn.Upload(ctx, p.cdn.Key(task.ID, "result.png"), image, "image/png")
	if err != nil {
		return nil, err
	}
	result := &models.Result{URL: url, Usage: resp.Usage}
	progress(90)

	if in.WantsPreview() {
		result.PreviewURL = p.preview(ctx, task, image)
	}
	return result, nil
}

func (p *Edit) imageBytes(ctx context.Context, data openai.ImageData) ([]byte, error) {
	switch {
	case data.B64JSON != "":
		image, err := base64.StdEncoding.DecodeString(data.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("decode edited image: %w", err)
		}
		return image, nil
	case data.URL != "":
		return p.download.Get(ctx, data.URL)
	default:
		return nil, errors.New("image edit returned neither data nor url")
	}
}

// preview is best effort: a failure leaves the result without a preview.
func (p *Edit) preview(ctx context.Context, task *models.Task, image []byte) string {
	thumb, err := p.converter.Thumbnail(image, previewSide, converter.FormatJPEG, false)
	if err == nil {
		var url string
		url, err = p.cdn.Upload(ctx, p.cdn.Key(task.ID, "preview.jpg"), thumb, "image/jpeg")
		if err == nil {
			return url
		}
	}
	p.logger.Warn("Preview skipped",
		zap.String("task_id", task.ID),
		zap.Error(err),
	)
	return ""
}
