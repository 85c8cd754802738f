package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sketchStudio/internal/imagedata"
	"sketchStudio/internal/models"
	"sketchStudio/worker/upstream/tripo"
)

type Reconstructor interface {
	RequestUpload(ctx context.Context, format string) (*tripo.STSToken, error)
	UploadObject(ctx context.Context, tok *tripo.STSToken, data []byte, contentType string) (tripo.ObjectRef, error)
	CreateTask(ctx context.Context, req tripo.TaskRequest) (string, error)
	Watch(ctx context.Context, id string, onProgress func(float64)) (*tripo.Task, error)
	GetTask(ctx context.Context, id string) (*tripo.Task, error)
}

const defaultReconstructTimeout = 5 * time.Minute

// Reconstruct lifts a 2D image into a 3D model. Only the wait on the remote
// task is bounded by timeout; a task that never reports back fails with a
// timed out error.
type Reconstruct struct {
	remote   Reconstructor
	download *Downloader
	timeout  time.Duration
	logger   *zap.Logger
}

func NewReconstruct(remote Reconstructor, download *Downloader, timeout time.Duration, logger *zap.Logger) *Reconstruct {
	if timeout <= 0 {
		timeout = defaultReconstructTimeout
	}
	return &Reconstruct{remote: remote, download: download, timeout: timeout, logger: logger}
}

func (p *Reconstruct) Run(ctx context.Context, task *models.Task, progress ProgressFunc) (*models.Result, error) {
	in, err := models.DecodeInput[models.ReconstructInput](task)
	if err != nil {
		return nil, err
	}

	source, err := p.download.Get(ctx, in.ImageURL)
	if err != nil {
		return nil, err
	}
	fileType, err := imagedata.DetectFileType(source)
	if err != nil {
		return nil, fmt.Errorf("source image: %w", err)
	}
	format, err := remoteFormat(fileType)
	if err != nil {
		return nil, err
	}

	tok, err := p.remote.RequestUpload(ctx, format)
	if err != nil {
		return nil, fmt.Errorf("request upload: %w", err)
	}
	ref, err := p.remote.UploadObject(ctx, tok, source, fileType.MimeType())
	if err != nil {
		return nil, err
	}

	req := tripo.TaskRequest{
		Type:         "image_to_model",
		ModelVersion: in.ModelVersion,
		Texture:      in.Texture,
		PBR:          in.PBR,
		FaceLimit:    in.FaceLimit,
	}
	req.File.Type = format
	req.File.Object = ref

	remoteID, err := p.remote.CreateTask(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create reconstruction: %w", err)
	}
	p.logger.Info("Reconstruction started",
		zap.String("task_id", task.ID),
		zap.String("remote_task_id", remoteID),
	)

	watchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	remote, err := p.remote.Watch(watchCtx, remoteID, progress)
	switch {
	case err == nil:
	case errors.Is(err, tripo.ErrTimeout) && ctx.Err() != nil:
		return nil, fmt.Errorf("task deadline reached while waiting for reconstruction (remote task %s): %w", remoteID, ctx.Err())
	case errors.Is(err, tripo.ErrTimeout):
		return nil, fmt.Errorf("reconstruction timed out after %s (remote task %s)", p.timeout, remoteID)
	case errors.Is(err, tripo.ErrTaskFailed), watchCtx.Err() != nil:
		return nil, err
	default:
		// The socket dropped without a terminal event.
		remote, err = p.recheck(watchCtx, remoteID, err)
		if err != nil {
			return nil, err
		}
	}

	modelURL := remote.Output.Model
	if modelURL == "" {
		modelURL = remote.Output.BaseModel
	}
	if modelURL == "" && remote.Output.PBRModel == "" {
		return nil, fmt.Errorf("reconstruction %s finished without a model", remoteID)
	}

	return &models.Result{
		ModelURL:     modelURL,
		PBRModelURL:  remote.Output.PBRModel,
		PreviewURL:   remote.Output.RenderedImage,
		RemoteTaskID: remoteID,
	}, nil
}

// recheck asks for the remote task once after the watch socket failed.
func (p *Reconstruct) recheck(ctx context.Context, remoteID string, watchErr error) (*tripo.Task, error) {
	p.logger.Warn("Reconstruction watch dropped, checking task status",
		zap.String("remote_task_id", remoteID),
		zap.Error(watchErr),
	)

	remote, err := p.remote.GetTask(ctx, remoteID)
	if err != nil {
		return nil, fmt.Errorf("%w (status check: %v)", watchErr, err)
	}
	if !remote.Terminal() {
		return nil, fmt.Errorf("%w (remote task %s still %s)", watchErr, remoteID, remote.Status)
	}
	if remote.Status != "success" {
		return nil, fmt.Errorf("%w: task %s is %s", tripo.ErrTaskFailed, remoteID, remote.Status)
	}
	return remote, nil
}

func remoteFormat(fileType imagedata.FileType) (string, error) {
	switch fileType {
	case imagedata.FileTypePNG:
		return "png", nil
	case imagedata.FileTypeJPEG:
		return "jpg", nil
	case imagedata.FileTypeWEBP:
		return "webp", nil
	default:
		return "", fmt.Errorf("source image type %s is not supported for reconstruction", fileType)
	}
}
