package cdn

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PutObjectAPI is the slice of the S3 client the uploader needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PublicURL string
	Prefix    string
	Timeout   time.Duration
}

// Uploader writes generated assets to an S3-compatible bucket fronted by a
// public URL.
type Uploader struct {
	client PutObjectAPI
	cfg    Config
}

func New(ctx context.Context, cfg Config) (*Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg), nil
}

func NewWithClient(client PutObjectAPI, cfg Config) *Uploader {
	return &Uploader{client: client, cfg: cfg}
}

// Key places name under the configured prefix, grouped by task.
func (u *Uploader) Key(taskID, name string) string {
	return path.Join(u.cfg.Prefix, taskID, name)
}

func (u *Uploader) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if u.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.cfg.Timeout)
		defer cancel()
	}

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		CacheControl:  aws.String("public, max-age=31536000, immutable"),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return u.URL(key), nil
}

func (u *Uploader) URL(key string) string {
	if u.cfg.PublicURL != "" {
		return u.cfg.PublicURL + "/" + key
	}
	if u.cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", u.cfg.Endpoint, u.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, key)
}
