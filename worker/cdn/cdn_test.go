package cdn

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3 struct {
	input    *s3.PutObjectInput
	body     []byte
	deadline bool
	err      error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	f.body, _ = io.ReadAll(params.Body)
	_, f.deadline = ctx.Deadline()
	return &s3.PutObjectOutput{}, f.err
}

func TestUploadReturnsPublicURL(t *testing.T) {
	fake := &fakeS3{}
	u := NewWithClient(fake, Config{
		Bucket:    "sketches",
		Region:    "eu-west-1",
		PublicURL: "https://cdn.example.com",
		Prefix:    "assets",
		Timeout:   time.Second,
	})

	key := u.Key("task-1", "result.png")
	url, err := u.Upload(context.Background(), key, []byte("png"), "image/png")
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}

	if url != "https://cdn.example.com/assets/task-1/result.png" {
		t.Errorf("Unexpected url %s", url)
	}
	if aws.ToString(fake.input.Bucket) != "sketches" || aws.ToString(fake.input.ContentType) != "image/png" {
		t.Errorf("Unexpected input: %+v", fake.input)
	}
	if string(fake.body) != "png" || !fake.deadline {
		t.Errorf("Body %q deadline %v", fake.body, fake.deadline)
	}
}

func TestURLFallbacks(t *testing.T) {
	u := NewWithClient(&fakeS3{}, Config{Bucket: "b", Region: "us-east-1"})
	if got := u.URL("k.png"); got != "https://b.s3.us-east-1.amazonaws.com/k.png" {
		t.Errorf("Unexpected aws url %s", got)
	}

	u = NewWithClient(&fakeS3{}, Config{Bucket: "b", Endpoint: "http://minio:9000"})
	if got := u.URL("k.png"); got != "http://minio:9000/b/k.png" {
		t.Errorf("Unexpected endpoint url %s", got)
	}
}

func TestUploadError(t *testing.T) {
	u := NewWithClient(&fakeS3{err: errors.New("access denied")}, Config{Bucket: "b"})
	if _, err := u.Upload(context.Background(), "k", nil, "image/png"); err == nil {
		t.Fatal("Expected upload error")
	}
}
