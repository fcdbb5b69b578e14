package artifacts

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/plue-dev/plue-flow/state"
)

// S3Config configures the S3 log archiver.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

// S3Archiver writes finished task logs to AWS S3.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver loads AWS config and prepares an archiver.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ArchiveTaskLog uploads a task's log stream as one text object and returns
// a s3:// URI.
func (a *S3Archiver) ArchiveTaskLog(ctx context.Context, task state.Task, lines []state.LogLine) (string, error) {
	key := a.objectKey("jobs", fmt.Sprintf("%d", task.JobID), "tasks", fmt.Sprintf("%d", task.ID), "log.txt")

	var body strings.Builder
	for _, line := range lines {
		body.WriteString(line.Content)
		body.WriteString("\n")
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        strings.NewReader(body.String()),
		ContentType: ptr("text/plain"),
	})
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

func (a *S3Archiver) objectKey(parts ...string) string {
	if a.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{a.prefix}, parts...)...)
}

func ptr[T any](v T) *T {
	return &v
}
