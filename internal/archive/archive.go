// Package archive snapshots the result store to local disk or S3 before a bulk clear.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"sentiment-dispatcher/internal/config"
	"sentiment-dispatcher/internal/models"
)

// Uploader stores one object and returns where it landed.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver writes JSON snapshots of records through an Uploader.
type Archiver struct {
	uploader Uploader
	now      func() time.Time
}

// Snapshot is the document written for each clear.
type Snapshot struct {
	ArchivedAt time.Time       `json:"archived_at"`
	Count      int             `json:"count"`
	Results    []models.Record `json:"results"`
}

// New picks S3 when a bucket is configured, else ARCHIVE_DIR. It returns nil
// when neither is set, meaning clears are not archived.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	switch {
	case cfg.ArchiveS3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewWithUploader(&S3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}), nil
	case cfg.ArchiveDir != "":
		return NewWithUploader(&LocalUploader{BaseDir: cfg.ArchiveDir}), nil
	default:
		return nil, nil
	}
}

func NewWithUploader(u Uploader) *Archiver {
	return &Archiver{uploader: u, now: func() time.Time { return time.Now().UTC() }}
}

// Snapshot uploads records as one JSON document and returns its location.
func (a *Archiver) Snapshot(ctx context.Context, records []models.Record) (string, error) {
	ts := a.now()
	if records == nil {
		records = []models.Record{}
	}
	body, err := json.MarshalIndent(Snapshot{ArchivedAt: ts, Count: len(records), Results: records}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	key := "results-" + ts.Format("20060102T150405.000000000Z") + ".json"
	loc, err := a.uploader.Upload(ctx, key, body, "application/json")
	if err != nil {
		return "", fmt.Errorf("archive snapshot: %w", err)
	}
	return loc, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// LocalUploader writes objects below BaseDir.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type S3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}
