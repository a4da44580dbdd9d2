// Package report exports execution summaries to S3 or the local disk.
package report

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

	"loan-cob-scheduler/internal/config"
	"loan-cob-scheduler/internal/models"
)

// Uploader stores one object and returns where it landed.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Summary is the exported record of a finished execution.
type Summary struct {
	Execution   models.JobExecution `json:"execution"`
	COBDate     string              `json:"cob_date"`
	Failures    []models.AuditLog   `json:"failures"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// Exporter writes summaries through an uploader.
type Exporter struct {
	uploader Uploader
}

// New chooses S3 when a bucket is configured and the local directory
// otherwise.
func New(ctx context.Context, cfg config.Config) (*Exporter, error) {
	if cfg.ReportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewExporter(&s3Uploader{client: client, bucket: cfg.ReportS3Bucket}), nil
	}
	baseDir := cfg.ReportOutputDir
	if baseDir == "" {
		baseDir = "./reports"
	}
	return NewExporter(&localUploader{baseDir: baseDir}), nil
}

func NewExporter(u Uploader) *Exporter {
	return &Exporter{uploader: u}
}

// Key is the object key of an execution's summary.
func Key(exec models.JobExecution) string {
	return sanitizeKey(fmt.Sprintf("cob/%s/%s/execution-%d.json", exec.JobName, models.FormatDate(exec.BusinessDate), exec.ID))
}

// Export uploads the summary of exec.
func (e *Exporter) Export(ctx context.Context, exec models.JobExecution, failures []models.AuditLog) (string, error) {
	if failures == nil {
		failures = []models.AuditLog{}
	}
	body, err := json.MarshalIndent(Summary{
		Execution:   exec,
		COBDate:     models.FormatDate(exec.BusinessDate),
		Failures:    failures,
		GeneratedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	loc, err := e.uploader.Upload(ctx, Key(exec), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return loc, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ReportS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ReportS3PathStyle
		if cfg.ReportS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ReportS3Endpoint)
		}
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
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
