package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// GCSPDFValidator downloads an uploaded object and checks it is a readable
// PDF with at least one page before the document is counted. Corrupt
// uploads caught here never reach a training batch.
type GCSPDFValidator struct {
	storageClient *storage.Client
}

// NewGCSPDFValidator creates a validator over an existing storage client.
func NewGCSPDFValidator(client *storage.Client) *GCSPDFValidator {
	return &GCSPDFValidator{storageClient: client}
}

func (v *GCSPDFValidator) Validate(ctx context.Context, sourceURI string) error {
	bucket, object, err := splitGCSURI(sourceURI)
	if err != nil {
		return err
	}

	tempDir, err := os.MkdirTemp("", "upload-check-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	localPath := filepath.Join(tempDir, "upload.pdf")
	if err := v.download(ctx, bucket, object, localPath); err != nil {
		return err
	}

	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	if err := api.ValidateFile(localPath, cfg); err != nil {
		return fmt.Errorf("not a valid PDF: %w", err)
	}
	pageCount, err := api.PageCountFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to get page count: %w", err)
	}
	if pageCount < 1 {
		return fmt.Errorf("PDF has no pages")
	}
	return nil
}

func (v *GCSPDFValidator) download(ctx context.Context, bucket, object, destPath string) error {
	reader, err := v.storageClient.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, object, err)
	}
	defer reader.Close()
	localFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file at %s: %w", destPath, err)
	}
	defer localFile.Close()
	if _, err := io.Copy(localFile, reader); err != nil {
		return fmt.Errorf("failed to copy GCS object to local file: %w", err)
	}
	return nil
}

// splitGCSURI parses gs://bucket/object into its parts.
func splitGCSURI(uri string) (bucket, object string, err error) {
	trimmed := strings.TrimPrefix(uri, "gs://")
	if trimmed == uri {
		return "", "", fmt.Errorf("not a GCS URI: %s", uri)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed GCS URI: %s", uri)
	}
	return parts[0], parts[1], nil
}
