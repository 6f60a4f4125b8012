package kmztiles

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"gocloud.dev/blob"
)

// UploadOptions tunes the bucket writer.
type UploadOptions struct {
	BufferSize     int
	MaxConcurrency int
}

// Upload copies a local file to key in the bucket at bucketURL.
func Upload(ctx context.Context, logger *zap.Logger, input string, bucketURL string, key string, opts UploadOptions) error {
	if input == "" || bucketURL == "" || key == "" {
		return configErr("upload", fmt.Errorf("%w: input, bucket and key are required", ErrInvalidConfig))
	}
	logger.Info("uploading", zap.String("input", input), zap.String("bucket", bucketURL), zap.String("key", key))

	b, err := OpenBucket(ctx, bucketURL, "")
	if err != nil {
		return fmt.Errorf("Failed to setup bucket: %w", err)
	}
	defer b.Close()

	f, err := os.Open(input)
	if err != nil {
		return fmt.Errorf("Failed to open file: %w", err)
	}
	defer f.Close()
	filestat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("Failed to open file: %w", err)
	}

	if opts.BufferSize == 0 {
		opts.BufferSize = 256 * 1024 * 1024
	}
	if opts.MaxConcurrency == 0 {
		opts.MaxConcurrency = 2
	}
	// canceling wctx before Close discards a partial upload
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, err := b.NewWriter(wctx, key, &blob.WriterOptions{
		BufferSize:     opts.BufferSize,
		MaxConcurrency: opts.MaxConcurrency,
	})
	if err != nil {
		return fmt.Errorf("Failed to obtain writer: %w", err)
	}

	progress := getProgressWriter().NewBytesProgress(filestat.Size(), "uploading")
	defer progress.Close()
	if _, err := io.Copy(io.MultiWriter(w, progress), f); err != nil {
		cancel()
		w.Close()
		return fmt.Errorf("Failed to write to bucket: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("Failed to close: %w", err)
	}
	logger.Info("uploaded", zap.String("key", key), zap.Int64("size", filestat.Size()))
	return nil
}
