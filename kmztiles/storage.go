package kmztiles

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
)

// NormalizeBucketKey splits a local path or a bucket-relative key into a
// bucket URL and a key. With an empty bucket, key is treated as a local
// file and the bucket is its directory.
func NormalizeBucketKey(bucket string, prefix string, key string) (string, string, error) {
	if bucket != "" {
		return bucket, key, nil
	}
	fileprotocol := "file://"
	if string(os.PathSeparator) != "/" {
		fileprotocol += "/"
	}
	if prefix != "" {
		abs, err := filepath.Abs(prefix)
		if err != nil {
			return "", "", err
		}
		return fileprotocol + filepath.ToSlash(abs), key, nil
	}
	abs, err := filepath.Abs(key)
	if err != nil {
		return "", "", err
	}
	return fileprotocol + filepath.ToSlash(filepath.Dir(abs)), filepath.Base(abs), nil
}

// OpenBucket opens bucketURL through the registered gocloud drivers,
// optionally scoped to prefix.
func OpenBucket(ctx context.Context, bucketURL string, prefix string) (*blob.Bucket, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	if prefix != "" && prefix != "/" && prefix != "." {
		bucket = blob.PrefixedBucket(bucket, path.Clean(prefix)+"/")
	}
	return bucket, nil
}

// ReadObject reads a whole object. An empty bucketURL reads key from the
// local filesystem.
func ReadObject(ctx context.Context, bucketURL string, key string) ([]byte, error) {
	bucketURL, key, err := NormalizeBucketKey(bucketURL, "", key)
	if err != nil {
		return nil, err
	}
	bucket, err := OpenBucket(ctx, bucketURL, "")
	if err != nil {
		return nil, fmt.Errorf("Failed to open bucket for %s, %w", bucketURL, err)
	}
	defer bucket.Close()

	r, err := bucket.NewReader(ctx, strings.TrimPrefix(key, "/"), nil)
	if err != nil {
		return nil, fmt.Errorf("Failed to open %s, %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("Failed to read %s, %w", key, err)
	}
	return data, nil
}
