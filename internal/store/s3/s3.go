// Package s3 provides an S3/MinIO store backend for deployments where the
// server tree lives in object storage behind a push feed. Directories are
// represented as zero-byte marker objects with a trailing slash.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/ulvenforst/nuvii-sync/internal/logging"
	"github.com/ulvenforst/nuvii-sync/internal/metrics"
	"github.com/ulvenforst/nuvii-sync/internal/store"
)

// Config holds S3 backend settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

// Backend implements store.Backend on S3.
type Backend struct {
	client *awss3.Client
	bucket string
}

// New creates an S3 backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	backend := &Backend{client: client, bucket: cfg.Bucket}

	if _, err := client.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		logging.Warn("bucket check failed", zap.String("bucket", cfg.Bucket), zap.Error(err))
	}

	return backend, nil
}

func key(relative string) string {
	return strings.Trim(path.Clean(strings.ReplaceAll(relative, "\\", "/")), "/")
}

func dirKey(relative string) string {
	return key(relative) + "/"
}

// Get retrieves an object with range support.
func (b *Backend) Get(ctx context.Context, relative string, offset, length int64) (io.ReadCloser, int64, error) {
	start := time.Now()

	input := &awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key(relative)),
	}
	if offset > 0 || length >= 0 {
		if length >= 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
		}
	}

	result, err := b.client.GetObject(ctx, input)
	if err != nil {
		metrics.RecordBackendOperation("get", time.Since(start), false)
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("get %s: %w", relative, store.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("get %s: %w", relative, err)
	}
	metrics.RecordBackendOperation("get", time.Since(start), true)

	totalSize := int64(0)
	if result.ContentLength != nil {
		totalSize = *result.ContentLength
	}
	// A ranged response carries the entry's full size after the slash in
	// Content-Range ("bytes 0-99/1234"); ContentLength is the range length.
	if result.ContentRange != nil {
		if i := strings.LastIndex(*result.ContentRange, "/"); i >= 0 {
			var n int64
			if _, err := fmt.Sscanf((*result.ContentRange)[i+1:], "%d", &n); err == nil {
				totalSize = n
			}
		}
	}
	return result.Body, totalSize, nil
}

// Put uploads the object.
func (b *Backend) Put(ctx context.Context, relative string, body io.Reader, size int64) error {
	start := time.Now()
	_, err := b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key(relative)),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	metrics.RecordBackendOperation("put", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("put %s: %w", relative, err)
	}
	logging.Debug("s3 put", zap.String("key", key(relative)), zap.Int64("size", size))
	return nil
}

// Delete removes the object and everything under its directory prefix.
func (b *Backend) Delete(ctx context.Context, relative string) error {
	start := time.Now()

	keys := []string{key(relative)}
	prefix := dirKey(relative)
	paginator := awss3.NewListObjectsV2Paginator(b.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.RecordBackendOperation("delete", time.Since(start), false)
			return fmt.Errorf("delete %s: list: %w", relative, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, *obj.Key)
		}
	}

	for _, k := range keys {
		if _, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(k),
		}); err != nil {
			metrics.RecordBackendOperation("delete", time.Since(start), false)
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}

	metrics.RecordBackendOperation("delete", time.Since(start), true)
	return nil
}

// Rename copies then deletes, recursing over directory prefixes.
func (b *Backend) Rename(ctx context.Context, oldRel, newRel string) error {
	start := time.Now()
	oldKey, newKey := key(oldRel), key(newRel)

	exists, err := b.Exists(ctx, oldRel)
	if err != nil {
		return err
	}

	if exists {
		if err := b.copyObject(ctx, oldKey, newKey); err != nil {
			metrics.RecordBackendOperation("rename", time.Since(start), false)
			return err
		}
	}

	moved := exists
	prefix := dirKey(oldRel)
	paginator := awss3.NewListObjectsV2Paginator(b.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.RecordBackendOperation("rename", time.Since(start), false)
			return fmt.Errorf("rename %s: list: %w", oldRel, err)
		}
		for _, obj := range page.Contents {
			src := *obj.Key
			dst := newKey + "/" + strings.TrimPrefix(src, prefix)
			if err := b.copyObject(ctx, src, dst); err != nil {
				metrics.RecordBackendOperation("rename", time.Since(start), false)
				return err
			}
			moved = true
		}
	}

	if !moved {
		metrics.RecordBackendOperation("rename", time.Since(start), false)
		return fmt.Errorf("rename %s: %w", oldRel, store.ErrNotFound)
	}

	if err := b.Delete(ctx, oldRel); err != nil {
		metrics.RecordBackendOperation("rename", time.Since(start), false)
		return err
	}
	metrics.RecordBackendOperation("rename", time.Since(start), true)
	return nil
}

func (b *Backend) copyObject(ctx context.Context, srcKey, dstKey string) error {
	_, err := b.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(b.bucket + "/" + srcKey),
	})
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return nil
}

// EnsureDir writes the directory marker object.
func (b *Backend) EnsureDir(ctx context.Context, relative string) error {
	_, err := b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(dirKey(relative)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return fmt.Errorf("ensure dir %s: %w", relative, err)
	}
	return nil
}

// Stat describes an object or directory marker.
func (b *Backend) Stat(ctx context.Context, relative string) (store.EntryInfo, error) {
	head, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key(relative)),
	})
	if err == nil {
		return objectInfo(relative, aws.ToInt64(head.ContentLength), aws.ToTime(head.LastModified), false), nil
	}

	head, err = b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(dirKey(relative)),
	})
	if err == nil {
		return objectInfo(relative, 0, aws.ToTime(head.LastModified), true), nil
	}

	return store.EntryInfo{}, fmt.Errorf("stat %s: %w", relative, store.ErrNotFound)
}

// Exists reports whether the object or its directory marker is present.
func (b *Backend) Exists(ctx context.Context, relative string) (bool, error) {
	if _, err := b.Stat(ctx, relative); err != nil {
		return false, nil
	}
	return true, nil
}

// Walk lists every object under relative, parents before children.
func (b *Backend) Walk(ctx context.Context, relative string, fn func(store.EntryInfo) error) error {
	prefix := ""
	if key(relative) != "" && key(relative) != "." {
		prefix = dirKey(relative)
	}

	var infos []store.EntryInfo
	paginator := awss3.NewListObjectsV2Paginator(b.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("walk %s: %w", relative, err)
		}
		for _, obj := range page.Contents {
			k := *obj.Key
			isDir := strings.HasSuffix(k, "/")
			rel := strings.TrimSuffix(k, "/")
			if rel == "" {
				continue
			}
			infos = append(infos, objectInfo(rel, aws.ToInt64(obj.Size), aws.ToTime(obj.LastModified), isDir))
		}
	}

	// Shallower entries first so parents precede children.
	sort.Slice(infos, func(i, j int) bool {
		di := strings.Count(infos[i].RelativePath, "/")
		dj := strings.Count(infos[j].RelativePath, "/")
		if di != dj {
			return di < dj
		}
		return infos[i].RelativePath < infos[j].RelativePath
	})
	for _, info := range infos {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// Type returns "s3".
func (b *Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *Backend) Close() error { return nil }

func objectInfo(relative string, size int64, modified time.Time, isDir bool) store.EntryInfo {
	return store.EntryInfo{
		RelativePath: relative,
		Size:         size,
		ModTime:      modified,
		CreateTime:   modified,
		AccessTime:   modified,
		ChangeTime:   modified,
		IsDir:        isDir,
	}
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &noSuchKey)
}

var _ store.Backend = (*Backend)(nil)
