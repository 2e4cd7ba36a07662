// Package storage moves artifact files between the local filesystem and
// the object store. Uploads across all concurrent encode jobs share one
// semaphore so rendition fan-out cannot starve the process of sockets.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Client is the object-store surface the store needs. *s3.Client
// satisfies it.
type Client interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

const (
	// multipartPartSize is the part size for large uploads. 64 MiB keeps
	// part counts low for multi-gigabyte sources without holding much in
	// memory per part.
	multipartPartSize = 64 * 1024 * 1024

	// multipartConcurrency bounds in-flight parts within one large upload.
	multipartConcurrency = 4

	headRetryBaseDelay = 500 * time.Millisecond
)

type Store struct {
	client       Client
	uploader     *manager.Uploader
	uploads      *semaphore.Weighted
	singlePutMax int64
}

// NewStore builds a store. Files at or under singlePutMax bytes go up as
// one PUT with explicit content length; larger files use a managed
// multipart transfer. maxConcurrentUploads bounds simultaneous object
// PUTs across every caller sharing this store.
func NewStore(client Client, singlePutMax int64, maxConcurrentUploads int) *Store {
	if singlePutMax <= 0 {
		singlePutMax = 128 * 1024 * 1024
	}
	if maxConcurrentUploads < 1 {
		maxConcurrentUploads = 2
	}
	return &Store{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = multipartPartSize
			u.Concurrency = multipartConcurrency
		}),
		uploads:      semaphore.NewWeighted(int64(maxConcurrentUploads)),
		singlePutMax: singlePutMax,
	}
}

// UploadFile uploads one local file to bucket/key.
func (s *Store) UploadFile(ctx context.Context, bucket, key, localPath string) error {
	if err := s.uploads.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire upload slot: %w", err)
	}
	defer s.uploads.Release(1)

	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	if info.Size() <= s.singlePutMax {
		return s.putSingle(ctx, bucket, key, localPath, info.Size())
	}
	return s.putMultipart(ctx, bucket, key, localPath)
}

// putSingle reads the whole file and issues one PUT with an explicit
// content length. Streaming bodies through the multipart path trips
// checksum edge cases on some S3-compatible stores for small objects.
func (s *Store) putSingle(ctx context.Context, bucket, key, localPath string, size int64) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(ContentTypeForKey(key)),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *Store) putMultipart(ctx context.Context, bucket, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(ContentTypeForKey(key)),
	})
	if err != nil {
		return fmt.Errorf("multipart put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// UploadDir uploads every regular file under dir to keyPrefix, preserving
// the relative layout. Returns the uploaded keys sorted lexically. Any
// single failure aborts the remaining uploads.
func (s *Store) UploadDir(ctx context.Context, bucket, keyPrefix, dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	keys := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, file := range files {
		rel, err := filepath.Rel(dir, file)
		if err != nil {
			return nil, fmt.Errorf("relativize %s: %w", file, err)
		}
		key := JoinKey(keyPrefix, filepath.ToSlash(rel))
		keys[i] = key

		g.Go(func() error {
			return s.UploadFile(gctx, bucket, key, file)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(keys)
	slog.Info("uploaded directory tree", "bucket", bucket, "prefix", keyPrefix, "files", len(keys))
	return keys, nil
}

// VerifyObject HEADs the key until it is visible, up to attempts tries
// with exponential backoff. Object stores acknowledge PUTs before all
// frontends see the key, so a miss right after upload is not yet a loss.
func (s *Store) VerifyObject(ctx context.Context, bucket, key string, attempts int) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		_, lastErr = s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			delay := headRetryBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return lastErr
			}
		}
	}
	return fmt.Errorf("verify s3://%s/%s after %d attempts: %w", bucket, key, attempts, lastErr)
}

// DownloadFile fetches bucket/key into localPath and returns the byte
// count written.
func (s *Store) DownloadFile(ctx context.Context, bucket, key, localPath string) (int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", localPath, err)
	}
	defer f.Close()

	n, err := io.Copy(f, out.Body)
	if err != nil {
		return n, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	return n, nil
}

// ContentTypeForKey infers the Content-Type an artifact key should carry.
func ContentTypeForKey(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".mp4", ".m4s":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// JoinKey joins object-store key segments with single slashes regardless
// of trailing separators on the prefix.
func JoinKey(parts ...string) string {
	trimmed := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			trimmed = append(trimmed, p)
		}
	}
	return strings.Join(trimmed, "/")
}
