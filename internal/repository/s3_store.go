package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config locates an S3-compatible repository. Endpoint is the configured
// server and Bucket the configured database.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Store is a Repository backed by an S3-compatible object store.
type S3Store struct {
	client     *minio.Client
	bucketName string
	region     string
	initOnce   sync.Once
	initErr    error
}

var _ Repository = (*S3Store)(nil)

// NewS3Store creates an S3Store. Empty credentials use anonymous access.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3Store{
		client:     client,
		bucketName: bucket,
		region:     region,
	}, nil
}

// ensureBucket creates the bucket on first write.
func (s *S3Store) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *S3Store) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.Stat(ctx, p)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *S3Store) Find(ctx context.Context, p string) (string, error) {
	key, err := clean(p)
	if err != nil {
		return "", err
	}
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if ok {
		return key, nil
	}
	// S3 keys are case-sensitive; fall back to scanning the directory.
	keys, err := s.listKeys(ctx, dirPrefix(key), false)
	if err != nil {
		return "", err
	}
	if found, ok := findFold(key, keys); ok {
		return found, nil
	}
	return "", ErrNotFound
}

func (s *S3Store) Open(ctx context.Context, p string) (io.ReadCloser, Info, error) {
	key, err := clean(p)
	if err != nil {
		return nil, Info{}, err
	}
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, Info{}, translate(err)
	}
	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, Info{}, translate(err)
	}
	return obj, objectInfo(stat), nil
}

func (s *S3Store) Stat(ctx context.Context, p string) (Info, error) {
	key, err := clean(p)
	if err != nil {
		return Info{}, err
	}
	stat, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		return Info{}, translate(err)
	}
	return objectInfo(stat), nil
}

// Write uploads the object and records its MD5 digest as user metadata so
// later Stat calls can report it regardless of multipart ETags.
func (s *S3Store) Write(ctx context.Context, p string, r io.Reader, size int64) error {
	key, err := clean(p)
	if err != nil {
		return err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read upload body: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("upload %s: expected %d bytes, read %d", key, size, len(data))
	}
	_, err = s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{"md5": MD5Hex(data)},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, p string) error {
	key, err := clean(p)
	if err != nil {
		return err
	}
	err = s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{})
	if err != nil && !errors.Is(translate(err), ErrNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = strings.TrimLeft(strings.ReplaceAll(prefix, `\`, "/"), "/")
	return s.listKeys(ctx, prefix, true)
}

func (s *S3Store) listKeys(ctx context.Context, prefix string, recursive bool) ([]string, error) {
	keys := make([]string, 0, 32)
	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: recursive,
	}) {
		if obj.Err != nil {
			if errors.Is(translate(obj.Err), ErrNotFound) {
				return nil, nil
			}
			return nil, obj.Err
		}
		if obj.Key == "" || strings.HasSuffix(obj.Key, "/") {
			continue
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func objectInfo(stat minio.ObjectInfo) Info {
	return Info{
		Path:    stat.Key,
		Size:    stat.Size,
		MD5:     objectMD5(stat),
		ModTime: stat.LastModified,
	}
}

// objectMD5 prefers the md5 user metadata and falls back to a single-part ETag.
func objectMD5(stat minio.ObjectInfo) string {
	for k, v := range stat.UserMetadata {
		name := strings.ToLower(k)
		if name == "md5" || name == "x-amz-meta-md5" {
			return strings.ToLower(v)
		}
	}
	etag := strings.Trim(stat.ETag, `"`)
	if len(etag) == 32 && !strings.Contains(etag, "-") {
		return strings.ToLower(etag)
	}
	return ""
}

func translate(err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey", resp.Code == "NoSuchBucket":
		return ErrNotFound
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	}
	return err
}
