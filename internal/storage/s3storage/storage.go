// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package s3storage implements storage.Storage on top of an S3 compatible
// bucket, such as AWS S3 or MinIO.
package s3storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"github.com/juju/dray/internal/storage"
)

const (
	// MinPartSize is the smallest part size S3 accepts for all but the
	// last part of a multipart upload.
	MinPartSize = 5 * 1024 * 1024

	// DefaultPartSize is used when no part size is configured.
	DefaultPartSize = 8 * 1024 * 1024

	defaultCopyConcurrency = 8
)

// Logger represents the logging methods called.
type Logger interface {
	Warningf(message string, args ...any)
	Debugf(message string, args ...any)
}

// Config holds the dependencies of the S3 storage backend.
type Config struct {
	Client Client
	Bucket string

	// PartSize is the size of each part of a multipart upload. Objects
	// smaller than a part are written with a single request.
	PartSize int

	// CopyConcurrency bounds the number of concurrent copies when renaming
	// a directory.
	CopyConcurrency int

	Logger Logger
}

// Validate returns an error if the config cannot drive the backend.
func (c Config) Validate() error {
	if c.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if c.Bucket == "" {
		return errors.NotValidf("empty Bucket")
	}
	if c.PartSize != 0 && c.PartSize < MinPartSize {
		return errors.NotValidf("PartSize %d less than %d", c.PartSize, MinPartSize)
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Storage is an S3 backed storage.Storage.
type Storage struct {
	client          Client
	bucket          string
	partSize        int
	copyConcurrency int
	logger          Logger
}

var _ storage.Storage = (*Storage)(nil)

// New returns a Storage backed by the bucket in config.
func New(config Config) (*Storage, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Storage{
		client:          config.Client,
		bucket:          config.Bucket,
		partSize:        config.PartSize,
		copyConcurrency: config.CopyConcurrency,
		logger:          config.Logger,
	}
	if s.partSize == 0 {
		s.partSize = DefaultPartSize
	}
	if s.copyConcurrency <= 0 {
		s.copyConcurrency = defaultCopyConcurrency
	}
	return s, nil
}

// HealthCheck is part of the storage.Storage interface.
func (s *Storage) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	return maybeConvertErr(err, "checking bucket %q", s.bucket)
}

// AuthorizedKeys is part of the storage.Storage interface.
func (s *Storage) AuthorizedKeys(ctx context.Context, user string) ([]string, error) {
	key := storage.AuthorizedKeysKey(user)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err = maybeConvertErr(err, "getting %q", key); errors.Is(err, errors.NotFound) {
		return []string{}, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Annotatef(err, "reading %q", key)
	}
	return storage.ParseAuthorizedKeys(data), nil
}

// Stat is part of the storage.Storage interface.
func (s *Storage) Stat(ctx context.Context, key string) (storage.FileInfo, error) {
	if key == "" {
		return storage.FileInfo{Name: "/", IsDir: true}, nil
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	err = maybeConvertErr(err, "stat %q", key)
	if err == nil {
		return storage.FileInfo{
			Name:     storage.BaseName(key),
			Key:      key,
			Size:     aws.ToInt64(out.ContentLength),
			Modified: aws.ToTime(out.LastModified),
		}, nil
	} else if !errors.Is(err, errors.NotFound) {
		return storage.FileInfo{}, errors.Trace(err)
	}

	prefix := storage.DirPrefix(key)
	list, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return storage.FileInfo{}, maybeConvertErr(err, "listing %q", prefix)
	}
	if len(list.Contents) == 0 {
		return storage.FileInfo{}, errors.NotFoundf("%q", key)
	}
	info := storage.FileInfo{Name: storage.BaseName(key), Key: key, IsDir: true}
	if first := list.Contents[0]; aws.ToString(first.Key) == prefix {
		info.Modified = aws.ToTime(first.LastModified)
	}
	return info, nil
}

// List is part of the storage.Storage interface.
func (s *Storage) List(ctx context.Context, key, token string, limit int) ([]storage.FileInfo, string, error) {
	prefix := storage.DirPrefix(key)
	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}
	if limit > 0 {
		in.MaxKeys = aws.Int32(int32(limit))
	}
	if token != "" {
		in.ContinuationToken = aws.String(token)
	}
	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, "", maybeConvertErr(err, "listing %q", prefix)
	}

	infos := make([]storage.FileInfo, 0, len(out.CommonPrefixes)+len(out.Contents))
	for _, p := range out.CommonPrefixes {
		childKey := strings.TrimSuffix(aws.ToString(p.Prefix), "/")
		infos = append(infos, storage.FileInfo{
			Name:  storage.BaseName(childKey),
			Key:   childKey,
			IsDir: true,
		})
	}
	for _, obj := range out.Contents {
		objKey := aws.ToString(obj.Key)
		if objKey == prefix {
			continue
		}
		infos = append(infos, storage.FileInfo{
			Name:     storage.BaseName(objKey),
			Key:      objKey,
			Size:     aws.ToInt64(obj.Size),
			Modified: aws.ToTime(obj.LastModified),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})

	var next string
	if aws.ToBool(out.IsTruncated) {
		next = aws.ToString(out.NextContinuationToken)
	}
	return infos, next, nil
}

// CreateDir is part of the storage.Storage interface.
func (s *Storage) CreateDir(ctx context.Context, key string) error {
	if _, err := s.Stat(ctx, key); err == nil {
		return errors.AlreadyExistsf("%q", key)
	} else if !errors.Is(err, errors.NotFound) {
		return errors.Trace(err)
	}
	prefix := storage.DirPrefix(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(prefix),
		Body:   bytes.NewReader(nil),
	})
	return maybeConvertErr(err, "creating directory %q", key)
}

// RemoveDir is part of the storage.Storage interface.
func (s *Storage) RemoveDir(ctx context.Context, key string) error {
	info, err := s.Stat(ctx, key)
	if err != nil {
		return errors.Trace(err)
	}
	if !info.IsDir {
		return errors.NotValidf("%q is not a directory", key)
	}

	prefix := storage.DirPrefix(key)
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(2),
	})
	if err != nil {
		return maybeConvertErr(err, "listing %q", prefix)
	}
	for _, obj := range out.Contents {
		if aws.ToString(obj.Key) != prefix {
			return errors.Annotatef(storage.ErrDirectoryNotEmpty, "%q", key)
		}
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(prefix),
	})
	return maybeConvertErr(err, "removing directory %q", key)
}

// RenameDir is part of the storage.Storage interface. Every object is
// copied before any is deleted, so a failed rename leaves the source intact.
func (s *Storage) RenameDir(ctx context.Context, from, to string) error {
	fromPrefix, toPrefix := storage.DirPrefix(from), storage.DirPrefix(to)

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(fromPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return maybeConvertErr(err, "listing %q", fromPrefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	if len(keys) == 0 {
		return errors.NotFoundf("%q", from)
	}

	copies, copyCtx := errgroup.WithContext(ctx)
	copies.SetLimit(s.copyConcurrency)
	for _, key := range keys {
		key := key
		copies.Go(func() error {
			return s.copy(copyCtx, key, toPrefix+strings.TrimPrefix(key, fromPrefix))
		})
	}
	if err := copies.Wait(); err != nil {
		return errors.Annotatef(err, "renaming %q to %q", from, to)
	}

	deletes, deleteCtx := errgroup.WithContext(ctx)
	deletes.SetLimit(s.copyConcurrency)
	for _, key := range keys {
		key := key
		deletes.Go(func() error {
			return s.delete(deleteCtx, key)
		})
	}
	if err := deletes.Wait(); err != nil {
		return errors.Annotatef(err, "removing %q after rename", from)
	}
	s.logger.Debugf("renamed %d objects from %q to %q", len(keys), fromPrefix, toPrefix)
	return nil
}

// Remove is part of the storage.Storage interface.
func (s *Storage) Remove(ctx context.Context, key string) error {
	// DeleteObject succeeds for missing keys, so look first.
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return maybeConvertErr(err, "stat %q", key)
	}
	return errors.Trace(s.delete(ctx, key))
}

// Rename is part of the storage.Storage interface.
func (s *Storage) Rename(ctx context.Context, from, to string) error {
	if err := s.copy(ctx, from, to); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.delete(ctx, from))
}

func (s *Storage) copy(ctx context.Context, from, to string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(copySource(s.bucket, from)),
		Key:        aws.String(to),
	})
	return maybeConvertErr(err, "copying %q to %q", from, to)
}

func (s *Storage) delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return maybeConvertErr(err, "deleting %q", key)
}

// copySource returns the URL encoded bucket/key of a copy request.
func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

// ReadAt is part of the storage.Storage interface.
func (s *Storage) ReadAt(ctx context.Context, key string, offset int64, length int) ([]byte, error) {
	if length <= 0 {
		return nil, errors.NotValidf("read length %d", length)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+int64(length)-1)),
	})
	if err != nil {
		return nil, maybeConvertErr(err, "reading %q", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, int64(length)))
	if err != nil {
		return nil, errors.Annotatef(err, "reading %q", key)
	}
	if len(data) == 0 {
		return nil, io.EOF
	}
	return data, nil
}

// NewUpload is part of the storage.Storage interface.
func (s *Storage) NewUpload(_ context.Context, key string) (storage.Upload, error) {
	return &upload{
		storage: s,
		key:     key,
	}, nil
}
