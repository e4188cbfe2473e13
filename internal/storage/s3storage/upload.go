// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package s3storage

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"github.com/juju/errors"

	"github.com/juju/dray/internal/storage"
)

// upload buffers written data until a full part is available. Objects that
// never fill a part are written with a single PutObject; larger objects
// switch to a multipart upload when the first part fills.
type upload struct {
	storage *Storage
	key     string

	buf      []byte
	uploadID string
	parts    []types.CompletedPart
	written  uint64
	closed   bool
}

// Write is part of the storage.Upload interface.
func (u *upload) Write(ctx context.Context, data []byte) error {
	if u.closed {
		return storage.ErrUploadClosed
	}
	u.buf = append(u.buf, data...)
	u.written += uint64(len(data))
	for len(u.buf) >= u.storage.partSize {
		if err := u.uploadPart(ctx, u.buf[:u.storage.partSize]); err != nil {
			return errors.Trace(err)
		}
		u.buf = append(u.buf[:0], u.buf[u.storage.partSize:]...)
	}
	return nil
}

func (u *upload) uploadPart(ctx context.Context, part []byte) error {
	if u.uploadID == "" {
		out, err := u.storage.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(u.storage.bucket),
			Key:    aws.String(u.key),
		})
		if err != nil {
			return maybeConvertErr(err, "starting upload of %q", u.key)
		}
		u.uploadID = aws.ToString(out.UploadId)
	}

	number := int32(len(u.parts) + 1)
	out, err := u.storage.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(u.storage.bucket),
		Key:        aws.String(u.key),
		UploadId:   aws.String(u.uploadID),
		PartNumber: aws.Int32(number),
		Body:       bytes.NewReader(part),
	})
	if err != nil {
		return maybeConvertErr(err, "uploading part %d of %q", number, u.key)
	}
	u.parts = append(u.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(number),
	})
	return nil
}

// Complete is part of the storage.Upload interface.
func (u *upload) Complete(ctx context.Context) error {
	if u.closed {
		return storage.ErrUploadClosed
	}
	u.closed = true

	if u.uploadID == "" {
		_, err := u.storage.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(u.storage.bucket),
			Key:    aws.String(u.key),
			Body:   bytes.NewReader(u.buf),
		})
		if err != nil {
			return maybeConvertErr(err, "writing %q", u.key)
		}
		u.storage.logger.Debugf("wrote %q (%s)", u.key, humanize.IBytes(u.written))
		return nil
	}

	if len(u.buf) > 0 {
		if err := u.uploadPart(ctx, u.buf); err != nil {
			_ = u.abort(ctx)
			return errors.Trace(err)
		}
	}
	_, err := u.storage.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.storage.bucket),
		Key:             aws.String(u.key),
		UploadId:        aws.String(u.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: u.parts},
	})
	if err != nil {
		_ = u.abort(ctx)
		return maybeConvertErr(err, "completing upload of %q", u.key)
	}
	u.storage.logger.Debugf("wrote %q in %d parts (%s)", u.key, len(u.parts), humanize.IBytes(u.written))
	return nil
}

// Abort is part of the storage.Upload interface.
func (u *upload) Abort(ctx context.Context) error {
	if u.closed {
		return nil
	}
	u.closed = true
	return errors.Trace(u.abort(ctx))
}

func (u *upload) abort(ctx context.Context) error {
	u.buf = nil
	if u.uploadID == "" {
		return nil
	}
	_, err := u.storage.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.storage.bucket),
		Key:      aws.String(u.key),
		UploadId: aws.String(u.uploadID),
	})
	if err != nil {
		u.storage.logger.Warningf("aborting upload %q of %q: %v", u.uploadID, u.key, err)
		return maybeConvertErr(err, "aborting upload of %q", u.key)
	}
	return nil
}
