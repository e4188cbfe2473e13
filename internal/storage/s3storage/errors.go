// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package s3storage

import (
	"fmt"
	"io"

	"github.com/aws/smithy-go"
	"github.com/juju/errors"
)

// maybeConvertErr maps S3 API error codes onto juju error kinds, so that
// callers never need to know about the SDK.
func maybeConvertErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return errors.Annotatef(err, format, args...)
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "NoSuchBucket", "NoSuchUpload":
		return errors.NewNotFound(err, fmt.Sprintf(format, args...))
	case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return errors.Annotatef(errors.WithType(err, errors.Forbidden), format, args...)
	case "InvalidRange":
		return io.EOF
	case "NotImplemented":
		return errors.NewNotSupported(err, fmt.Sprintf(format, args...))
	}
	return errors.Annotatef(err, format, args...)
}
