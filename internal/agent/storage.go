// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package agent

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/dray/internal/config"
	"github.com/juju/dray/internal/storage"
	"github.com/juju/dray/internal/storage/memstorage"
	"github.com/juju/dray/internal/storage/s3storage"
)

// NewStorage returns the storage backend selected by cfg.
func NewStorage(ctx context.Context, cfg config.Config) (storage.Storage, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return memstorage.New(clock.WallClock), nil
	case config.StorageS3:
		client, err := s3storage.NewClient(ctx, s3storage.ClientConfig{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PathStyle:       cfg.S3.PathStyle,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		store, err := s3storage.New(s3storage.Config{
			Client:   client,
			Bucket:   cfg.S3.Bucket,
			PartSize: cfg.S3.PartSize,
			Logger:   loggo.GetLogger("dray.storage.s3"),
		})
		return store, errors.Trace(err)
	}
	return nil, errors.NotSupportedf("storage %q", cfg.Storage)
}

// HealthReport is the result of a single storage health check.
type HealthReport struct {
	Status   string `json:"status" yaml:"status"`
	Storage  string `json:"storage" yaml:"storage"`
	Duration string `json:"duration" yaml:"duration"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Health statuses.
const (
	HealthOK     = "ok"
	HealthFailed = "failed"
)

// CheckHealth runs one health check against store. The returned error is
// the health check failure, if any; the report describes it either way.
func CheckHealth(ctx context.Context, clk clock.Clock, kind string, store storage.Storage) (HealthReport, error) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := clk.Now()
	err := store.HealthCheck(ctx)
	report := HealthReport{
		Status:   HealthOK,
		Storage:  kind,
		Duration: clk.Now().Sub(start).String(),
	}
	if err != nil {
		report.Status = HealthFailed
		report.Error = err.Error()
		return report, errors.Trace(err)
	}
	return report, nil
}
