// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config loads the agent configuration from a YAML file and DRAY_
// environment variables.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/schema"
	"gopkg.in/yaml.v3"

	"github.com/juju/dray/internal/storage/s3storage"
)

const (
	// EnvPrefix prefixes every environment variable read.
	EnvPrefix = "DRAY_"

	StorageS3     = "s3"
	StorageMemory = "memory"
)

const (
	HostKey              = "host"
	HTTPAddressKey       = "http-address"
	HostKeyFileKey       = "host-key-file"
	StorageKey           = "storage"
	S3EndpointNameKey    = "s3-endpoint-name"
	S3RegionKey          = "s3-region"
	S3BucketKey          = "s3-bucket"
	S3AccessKeyIDKey     = "s3-access-key-id"
	S3SecretAccessKeyKey = "s3-secret-access-key"
	S3PathStyleKey       = "s3-path-style"
	S3PartSizeKey        = "s3-part-size"
	StartupTimeoutKey    = "startup-timeout"
	LoggingConfigKey     = "logging-config"
)

var configFields = schema.Fields{
	HostKey:              schema.String(),
	HTTPAddressKey:       schema.String(),
	HostKeyFileKey:       schema.String(),
	StorageKey:           schema.OneOf(schema.Const(StorageS3), schema.Const(StorageMemory)),
	S3EndpointNameKey:    schema.String(),
	S3RegionKey:          schema.String(),
	S3BucketKey:          schema.String(),
	S3AccessKeyIDKey:     schema.String(),
	S3SecretAccessKeyKey: schema.String(),
	S3PathStyleKey:       schema.Bool(),
	S3PartSizeKey:        schema.ForceInt(),
	StartupTimeoutKey:    schema.TimeDuration(),
	LoggingConfigKey:     schema.String(),
}

var configDefaults = schema.Defaults{
	HostKey:              "0.0.0.0:2222",
	HTTPAddressKey:       "0.0.0.0:8080",
	HostKeyFileKey:       "",
	StorageKey:           StorageS3,
	S3EndpointNameKey:    "",
	S3RegionKey:          "custom",
	S3BucketKey:          "",
	S3AccessKeyIDKey:     "",
	S3SecretAccessKeyKey: "",
	S3PathStyleKey:       true,
	S3PartSizeKey:        s3storage.DefaultPartSize,
	StartupTimeoutKey:    "1m",
	LoggingConfigKey:     "<root>=INFO",
}

// Config is the agent configuration.
type Config struct {
	// Host is the address the SSH server listens on.
	Host string

	// HTTPAddress is the address of the health and metrics endpoint.
	HTTPAddress string

	// HostKeyFile holds the SSH host key. It is generated when missing;
	// when empty an ephemeral key is used.
	HostKeyFile string

	Storage string
	S3      S3Config

	// StartupTimeout bounds how long the agent waits for storage to
	// become healthy.
	StartupTimeout time.Duration

	LoggingConfig string
}

// S3Config holds the S3 storage settings.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
	PartSize        int
}

// Validate returns an error if the config is not usable.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.NotValidf("empty %s", HostKey)
	}
	if c.HTTPAddress == "" {
		return errors.NotValidf("empty %s", HTTPAddressKey)
	}
	switch c.Storage {
	case StorageMemory:
	case StorageS3:
		if c.S3.Bucket == "" {
			return errors.NotValidf("empty %s", S3BucketKey)
		}
		if c.S3.PartSize < s3storage.MinPartSize {
			return errors.NotValidf("%s %d less than %d", S3PartSizeKey, c.S3.PartSize, s3storage.MinPartSize)
		}
	default:
		return errors.NotValidf("%s %q", StorageKey, c.Storage)
	}
	if c.StartupTimeout < 0 {
		return errors.NotValidf("negative %s", StartupTimeoutKey)
	}
	if _, err := loggo.ParseConfigString(c.LoggingConfig); err != nil {
		return errors.NewNotValid(err, LoggingConfigKey)
	}
	return nil
}

// LookupEnvFunc looks up an environment variable.
type LookupEnvFunc func(key string) (string, bool)

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// Read loads the config from the YAML file at path, if path is not empty,
// and then applies environment overrides. The result is validated.
func Read(path string, lookupEnv LookupEnvFunc) (Config, error) {
	attrs := make(map[string]any)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Annotate(err, "reading config")
		}
		if err := yaml.Unmarshal(data, &attrs); err != nil {
			return Config{}, errors.Annotatef(err, "parsing config %q", path)
		}
		if attrs == nil {
			attrs = make(map[string]any)
		}
	}
	for key := range configFields {
		if value, ok := lookupEnv(EnvName(key)); ok {
			attrs[key] = value
		}
	}
	return Parse(attrs)
}

// Parse coerces attrs into a Config, filling in defaults, and validates
// the result.
func Parse(attrs map[string]any) (Config, error) {
	for key := range attrs {
		if _, ok := configFields[key]; !ok {
			return Config{}, errors.NotValidf("unknown config key %q", key)
		}
	}
	coerced, err := schema.FieldMap(configFields, configDefaults).Coerce(attrs, nil)
	if err != nil {
		return Config{}, errors.NewNotValid(err, "invalid config")
	}
	v := coerced.(map[string]any)

	cfg := Config{
		Host:        v[HostKey].(string),
		HTTPAddress: v[HTTPAddressKey].(string),
		HostKeyFile: v[HostKeyFileKey].(string),
		Storage:     v[StorageKey].(string),
		S3: S3Config{
			Endpoint:        v[S3EndpointNameKey].(string),
			Region:          v[S3RegionKey].(string),
			Bucket:          v[S3BucketKey].(string),
			AccessKeyID:     v[S3AccessKeyIDKey].(string),
			SecretAccessKey: v[S3SecretAccessKeyKey].(string),
			PathStyle:       v[S3PathStyleKey].(bool),
			PartSize:        v[S3PartSizeKey].(int),
		},
		StartupTimeout: v[StartupTimeoutKey].(time.Duration),
		LoggingConfig:  v[LoggingConfigKey].(string),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}
