// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/dray/internal/config"
)

type configSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&configSuite{})

func env(vars map[string]string) config.LookupEnvFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func (s *configSuite) writeFile(c *gc.C, content string) string {
	path := filepath.Join(c.MkDir(), "dray.yaml")
	err := os.WriteFile(path, []byte(content), 0600)
	c.Assert(err, jc.ErrorIsNil)
	return path
}

func (s *configSuite) TestDefaults(c *gc.C) {
	cfg, err := config.Read("", env(map[string]string{
		"DRAY_S3_BUCKET": "dray",
	}))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg, jc.DeepEquals, config.Config{
		Host:        "0.0.0.0:2222",
		HTTPAddress: "0.0.0.0:8080",
		Storage:     "s3",
		S3: config.S3Config{
			Region:    "custom",
			Bucket:    "dray",
			PathStyle: true,
			PartSize:  8 * 1024 * 1024,
		},
		StartupTimeout: time.Minute,
		LoggingConfig:  "<root>=INFO",
	})
}

func (s *configSuite) TestEnvironment(c *gc.C) {
	cfg, err := config.Read("", env(map[string]string{
		"DRAY_HOST":                 "127.0.0.1:2022",
		"DRAY_S3_ENDPOINT_NAME":     "http://localhost:9000",
		"DRAY_S3_BUCKET":            "dray",
		"DRAY_S3_ACCESS_KEY_ID":     "miniouser",
		"DRAY_S3_SECRET_ACCESS_KEY": "miniopass",
		"DRAY_S3_PATH_STYLE":        "false",
		"DRAY_S3_PART_SIZE":         "10485760",
		"DRAY_STARTUP_TIMEOUT":      "5s",
		"DRAY_LOGGING_CONFIG":       "<root>=DEBUG",
		"DRAY_UNRELATED":            "ignored",
	}))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.Host, gc.Equals, "127.0.0.1:2022")
	c.Check(cfg.S3, jc.DeepEquals, config.S3Config{
		Endpoint:        "http://localhost:9000",
		Region:          "custom",
		Bucket:          "dray",
		AccessKeyID:     "miniouser",
		SecretAccessKey: "miniopass",
		PathStyle:       false,
		PartSize:        10485760,
	})
	c.Check(cfg.StartupTimeout, gc.Equals, 5*time.Second)
	c.Check(cfg.LoggingConfig, gc.Equals, "<root>=DEBUG")
}

func (s *configSuite) TestFileWithEnvironmentOverride(c *gc.C) {
	path := s.writeFile(c, `
host: 0.0.0.0:22
storage: memory
s3-part-size: 6291456
startup-timeout: 30s
`[1:])
	cfg, err := config.Read(path, env(map[string]string{
		"DRAY_HOST": "0.0.0.0:2200",
	}))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.Host, gc.Equals, "0.0.0.0:2200")
	c.Check(cfg.Storage, gc.Equals, config.StorageMemory)
	c.Check(cfg.S3.PartSize, gc.Equals, 6291456)
	c.Check(cfg.StartupTimeout, gc.Equals, 30*time.Second)
}

func (s *configSuite) TestEmptyFile(c *gc.C) {
	path := s.writeFile(c, "")
	cfg, err := config.Read(path, env(map[string]string{"DRAY_STORAGE": "memory"}))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.Storage, gc.Equals, config.StorageMemory)
}

func (s *configSuite) TestMissingFile(c *gc.C) {
	_, err := config.Read(filepath.Join(c.MkDir(), "missing.yaml"), env(nil))
	c.Check(err, gc.ErrorMatches, "reading config: .*no such file or directory")
}

func (s *configSuite) TestUnknownKey(c *gc.C) {
	path := s.writeFile(c, "s3-buckett: dray\n")
	_, err := config.Read(path, env(nil))
	c.Check(errors.Is(err, errors.NotValid), jc.IsTrue)
	c.Check(err, gc.ErrorMatches, `unknown config key "s3-buckett" not valid`)
}

func (s *configSuite) TestInvalid(c *gc.C) {
	tests := []struct {
		vars map[string]string
		err  string
	}{{
		vars: map[string]string{},
		err:  "empty s3-bucket not valid",
	}, {
		vars: map[string]string{"DRAY_STORAGE": "gcs"},
		err:  "invalid config: .*",
	}, {
		vars: map[string]string{"DRAY_S3_BUCKET": "dray", "DRAY_S3_PART_SIZE": "1024"},
		err:  "s3-part-size 1024 less than 5242880 not valid",
	}, {
		vars: map[string]string{"DRAY_STORAGE": "memory", "DRAY_HOST": ""},
		err:  "empty host not valid",
	}, {
		vars: map[string]string{"DRAY_STORAGE": "memory", "DRAY_STARTUP_TIMEOUT": "soon"},
		err:  "invalid config: .*",
	}, {
		vars: map[string]string{"DRAY_STORAGE": "memory", "DRAY_LOGGING_CONFIG": "<root>=LOUD"},
		err:  "logging-config: .*",
	}}
	for i, test := range tests {
		c.Logf("test %d: %v", i, test.vars)
		_, err := config.Read("", env(test.vars))
		c.Check(errors.Is(err, errors.NotValid), jc.IsTrue)
		c.Check(err, gc.ErrorMatches, test.err)
	}
}

func (s *configSuite) TestEnvName(c *gc.C) {
	c.Check(config.EnvName(config.S3SecretAccessKeyKey), gc.Equals, "DRAY_S3_SECRET_ACCESS_KEY")
	c.Check(config.EnvName(config.HostKey), gc.Equals, "DRAY_HOST")
}
