// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package version holds the version of the dray binaries.
package version

import (
	"fmt"
	"runtime"
)

// Current is the version of dray.
var Current = "0.1.0"

// GitCommit is set at link time to the commit the binary was built from.
var GitCommit = ""

// Info describes the running binary.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	GitCommit string `json:"git-commit,omitempty" yaml:"git-commit,omitempty"`
	Compiler  string `json:"compiler" yaml:"compiler"`
	GoVersion string `json:"go-version" yaml:"go-version"`
	Arch      string `json:"arch" yaml:"arch"`
	OS        string `json:"os" yaml:"os"`
}

// Binary returns the description of the running binary.
func Binary() Info {
	return Info{
		Version:   Current,
		GitCommit: GitCommit,
		Compiler:  runtime.Compiler,
		GoVersion: runtime.Version(),
		Arch:      runtime.GOARCH,
		OS:        runtime.GOOS,
	}
}

// String returns the version with the target platform, for example
// "0.1.0-linux-amd64".
func (i Info) String() string {
	return fmt.Sprintf("%s-%s-%s", i.Version, i.OS, i.Arch)
}
