// Package version reports the build-time version of lxbuild. Values are set
// with -ldflags "-X github.com/cochaviz/lxbuild/internal/version.version=1.2.3".
package version

import (
	"fmt"
	"runtime"
	"strings"
)

const undefined = "(undefined)"

var (
	version   = ""
	gitCommit = ""
)

// Version returns the release version without a leading "v".
func Version() string {
	v := strings.TrimSpace(version)
	if v == "" {
		return undefined
	}
	return strings.TrimPrefix(strings.ToLower(v), "v")
}

// Commit returns the short git commit the binary was built from.
func Commit() string {
	c := strings.TrimSpace(gitCommit)
	if c == "" {
		return undefined
	}
	if len(c) > 8 {
		c = c[:8]
	}
	return c
}

// String is the one-line version banner.
func String() string {
	return fmt.Sprintf("lxbuild %s (commit %s, %s %s/%s)", Version(), Commit(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
