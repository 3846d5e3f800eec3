// Package version holds build metadata injected via -ldflags at build time.
package version

// Version and Commit default to "dev" when not set by the build, e.g.:
//
//	go build -ldflags "-X github.com/wisbric/nightowl/internal/version.Version=1.4.0 -X github.com/wisbric/nightowl/internal/version.Commit=$(git rev-parse --short HEAD)"
var (
	Version = "dev"
	Commit  = "unknown"
)
