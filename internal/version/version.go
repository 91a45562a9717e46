// Package version carries build metadata stamped via -ldflags.
package version

var (
	// Version is the current capture suite version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)
