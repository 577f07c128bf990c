// Package version carries build metadata injected at link time.
package version

var (
	// Version is the current application version.
	// Overridden via -ldflags "-X .../internal/version.Version=...".
	Version = "v4.0.0"

	// Commit is the git revision the binary was built from.
	Commit = "unknown"
)
