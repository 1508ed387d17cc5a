// Package version holds the build-time version string, overridden by the
// release process via -ldflags, the same way dexidp/dex stamps its own
// binary.
package version

// Version is set via -ldflags "-X github.com/dexidp/openauth/version.Version=...";
// "dev" otherwise.
var Version = "dev"
