package version

import "runtime/debug"

// version is set at build time with -ldflags "-X github.com/cwhitfield/duet/pkg/version.version=..."
var version = ""

// Get returns the build version. It falls back to the module version
// recorded in the build info when no version was linked in.
func Get() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}
