// Package version reports the usher build version.
package version

import "runtime/debug"

// Version is stamped via -ldflags on release builds. Unstamped binaries
// fall back to the module version go install recorded, else stay "dev".
var Version = "dev"

func init() {
	if Version != "dev" {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		Version = v
	}
}
