// Package version reports the build's identity for logs, the CLI
// --version flag, and the readiness endpoint.
package version

import (
	"runtime/debug"
	"sync"
)

const appName = "trellis"

// commitOverride can be stamped with -ldflags for builds without a .git
// directory. It takes precedence over embedded VCS metadata.
var commitOverride string

// Commit returns the short revision the binary was built from, or "dev"
// when no VCS metadata is available (go test, source tarballs).
var Commit = sync.OnceValue(func() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				return short(setting.Value)
			}
		}
	}
	return "dev"
})

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns the "trellis/<commit>" identifier.
func Full() string {
	return appName + "/" + Commit()
}
