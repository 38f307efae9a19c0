// Package version carries the build identity stamped into the rusuban binary.
package version

// Set at build time via -ldflags "-X ...".
var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns the single-line version string used by logs and the health
// endpoint.
func Info() string {
	return Version + "+" + GitCommit + " (" + BuildDate + ")"
}
