// Package version holds build information injected with -ldflags -X.
package version

// Set at build time, e.g.
//
//	go build -ldflags "-X github.com/bissquit/usergate/internal/version.Version=1.2.0"
var (
	Version   = "0.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns the build information served by /version.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     GitCommit,
		"build_date": BuildDate,
	}
}
