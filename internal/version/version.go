package version

import "fmt"

// Set at build time with -ldflags "-X .../internal/version.Version=..."
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Full returns the version line printed by `meetbot version`
func Full() string {
	return fmt.Sprintf("meetbot %s, commit %s, built at %s", Version, Commit, Date)
}
