// Package version carries the build metadata stamped in by ldflags.
package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Name is the binary and service name reported by health checks and clients.
const Name = "graphdeploy"

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func Get() Info {
	return Info{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Short returns the commit abbreviated to seven characters.
func (i Info) Short() string {
	if len(i.GitCommit) > 7 && i.GitCommit != "unknown" {
		return i.GitCommit[:7]
	}
	return i.GitCommit
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (%s) built at %s on %s", Name, i.Version, i.Short(), i.BuildTime, i.Platform)
}

// UserAgent is sent by every outbound HTTP client, e.g. "graphdeploy/1.2.0 (linux/amd64)".
func UserAgent() string {
	v := strings.TrimPrefix(Version, "v")
	return fmt.Sprintf("%s/%s (%s/%s)", Name, v, runtime.GOOS, runtime.GOARCH)
}
