// Command graphdeploy turns a project's service graph into a deployment
// manifest and drives it through remote agents.
//
// Usage:
//
//	graphdeploy server      # REST API, reconciliation listener and stale report
//	graphdeploy worker      # deployment queue consumers
//	graphdeploy agent-sim   # local simulated agent gateway
//	graphdeploy migrate     # apply database migrations
package main

import (
	"fmt"
	"os"

	"evalgo.org/graphdeploy/internal/commands"
	"evalgo.org/graphdeploy/internal/version"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime
	version.GitCommit = GitCommit

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
