// Command portsweep is a concurrent TCP port scanner with an optional REST
// API, cron scheduler and NATS scan agent.
package main

import "github.com/anstrom/portsweep/cmd/cli"

// Build information, set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
