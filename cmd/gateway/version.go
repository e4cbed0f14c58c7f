package main

// Version, GitCommit, and BuildTime are set at build time via -ldflags
// (e.g. -X main.Version=1.2.3). A plain `go build` leaves Version as "dev"
// and GitCommit and BuildTime as "unknown".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
