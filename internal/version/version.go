// Package version holds the logcollectors build version.
package version

// Version is set at build time:
//
//	go build -ldflags "-X github.com/koko-u/log-collectors/internal/version.Version=v1.2.3" ./cmd/logcollectors
var Version = "dev"
