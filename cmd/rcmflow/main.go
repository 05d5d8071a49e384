// Command rcmflow runs the guided billing workflow service and its
// operator tooling.
package main

import (
	"fmt"
	"os"

	"github.com/pitabwire/rcmflow/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	observability.Version = version
	observability.Commit = commit

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rcmflow: %v\n", err)
		os.Exit(1)
	}
}
