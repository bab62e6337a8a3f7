// ============================================================================
// Driveshaft - Main Entry Point
// ============================================================================
//
// File: cmd/driveshaft/main.go
// Purpose: Application entry point. Builds the cobra command tree, injects
//          build-time version info, and turns an unhandled panic on the
//          main goroutine — a programmer error per the error-handling
//          design, never a runtime condition — into exit code 1 instead of
//          a bare stack trace. Panics on other goroutines (slots, servers)
//          are not recovered here and end the process with Go's default
//          crash output.
//
// Version Injection:
//   go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/driveshaft/internal/cli"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	root := cli.BuildCLI()
	root.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// With root.Version set, cobra prints the version for --version itself
	// and Execute returns nil; the documented exit status for it is 1.
	if v, _ := root.Flags().GetBool("version"); v {
		os.Exit(1)
	}
}
