// Package main provides the callengine CLI.
//
// Usage:
//
//	callengine serve              Run the voice gateway
//	callengine classify <text>    Classify a transcript against the intent table
//	callengine version            Print build information
//
// Configuration is read from CALLENGINE_* environment variables; a
// .env file in the working directory is loaded when present.
package main

import (
	"fmt"
	"os"

	"github.com/sonavoice/callengine/cmd/callengine/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
