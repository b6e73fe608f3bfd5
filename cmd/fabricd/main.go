// Command fabricd runs one service of the event fabric from a YAML file: it consumes
// the configured transport, deduplicates deliveries and, when enabled, coordinates the
// order placement saga.
package main

import (
	"fmt"
	"os"

	"github.com/next-trace/scg-saga-bus/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
