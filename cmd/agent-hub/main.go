// Command agent-hub runs the Agent Hub control plane: it serves the
// HTTP/WS API described in spec.md §6 and the embedded web UI, and
// offers a standalone reconcile subcommand for ops use outside of
// serve's own startup sweep.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
