// Command repliqctl is the operator CLI for a repliq deployment: inspect
// persisted offsets, tail a live replication stream, and force a replay.
package main

import (
	"fmt"
	"os"

	"github.com/repliq/repliq/cmd/repliqctl/cmd"
)

func main() {
	if err := cmd.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
