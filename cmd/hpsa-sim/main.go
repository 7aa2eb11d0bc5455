// Command hpsa-sim runs the Smart Array controller core against a
// simulated board. It is a bring-up and debugging tool: the device
// population comes from a topology file and the controller's view of it
// can be scanned, queried and reset from the command line.
package main

import (
	"fmt"
	"os"
	"runtime/debug"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s", r, debug.Stack())
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
