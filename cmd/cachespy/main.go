// Command cachespy measures last-level cache activity with Prime+Probe
// sweeps.
//
// Usage:
//
//	cachespy calibrate [flags]
//	cachespy sweep [flags]
//	cachespy serve [flags]
//
// Run 'cachespy help' for the full list of commands.
package main

import "github.com/sarchlab/cachespy/cli"

func main() {
	cli.Execute()
}
