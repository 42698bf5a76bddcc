// Package main provides the entry point for cachespy.
//
// It is the same program as ./cmd/cachespy, kept at the root so that
// 'go run .' works from a checkout.
package main

import "github.com/sarchlab/cachespy/cli"

func main() {
	cli.Execute()
}
