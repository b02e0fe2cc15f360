// Command tagbench exercises the tagged transport over the loopback fabric.
package main

import (
	"os"

	"github.com/rocketbitz/tagfabric-go/cmd/tagbench/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
