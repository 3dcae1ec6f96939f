// Command hybrid-md is invoked by the host MD driver at the three protocol
// points of every step and answers through its exit code.
package main

import (
	"context"
	"os"

	"github.com/hybrid-md/controller/internal/cli"
)

func main() {
	os.Exit(cli.Run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
