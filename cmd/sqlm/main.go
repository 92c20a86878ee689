// Command sqlm invokes named SQL bindings from the command line.
package main

import (
	"os"

	"github.com/asaidimu/go-sqlm/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
