package main

import (
	"os"

	"github.com/majorcontext/corral/cmd/corral/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
