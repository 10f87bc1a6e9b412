package main

import (
	"os"

	"github.com/illusorium/rupay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
