package main

import (
	"os"

	"github.com/telepy/telepy/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
