package main

import (
	"os"

	"github.com/toolwatch/toolwatch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
