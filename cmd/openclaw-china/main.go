// Package main is the entry point for the openclaw-china CLI.
package main

import (
	"os"

	"github.com/wendell1224/openclaw-china/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
