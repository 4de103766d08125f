// Package main is the entry point for the phenokit CLI binary.
package main

import (
	"os"

	"phenokit/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
