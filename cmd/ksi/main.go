// Package main is the entry point for the ksi CLI.
package main

import (
	"os"

	"github.com/durapensa/ksi/cmd/ksi/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
