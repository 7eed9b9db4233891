package main

import (
	"os"

	"github.com/surfacehq/surfacescan/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
