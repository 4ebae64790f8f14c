package main

import (
	"os"

	"github.com/clashctl/clashctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
