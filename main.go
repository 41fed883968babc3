package main

import (
	"os"

	"github.com/jobala/rowstore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
