// Package main provides the gpumem command line tool.
package main

import (
	"github.com/tebeka/atexit"

	"github.com/sarchlab/gpumem/gpumem/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
