// The main package for the schedbench executable.
package main

import (
	"github.com/scrapeloop/schedbench/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
