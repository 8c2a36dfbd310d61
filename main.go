// The main package for the doorplate-crawler executable.
package main

import (
	"github.com/JakeFAU/doorplate-crawler/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
