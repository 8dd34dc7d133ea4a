// The main package for the intake executable.
package main

import (
	"github.com/docrag/intake/cmd"
)

func main() {
	cmd.Execute()
}
