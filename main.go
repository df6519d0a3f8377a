package main

import (
	"github.com/meshsim/meshsim/cmd"
)

// main delegates to the CLI root command
func main() {
	cmd.Execute()
}
