// The main package for the dat-gateway executable.
package main

import "github.com/JakeFAU/dat-gateway/cmd"

func main() {
	cmd.Execute()
}
