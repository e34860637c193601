// The main package for the surfer executable.
package main

import "github.com/JakeFAU/curious-surfer/cmd"

func main() {
	cmd.Execute()
}
