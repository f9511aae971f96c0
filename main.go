// The main package for the scrapewire executable.
package main

import "github.com/JakeFAU/scrapewire/cmd"

func main() {
	cmd.Execute()
}
