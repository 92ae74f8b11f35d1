// The main package for the intelengine executable.
package main

import (
	"github.com/JakeFAU/scraper-intel/cmd"
)

func main() {
	cmd.Execute()
}
