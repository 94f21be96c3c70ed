// The main package for the civicingest executable.
package main

import (
	"github.com/JakeFAU/civic-ingest/cmd"
)

func main() {
	cmd.Execute()
}
