// The main package for the newsfetcher executable.
package main

import (
	"github.com/JakeFAU/tickertape-news-fetcher/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
