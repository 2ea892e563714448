// Bodhi is a local-first LLM serving gateway: it resolves model aliases,
// supervises a single llama-server child process, and exposes both an
// OpenAI-compatible and an Ollama-shaped HTTP surface.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	home := flag.String("home", "", "path to BODHI_HOME (defaults to $HOME/.bodhi)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("bodhi", version)
		os.Exit(0)
	}

	if err := run(*home); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
