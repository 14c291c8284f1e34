package main

import (
	"fmt"
	"io"
	"os"

	"github.com/facetdata/facet/pkg/lens"
)

// Exit codes shared by every subcommand.
const (
	exitOK          = 0
	exitInvalid     = 2 // bad input, unknown command, cancelled run
	exitLens        = 3 // lens failed validation
	exitConnectors  = 4 // every planned connector failed
	exitPersistence = 5 // store unavailable or writes failed
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitInvalid
	}

	switch args[1] {
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "lens":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: facet lens <validate|show> [flags]")
			return exitInvalid
		}
		return runLensCmd(args[2:], stdout, stderr)
	case "sources":
		return runSourcesCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "facet engine %s\n", lens.EngineVersion)
		return exitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitInvalid
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "facet %s\n", lens.EngineVersion)
	fmt.Fprintln(w, "Lens-driven entity discovery and extraction.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  facet <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "RUNS")
	printCommand(w, "run <query>", "Execute a query (--mode, --budget, --lens, --persist)")

	printSection(w, "LENSES")
	printCommand(w, "lens validate", "Validate a lens document (--lens, --dir)")
	printCommand(w, "lens show", "Summarize a loaded lens (--lens, --dir)")

	printSection(w, "UTILITIES")
	printCommand(w, "sources", "List registered connectors")
	printCommand(w, "version", "Show engine version")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-14s %s\n", name, desc)
}
