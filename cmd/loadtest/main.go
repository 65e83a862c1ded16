// Command loadtest drives load against the real-time gateway. It provides
// subcommands for different scenarios:
//
//   - presence: identified connection saturation with status lookups
//   - signal:   user pairs exchanging typing indicators and call signaling
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "presence":
		runPresence(os.Args[2:])
	case "signal":
		runSignal(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  presence    Opens N identified connections, holds them and polls user status")
	fmt.Println("  signal      Pairs of users exchange typing indicators and call signaling")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
