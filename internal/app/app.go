package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "serve":
		return runServe(args[1:])
	case "daemon":
		return runDaemon(args[1:])
	case "run-cycle", "run-once":
		return runCycle(args[1:])
	case "watchdog":
		return runWatchdog(args[1:])
	case "cleanup":
		return runCleanup(args[1:])
	case "recompute":
		return runRecompute(args[1:])
	case "feed":
		return runFeed(args[1:])
	case "status":
		return runStatus(args[1:])
	case "sources":
		return runSources(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "carriersignal CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  carriersignal <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health     Verify store connectivity")
	fmt.Fprintln(os.Stderr, "  serve      Start the Echo API server")
	fmt.Fprintln(os.Stderr, "  daemon     Run scheduled cycles, watchdog, recompute and cleanup")
	fmt.Fprintln(os.Stderr, "  run-cycle  Run one ingestion cycle now")
	fmt.Fprintln(os.Stderr, "  run-once   Alias for run-cycle")
	fmt.Fprintln(os.Stderr, "  watchdog   Fail cycles that exceeded their timeout")
	fmt.Fprintln(os.Stderr, "  cleanup    Mark late duplicates and purge expired ones")
	fmt.Fprintln(os.Stderr, "  recompute  Decay and boost scores of recent top articles")
	fmt.Fprintln(os.Stderr, "  feed       Print the deduplicated article feed")
	fmt.Fprintln(os.Stderr, "  status     Print cycle and feed health")
	fmt.Fprintln(os.Stderr, "  sources    Sync and list the source registry")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"carriersignal <command> -h\" for command-specific flags.")
}
