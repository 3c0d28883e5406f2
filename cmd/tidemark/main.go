package main

import (
	"fmt"
	"io"
	"os"
)

// Version identifies the evaluation engine for minEngineVersion gating.
const Version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "plan":
		return runExecuteCmd(args[2:], stdout, stderr, true)
	case "execute":
		return runExecuteCmd(args[2:], stdout, stderr, false)
	case "execute-plane":
		return runExecutePlaneCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "audit-verify":
		return runAuditVerifyCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "tidemark %s\n", Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: tidemark <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  plan            Evaluate an intent without executing (dry run)")
	fmt.Fprintln(w, "  execute         Execute an intent [--dry-run]")
	fmt.Fprintln(w, "  execute-plane   Execute a signed agent payload [--dry-run]")
	fmt.Fprintln(w, "  replay          Print the audit events of a run (--run-id <id>)")
	fmt.Fprintln(w, "  audit-verify    Verify the audit log hash chain")
	fmt.Fprintln(w, "  token           Mint or verify an operator token")
	fmt.Fprintln(w, "  version         Print the engine version")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Common flags:")
	fmt.Fprintln(w, "  --config <path>   Configuration file (default tidemark.yaml)")
	fmt.Fprintln(w, "  --intent <path>   Intent JSON file, - for stdin")
}
