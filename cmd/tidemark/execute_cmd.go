package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tidemark-io/tidemark/pkg/audit"
	"github.com/tidemark-io/tidemark/pkg/intent"
	"github.com/tidemark-io/tidemark/pkg/orchestrator"
)

// runExecuteCmd backs both plan (forced dry run) and execute.
func runExecuteCmd(args []string, stdout, stderr io.Writer, planOnly bool) int {
	fs := flag.NewFlagSet("execute", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "tidemark.yaml", "configuration file")
	intentPath := fs.String("intent", "-", "intent JSON file, - for stdin")
	dryRun := fs.Bool("dry-run", false, "evaluate without dispatching")
	srcKey := fs.String("source-key", "", "signing key id for the source leg")
	dstKey := fs.String("dest-key", "", "signing key id for the destination leg")
	token := fs.String("token", "", "operator token")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	in, err := readIntent(*intentPath)
	if err != nil {
		return exitErr(stderr, err)
	}

	a, err := newApp(*cfgPath, stderr)
	if err != nil {
		return exitErr(stderr, err)
	}
	defer a.Close()

	if err := requireOperator(a.cfg, *token, "execute"); err != nil {
		return exitErr(stderr, err)
	}

	out := a.orch.Execute(context.Background(), orchestrator.Request{
		Intent:           in,
		Plane:            audit.PlaneControl,
		DryRun:           planOnly || *dryRun,
		SourceKeyID:      *srcKey,
		DestinationKeyID: *dstKey,
	})
	return printOutcome(stdout, out)
}

func runExecutePlaneCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("execute-plane", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "tidemark.yaml", "configuration file")
	payloadPath := fs.String("payload", "-", "payload JSON file, - for stdin")
	dryRun := fs.Bool("dry-run", false, "evaluate without dispatching")
	token := fs.String("token", "", "operator token")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	raw, err := readInput(*payloadPath)
	if err != nil {
		return exitErr(stderr, err)
	}

	a, err := newApp(*cfgPath, stderr)
	if err != nil {
		return exitErr(stderr, err)
	}
	defer a.Close()

	if err := requireOperator(a.cfg, *token, "execute"); err != nil {
		return exitErr(stderr, err)
	}

	out := a.gateway.Execute(context.Background(), raw, *dryRun)
	return printOutcome(stdout, out)
}

func readIntent(path string) (*intent.Intent, error) {
	raw, err := readInput(path)
	if err != nil {
		return nil, err
	}
	var in intent.Intent
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("parse intent: %w", err)
	}
	return &in, nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// printOutcome writes the outcome as JSON. Exit code 0 only when the
// terminal state is COMPLETED.
func printOutcome(stdout io.Writer, out *orchestrator.Outcome) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	if out.State == orchestrator.StateCompleted {
		return 0
	}
	return 1
}
