// Package main implements a mock agent binary that emits the claude-code
// stream-json protocol on stdout. It stands in for the real CLI so agentd can
// be exercised end to end without provider credentials: point
// providers.claude.binary at this binary and every launch replays a scenario.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// sessionID identifies this mock process. Each launch spawns a fresh process,
// so the pid keeps parallel runs distinct.
var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

func main() {
	opts := parseArgs(os.Args)

	if opts.scenarioFile != "" {
		steps, err := loadScript(opts.scenarioFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
			os.Exit(1)
		}
		if err := runScript(os.Stdout, steps); err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
			os.Exit(1)
		}
		return
	}

	enc := json.NewEncoder(os.Stdout)
	switch opts.scenario {
	case "simple":
		scenarioSimple(enc, opts)
	case "tools":
		scenarioTools(enc, opts)
	case "failure":
		scenarioFailure(enc, opts)
	default:
		fmt.Fprintf(os.Stderr, "mock-agent: unknown scenario %q (available: simple, tools, failure)\n", opts.scenario)
		os.Exit(1)
	}
}

// options holds the flags the mock understands. Everything else on the
// command line is the real CLI's surface and is ignored.
type options struct {
	scenario     string
	scenarioFile string
	model        string
	prompt       string
}

// parseArgs scans argv for the mock's flags. The daemon passes claude-style
// arguments (-p, --output-format, --verbose, ...); unknown flags must not be
// an error here or the mock could not substitute for the real binary.
func parseArgs(args []string) options {
	opts := options{
		scenario: "simple",
		model:    "mock-default",
	}
	for i := 1; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--scenario" && i+1 < len(args):
			opts.scenario = args[i+1]
			i++
		case strings.HasPrefix(arg, "--scenario="):
			opts.scenario = strings.TrimPrefix(arg, "--scenario=")
		case arg == "--scenario-file" && i+1 < len(args):
			opts.scenarioFile = args[i+1]
			i++
		case strings.HasPrefix(arg, "--scenario-file="):
			opts.scenarioFile = strings.TrimPrefix(arg, "--scenario-file=")
		case arg == "--model" && i+1 < len(args):
			opts.model = args[i+1]
			i++
		case strings.HasPrefix(arg, "--model="):
			opts.model = strings.TrimPrefix(arg, "--model=")
		case arg == "-p" && i+1 < len(args):
			opts.prompt = args[i+1]
			i++
		}
	}
	return opts
}
