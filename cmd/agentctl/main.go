// Command agentctl is the operator CLI for a running jobtel agent: it
// fetches stats and health over HTTP and peeks at job/subjob
// projections via internal/queryapi, printing JSON to stdout.
//
// Grounded on the teacher's cmd/job-queue-system main.go -role admin
// flag dispatch, adapted to a subcommand-per-verb shape since this CLI
// has no producer/worker roles to share a flag set with.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/coredump-systems/jobtel/internal/admin"
	"github.com/coredump-systems/jobtel/pkg/tui"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	agentAddr := fs.String("agent", "http://127.0.0.1:9090", "Base URL of the agent's obs HTTP server")
	queryAddr := fs.String("queryapi", "", "Base URL of internal/queryapi, if enabled")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	showVersion := fs.Bool("version", false, "Print version and exit")
	_ = fs.Parse(os.Args[2:])

	if *showVersion {
		fmt.Println(version)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := admin.NewClient(*agentAddr, *queryAddr, nil)

	switch cmd {
	case "stats":
		stats, err := client.Stats(ctx)
		fatalOn(err)
		printJSON(stats)
	case "health":
		h, err := client.Health(ctx)
		fatalOn(err)
		printJSON(h)
		if !h.Ready {
			os.Exit(1)
		}
	case "peek":
		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "usage: agentctl peek <job|subjob> <id>")
			os.Exit(1)
		}
		args := fs.Args()
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: agentctl peek <job|subjob> <id>")
			os.Exit(1)
		}
		kind, id := args[0], args[1]
		var (
			raw json.RawMessage
			err error
		)
		switch kind {
		case "job":
			raw, err = client.PeekJob(ctx, id)
		case "subjob":
			raw, err = client.PeekSubjob(ctx, id)
		default:
			fmt.Fprintf(os.Stderr, "unknown peek kind %q: want job|subjob\n", kind)
			os.Exit(1)
		}
		fatalOn(err)
		fmt.Println(string(raw))
	case "watch":
		if err := tui.Run(*agentAddr, *queryAddr, 2*time.Second); err != nil {
			fatalOn(err)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: agentctl <stats|health|peek|watch> [flags]")
}

func fatalOn(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
