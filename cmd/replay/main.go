package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/danielpatrickdp/persona-governor/internal/logging"
	"github.com/danielpatrickdp/persona-governor/internal/replay"
	"github.com/danielpatrickdp/persona-governor/internal/store"
)

// #region main

func main() {
	fixturePath := flag.String("fixture", "", "path to fixture JSON")
	keepDB := flag.String("keep-db", "", "write the replay database here instead of a temp dir")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *fixturePath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay --fixture path/to/fixture.json [--keep-db out.db] [-v]")
		os.Exit(2)
	}
	os.Exit(run(*fixturePath, *keepDB, *verbose))
}

// #endregion main

// #region run

func run(fixturePath, keepDB string, verbose bool) int {
	f, err := replay.LoadFixture(fixturePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}

	dbPath := keepDB
	if dbPath == "" {
		dir, err := os.MkdirTemp("", "persona-replay-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "temp dir: %v\n", err)
			return 2
		}
		defer os.RemoveAll(dir)
		dbPath = filepath.Join(dir, "replay.db")
	} else if _, err := os.Stat(dbPath); err == nil {
		fmt.Fprintf(os.Stderr, "refusing to replay into existing database %s\n", dbPath)
		return 2
	}

	db, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		return 2
	}
	defer db.Close()

	lcfg := logging.Config{Level: "warn", Format: "console"}
	if verbose {
		lcfg.Level = "debug"
	}
	logger, err := logging.New(lcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 2
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	results, err := replay.Replay(ctx, db, f, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 1
	}
	summary, err := replay.Summarize(ctx, db, f.TwinID, results)
	if err != nil {
		fmt.Fprintf(os.Stderr, "summarize: %v\n", err)
		return 1
	}

	if f.Description != "" {
		fmt.Printf("%s\n\n", f.Description)
	}
	return printComparison(results, f.Expected, summary)
}

// #endregion run

// #region output

// printComparison outputs a comparison table and returns the exit code.
func printComparison(results []replay.ReplayResult, expected []replay.FixtureExpected, s replay.ReplaySummary) int {
	want := make(map[string]replay.FixtureExpected, len(expected))
	for _, e := range expected {
		want[e.TurnID] = e
	}
	mismatches := replay.Compare(results, expected)
	diverged := make(map[string]bool, len(mismatches))
	for _, m := range mismatches {
		diverged[m.TurnID] = true
	}

	fmt.Printf("%-12s| %-10s| %-10s| %-24s| %s\n", "Turn", "Expected", "Replayed", "Reason", "Match")
	fmt.Printf("%-12s+%-11s+%-11s+%-25s+%s\n",
		"------------", "-----------", "-----------", "-------------------------", "------")
	for _, r := range results {
		exp, ok := want[r.TurnID]
		expAction, match := "-", "-"
		if ok {
			expAction = string(exp.Action)
			match = "OK"
			if diverged[r.TurnID] {
				match = "DIFF"
			}
		}
		fmt.Printf("%-12s| %-10s| %-10s| %-24s| %s\n", r.TurnID, expAction, r.Action, r.Reason, match)
	}

	for _, m := range mismatches {
		fmt.Printf("DIFF %s: expected %s", m.TurnID, m.ExpectedAction)
		if m.ExpectedReason != "" {
			fmt.Printf(" (%s)", m.ExpectedReason)
		}
		fmt.Printf(", replayed %s (%s)\n", m.GotAction, m.GotReason)
	}

	fmt.Printf("\nSummary: %d turns, %d answer, %d clarify, %d refuse, %d escalate, %d failed\n",
		s.TotalTurns, s.Answers, s.Clarifies, s.Refusals, s.Escalations, s.Failures)
	fmt.Printf("         %d pending review items, %d open clarification threads\n", s.ReviewItems, s.OpenThreads)
	fmt.Printf("         %d expected, %d diverge\n", len(expected), len(mismatches))

	if len(mismatches) > 0 {
		return 1
	}
	return 0
}

// #endregion output
