package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/danielpatrickdp/persona-governor/internal/audit"
	"github.com/danielpatrickdp/persona-governor/internal/learning"
	"github.com/danielpatrickdp/persona-governor/internal/persona"
	"github.com/danielpatrickdp/persona-governor/internal/store"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to persona_governor.db")
	twin := flag.String("twin", "", "twin id")
	last := flag.Int("last", 20, "show N most recent spec versions and runs")
	version := flag.String("version", "", "show single spec version detail")
	conversation := flag.String("conversation", "", "show the audit trail of one conversation")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" || (*twin == "" && *conversation == "") {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/persona_governor.db (--twin id [--last N] [--version vN] | --conversation id) [--json]")
		os.Exit(2)
	}

	if err := run(*dbPath, *twin, *version, *conversation, *last, *jsonOut); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(dbPath, twin, version, conversation string, last int, jsonOut bool) error {
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	in := inspector{jsonOut: jsonOut}
	if in.specs, err = persona.NewStore(db, nil); err != nil {
		return err
	}
	if in.modules, err = learning.NewStore(db); err != nil {
		return err
	}
	if in.audit, err = audit.NewRecorder(db); err != nil {
		return err
	}

	ctx := context.Background()
	switch {
	case conversation != "":
		return in.conversation(ctx, conversation)
	case version != "":
		return in.detail(ctx, twin, version)
	default:
		return in.list(ctx, twin, last)
	}
}

type inspector struct {
	specs   *persona.Store
	modules *learning.Store
	audit   *audit.Recorder
	jsonOut bool
}

// #endregion main

// #region list-mode

type listOutput struct {
	Specs   []specRow   `json:"specs"`
	Runs    []runRow    `json:"runs"`
	Modules []moduleRow `json:"modules"`
}

type specRow struct {
	ID        string `json:"id"`
	Version   string `json:"version"`
	Status    string `json:"status"`
	Modules   int    `json:"learned_modules"`
	CreatedAt string `json:"created_at"`
}

type runRow struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	Events    int     `json:"events"`
	AvgDelta  float64 `json:"avg_delta"`
	Decision  string  `json:"decision"`
	Reason    string  `json:"reason,omitempty"`
	Candidate string  `json:"candidate_spec_id,omitempty"`
	StartedAt string  `json:"started_at"`
}

type moduleRow struct {
	Key         string  `json:"key"`
	Version     int     `json:"version"`
	Status      string  `json:"status"`
	Confidence  float64 `json:"confidence"`
	NeedsReview bool    `json:"needs_review"`
}

func (in inspector) list(ctx context.Context, twin string, last int) error {
	specs, err := in.specs.History(ctx, twin, last)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		fmt.Fprintln(os.Stderr, "no spec versions found")
		return nil
	}
	runs, err := in.modules.Runs(ctx, twin, last)
	if err != nil {
		return err
	}
	mods, err := in.modules.Modules(ctx, twin)
	if err != nil {
		return err
	}

	var out listOutput
	// store returns newest first, reverse for chronological
	for i := len(specs) - 1; i >= 0; i-- {
		s := specs[i]
		out.Specs = append(out.Specs, specRow{
			ID:        s.ID,
			Version:   s.Version,
			Status:    string(s.Status),
			Modules:   len(s.Document.LearnedModules),
			CreatedAt: stamp(s.CreatedAt.Format("2006-01-02T15:04:05Z")),
		})
	}
	for i := len(runs) - 1; i >= 0; i-- {
		r := runs[i]
		out.Runs = append(out.Runs, runRow{
			ID:        r.ID,
			Status:    string(r.Status),
			Events:    r.EventsScanned,
			AvgDelta:  r.AvgConfidenceDelta,
			Decision:  string(r.PublishDecision),
			Reason:    r.Reason,
			Candidate: r.CandidateSpecID,
			StartedAt: r.StartedAt.Format("2006-01-02T15:04:05Z"),
		})
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].Key < mods[j].Key })
	for _, m := range mods {
		out.Modules = append(out.Modules, moduleRow{
			Key: m.Key, Version: m.Version, Status: string(m.Status), Confidence: m.Confidence, NeedsReview: m.NeedsReview,
		})
	}

	if in.jsonOut {
		return printJSON(out)
	}

	fmt.Printf("%-8s  %-8s  %-8s  %7s  %s\n", "Version", "Spec", "Status", "Modules", "Created")
	fmt.Printf("%-8s+-%-8s+-%-8s+-%7s+-%s\n", "--------", "--------", "--------", "-------", "--------------------")
	for _, s := range out.Specs {
		fmt.Printf("%-8s  %-8s  %-8s  %7d  %s\n", s.Version, shortID(s.ID), s.Status, s.Modules, s.CreatedAt)
	}

	if len(out.Runs) > 0 {
		fmt.Printf("\nLearning runs:\n")
		for _, r := range out.Runs {
			fmt.Printf("  %-8s  %-9s  events=%-4d  delta=%+.4f  %-12s  %s\n",
				shortID(r.ID), r.Status, r.Events, r.AvgDelta, r.Decision, r.Reason)
		}
	}
	if len(out.Modules) > 0 {
		fmt.Printf("\nModules:\n")
		for _, m := range out.Modules {
			flag := ""
			if m.NeedsReview {
				flag = "  needs-review"
			}
			fmt.Printf("  %-40s  v%-3d  %-8s  %.3f%s\n", m.Key, m.Version, m.Status, m.Confidence, flag)
		}
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	ID             string                  `json:"id"`
	Version        string                  `json:"version"`
	Status         string                  `json:"status"`
	ParentID       string                  `json:"parent_id,omitempty"`
	CreatedAt      string                  `json:"created_at"`
	PublishedAt    string                  `json:"published_at,omitempty"`
	Workflows      []string                `json:"workflows"`
	Clauses        int                     `json:"policy_clauses"`
	LearnedModules []persona.LearnedModule `json:"learned_modules,omitempty"`
}

func (in inspector) detail(ctx context.Context, twin, version string) error {
	s, err := in.specs.GetVersion(ctx, twin, version)
	if err != nil {
		return err
	}
	out := detailOutput{
		ID:             s.ID,
		Version:        s.Version,
		Status:         string(s.Status),
		ParentID:       s.ParentID,
		CreatedAt:      s.CreatedAt.Format("2006-01-02T15:04:05Z"),
		Clauses:        len(s.Document.Policy.BannedPhrases) + len(s.Document.Policy.HardClauses) + len(s.Document.Policy.RequiredElements),
		LearnedModules: s.Document.LearnedModules,
	}
	if !s.PublishedAt.IsZero() {
		out.PublishedAt = s.PublishedAt.Format("2006-01-02T15:04:05Z")
	}
	for _, w := range s.Document.Workflows {
		out.Workflows = append(out.Workflows, w.ID)
	}

	if in.jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Spec:       %s\n", out.ID)
	fmt.Printf("Version:    %s\n", out.Version)
	fmt.Printf("Status:     %s\n", out.Status)
	fmt.Printf("Parent:     %s\n", out.ParentID)
	fmt.Printf("Created:    %s\n", out.CreatedAt)
	fmt.Printf("Published:  %s\n", stamp(out.PublishedAt))
	fmt.Printf("Workflows:  %s\n", strings.Join(out.Workflows, ", "))
	fmt.Printf("Clauses:    %d\n", out.Clauses)
	if len(out.LearnedModules) > 0 {
		fmt.Printf("\nLearned modules:\n")
		for _, m := range out.LearnedModules {
			fmt.Printf("  %-40s  %-20s  %.3f\n", m.Key, m.Kind, m.Confidence)
		}
	}
	return nil
}

// #endregion detail-mode

// #region conversation-mode

type trailEntry struct {
	At     string `json:"at"`
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Action string `json:"action,omitempty"`
	Detail string `json:"detail"`
	Corr   string `json:"correlation_id,omitempty"`
}

func (in inspector) conversation(ctx context.Context, conv string) error {
	decisions, err := in.audit.DecisionsForConversation(ctx, conv)
	if err != nil {
		return err
	}
	responses, err := in.audit.ResponsesForConversation(ctx, conv)
	if err != nil {
		return err
	}
	failures, err := in.audit.FailuresForConversation(ctx, conv)
	if err != nil {
		return err
	}

	var trail []trailEntry
	for _, d := range decisions {
		trail = append(trail, trailEntry{
			At: d.CreatedAt.Format("2006-01-02T15:04:05.000Z"), Kind: "decision", ID: d.ID, Action: d.Action,
			Detail: fmt.Sprintf("intent=%s conf=%.2f reasons=%s", d.Intent, d.Confidence, strings.Join(d.Reasons, ",")),
			Corr:   d.CorrelationID,
		})
	}
	for _, r := range responses {
		detail := fmt.Sprintf("spec=%s gate=%v final_gate=%v rewrite=%v", r.SpecVersion, r.GatePassed, r.FinalGatePassed, r.RewriteApplied)
		if reason := r.RefusalReason + r.EscalationReason; reason != "" {
			detail += " reason=" + reason
		}
		trail = append(trail, trailEntry{
			At: r.CreatedAt.Format("2006-01-02T15:04:05.000Z"), Kind: "response", ID: r.ID, Action: r.Action, Detail: detail, Corr: r.CorrelationID,
		})
		corrections, err := in.audit.Corrections(ctx, r.ID)
		if err != nil {
			return err
		}
		for _, c := range corrections {
			trail = append(trail, trailEntry{
				At: c.CreatedAt.Format("2006-01-02T15:04:05.000Z"), Kind: "correction", ID: c.ID, Detail: c.Author + ": " + c.Note,
			})
		}
	}
	for _, f := range failures {
		trail = append(trail, trailEntry{
			At: f.CreatedAt.Format("2006-01-02T15:04:05.000Z"), Kind: "failure", ID: f.ID,
			Detail: fmt.Sprintf("%s/%s: %s", f.Stage, f.Kind, f.Detail), Corr: f.CorrelationID,
		})
	}
	sort.SliceStable(trail, func(i, j int) bool { return trail[i].At < trail[j].At })

	if in.jsonOut {
		return printJSON(trail)
	}
	if len(trail) == 0 {
		fmt.Fprintln(os.Stderr, "no audit records found")
		return nil
	}
	for _, e := range trail {
		fmt.Printf("%s  %-10s  %-8s  %-8s  %s\n", e.At, e.Kind, shortID(e.ID), e.Action, e.Detail)
	}
	return nil
}

// #endregion conversation-mode

// #region output

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func stamp(s string) string {
	if s == "" || strings.HasPrefix(s, "0001-") {
		return "-"
	}
	return s
}

// #endregion output
