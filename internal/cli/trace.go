package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fmsync/internal/ir"
	"github.com/roach88/fmsync/internal/model"
	"github.com/roach88/fmsync/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Artifact string
	Site     string // optional - filter to one site's operations
	Kind     string // optional - filter to one operation kind
}

// TraceEvent is one operation in the trace.
type TraceEvent struct {
	Arrival   int         `json:"arrival"`  // position in the checkpoint, 1-based
	Position  int         `json:"position"` // position in canonical order, 1-based
	Site      string      `json:"site"`
	Seq       int64       `json:"seq"`
	Kind      string      `json:"kind"`
	Payload   ir.IRObject `json:"payload"`
	DependsOn ir.Context  `json:"depends_on"`
	Applied   bool        `json:"applied"` // false when its preconditions failed during projection
}

// CausalEdge records that an operation was issued after seeing another
// site's operation.
type CausalEdge struct {
	From string `json:"from"` // "B#1"
	To   string `json:"to"`   // "A#3"
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Artifact  string       `json:"artifact"`
	Timeline  []TraceEvent `json:"timeline"`  // arrival order
	Canonical []string     `json:"canonical"` // "site#seq" in replay order
	Causality []CausalEdge `json:"causality"`
	Stats     TraceStats   `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	Operations int              `json:"operations"`
	Skipped    int              `json:"skipped"`
	PerSite    map[string]int   `json:"per_site"`
	Context    map[string]int64 `json:"context"`
	Digest     string           `json:"digest"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show an artifact's operations and how they were ordered",
		Long: `Show the checkpointed operations of one artifact.

The output includes:
- Timeline: operations in the order this site received them
- Canonical: the order every site replays them in
- Causality: which operations were issued after seeing another site's
- Stats: per-site counts, the causal context and the document digest

Operations whose preconditions failed during replay (for example a rename of
a feature another site removed concurrently) are marked as skipped.

Examples:
  fmsync trace --db ./fmsync.db --artifact car
  fmsync trace --db ./fmsync.db --artifact car --site laptop-1
  fmsync trace --db ./fmsync.db --artifact car --kind AddFeature --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Artifact, "artifact", "", "artifact to trace (required)")
	_ = cmd.MarkFlagRequired("artifact")
	cmd.Flags().StringVar(&opts.Site, "site", "", "filter to operations issued by site")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "filter to operation kind")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	if opts.Kind != "" && !ir.OpKind(opts.Kind).Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown operation kind %q", opts.Kind))
	}
	if err := requireDatabase(opts.Database); err != nil {
		return err
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	artifact := ir.ArtifactID(opts.Artifact)
	ops, err := st.ReadOperations(ctx, artifact)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read operations", err)
	}

	if len(ops) == 0 {
		if opts.Format == "json" {
			return outputTraceJSON(cmd, TraceResult{
				Artifact:  opts.Artifact,
				Timeline:  []TraceEvent{},
				Canonical: []string{},
				Causality: []CausalEdge{},
				Stats:     TraceStats{PerSite: map[string]int{}, Context: map[string]int64{}},
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "No operations found for artifact: %s\n", opts.Artifact)
		return nil
	}

	result := buildTrace(artifact, ops, opts.Site, ir.OpKind(opts.Kind))

	if opts.Format == "json" {
		return outputTraceJSON(cmd, result)
	}
	return outputTraceText(cmd, result, opts.Verbose)
}

// buildTrace replays ops in canonical order, recording where each landed and
// whether it applied. Filters narrow the timeline and causality only; stats
// always cover the whole artifact.
func buildTrace(artifact ir.ArtifactID, ops []ir.Operation, site string, kind ir.OpKind) TraceResult {
	doc := model.New(artifact)
	canonical := model.CanonicalOrder(ops)
	position := make(map[ir.OpKey]int, len(ops))
	applied := make(map[ir.OpKey]bool, len(ops))
	order := make([]string, len(canonical))
	for i, op := range canonical {
		position[op.Key()] = i + 1
		applied[op.Key()] = doc.Apply(op)
		order[i] = label(op.Key())
	}

	result := TraceResult{
		Artifact:  string(artifact),
		Timeline:  []TraceEvent{},
		Canonical: order,
		Causality: []CausalEdge{},
		Stats: TraceStats{
			Operations: len(ops),
			PerSite:    make(map[string]int),
			Context:    make(map[string]int64),
			Digest:     doc.Digest(),
		},
	}

	for i, op := range ops {
		key := op.Key()
		result.Stats.PerSite[string(op.SiteID)]++
		result.Stats.Context[string(op.SiteID)] = max(result.Stats.Context[string(op.SiteID)], op.Seq)
		if !applied[key] {
			result.Stats.Skipped++
		}

		if site != "" && string(op.SiteID) != site {
			continue
		}
		if kind != "" && op.Kind != kind {
			continue
		}
		result.Timeline = append(result.Timeline, TraceEvent{
			Arrival:   i + 1,
			Position:  position[key],
			Site:      string(op.SiteID),
			Seq:       op.Seq,
			Kind:      string(op.Kind),
			Payload:   op.Payload,
			DependsOn: op.DependsOn,
			Applied:   applied[key],
		})
		for _, dep := range sortedSites(op.DependsOn) {
			if dep == op.SiteID || op.DependsOn[dep] == 0 {
				continue
			}
			result.Causality = append(result.Causality, CausalEdge{
				From: label(ir.OpKey{Site: dep, Seq: op.DependsOn[dep]}),
				To:   label(key),
			})
		}
	}
	return result
}

func label(key ir.OpKey) string {
	return fmt.Sprintf("%s#%d", key.Site, key.Seq)
}

func sortedSites(c ir.Context) []ir.SiteID {
	sites := make([]ir.SiteID, 0, len(c))
	for s := range c {
		sites = append(sites, s)
	}
	slices.Sort(sites)
	return sites
}

// outputTraceJSON outputs the trace result as JSON.
func outputTraceJSON(cmd *cobra.Command, result TraceResult) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(CLIResponse{
		Status: "ok",
		Data:   result,
	})
}

// outputTraceText outputs the trace result as text.
func outputTraceText(cmd *cobra.Command, result TraceResult, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Trace for Artifact: %s\n", result.Artifact)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no operations)")
	}
	for _, ev := range result.Timeline {
		formatTimelineEvent(w, ev, verbose)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Canonical ===")
	fmt.Fprintf(w, "  %s\n", strings.Join(result.Canonical, " "))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Causality ===")
	if len(result.Causality) == 0 {
		fmt.Fprintln(w, "  (no cross-site dependencies)")
	}
	for _, edge := range result.Causality {
		fmt.Fprintf(w, "  %s -> %s\n", edge.From, edge.To)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Operations: %d (%d skipped)\n", result.Stats.Operations, result.Stats.Skipped)
	for _, site := range sortedKeys(result.Stats.PerSite) {
		fmt.Fprintf(w, "  %s: %d operation(s), seq %d\n", site, result.Stats.PerSite[site], result.Stats.Context[site])
	}
	fmt.Fprintf(w, "  Digest: %s\n", result.Stats.Digest)

	return nil
}

// formatTimelineEvent formats a single timeline event for text output.
func formatTimelineEvent(w io.Writer, ev TraceEvent, verbose bool) {
	status := ""
	if !ev.Applied {
		status = " (skipped)"
	}
	fmt.Fprintf(w, "  [%d] %s#%d %s%s\n", ev.Arrival, ev.Site, ev.Seq, ev.Kind, status)
	if verbose {
		fmt.Fprintf(w, "       Payload: %s\n", formatPayload(ev.Payload))
		fmt.Fprintf(w, "       Canonical position: %d\n", ev.Position)
	}
}

// formatPayload renders a payload with sorted keys.
func formatPayload(obj ir.IRObject) string {
	parts := make([]string, 0, len(obj))
	for _, k := range obj.SortedKeys() {
		parts = append(parts, fmt.Sprintf("%s=%s", k, formatValue(obj[k])))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func formatValue(v ir.IRValue) string {
	switch val := v.(type) {
	case ir.IRString:
		return string(val)
	case ir.IRObject:
		return formatPayload(val)
	case ir.IRArray:
		parts := make([]string, len(val))
		for i, elem := range val {
			parts[i] = formatValue(elem)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
