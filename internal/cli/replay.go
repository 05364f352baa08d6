package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fmsync/internal/ir"
	"github.com/roach88/fmsync/internal/kernel"
	"github.com/roach88/fmsync/internal/model"
	"github.com/roach88/fmsync/internal/store"
	"github.com/roach88/fmsync/internal/syncwire"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Artifact string // optional - specific artifact only
}

// ReplayArtifactResult holds the replay result for a single artifact.
type ReplayArtifactResult struct {
	Artifact   string      `json:"artifact"`
	Site       string      `json:"site,omitempty"`
	Operations int         `json:"operations"`
	Features   int         `json:"features"`
	Digest     string      `json:"digest"`
	Converged  bool        `json:"converged"`
	Document   ir.IRObject `json:"document"`
	Problem    string      `json:"problem,omitempty"`

	doc *model.Document
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Artifacts    []ReplayArtifactResult `json:"artifacts"`
	Total        int                    `json:"total"`
	AllConverged bool                   `json:"all_converged"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild documents from a checkpoint and verify convergence",
		Long: `Rebuild each artifact's document from its checkpointed operations.

The operations are projected three ways: in arrival order, in reverse arrival
order and through a restored kernel. All three must produce the same digest,
which is what lets two sites holding the same operations agree.

Exit codes:
  0 - Every artifact converged
  1 - Projections diverged or the document violates tree invariants
  2 - Command error (database not found, etc.)

Examples:
  fmsync replay --db ./fmsync.db
  fmsync replay --db ./fmsync.db --artifact car
  fmsync replay --db ./fmsync.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Artifact, "artifact", "", "replay specific artifact only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	if err := requireDatabase(opts.Database); err != nil {
		return err
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	var artifacts []ir.ArtifactID
	if opts.Artifact != "" {
		artifacts = []ir.ArtifactID{ir.ArtifactID(opts.Artifact)}
	} else {
		artifacts, err = st.ListArtifacts(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list artifacts", err)
		}
	}

	if len(artifacts) == 0 {
		if opts.Format == "json" {
			return outputReplayJSON(cmd, ReplayResult{
				Artifacts:    []ReplayArtifactResult{},
				AllConverged: true,
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No artifacts found in database.")
		return nil
	}

	result := ReplayResult{
		Artifacts:    make([]ReplayArtifactResult, 0, len(artifacts)),
		Total:        len(artifacts),
		AllConverged: true,
	}
	for _, artifact := range artifacts {
		r, err := replayArtifact(ctx, st, artifact, opts.RootOptions, cmd)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay artifact %s", artifact), err)
		}
		result.Artifacts = append(result.Artifacts, r)
		if !r.Converged {
			result.AllConverged = false
		}
	}

	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}
	return outputReplayText(cmd, result, opts.Verbose)
}

// replayArtifact projects one artifact's checkpoint three ways and compares
// the digests.
func replayArtifact(ctx context.Context, st *store.Store, artifact ir.ArtifactID, opts *RootOptions, cmd *cobra.Command) (ReplayArtifactResult, error) {
	ops, err := st.ReadOperations(ctx, artifact)
	if err != nil {
		return ReplayArtifactResult{}, err
	}

	forward := model.Project(artifact, ops)
	reversed := slices.Clone(ops)
	slices.Reverse(reversed)
	backward := model.Project(artifact, reversed)

	r := ReplayArtifactResult{
		Artifact:   string(artifact),
		Operations: len(ops),
		Features:   forward.Len(),
		Digest:     forward.Digest(),
		Converged:  true,
		doc:        forward,
	}
	if site, err := st.ReadSession(ctx, artifact); err == nil {
		r.Site = string(site)
	}

	var problems []string
	if backward.Digest() != r.Digest {
		problems = append(problems, fmt.Sprintf("reverse arrival order projects to %s", short(backward.Digest())))
	}
	if r.Site != "" {
		k := kernel.New(syncwire.Discard{}, kernel.WithStore(st), kernel.WithLogger(quietLogger(opts, cmd)))
		if err := k.Initialize(ctx, artifact, ir.SiteID(r.Site)); err != nil {
			problems = append(problems, fmt.Sprintf("restore failed: %v", err))
		} else if doc, _ := k.Snapshot(artifact); doc.Digest() != r.Digest {
			problems = append(problems, fmt.Sprintf("restored kernel projects to %s", short(doc.Digest())))
		}
	}
	if err := forward.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		r.Converged = false
		r.Problem = strings.Join(problems, "; ")
	}

	raw, err := forward.MarshalJSON()
	if err != nil {
		return ReplayArtifactResult{}, err
	}
	if err := json.Unmarshal(raw, &r.Document); err != nil {
		return ReplayArtifactResult{}, err
	}
	return r, nil
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}

	if !result.AllConverged {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_DIVERGED",
			Message: "convergence verification failed",
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if !result.AllConverged {
		return NewExitError(ExitFailure, "convergence verification failed")
	}
	return nil
}

// outputReplayText outputs the replay result as text. With --verbose the
// feature tree is printed too.
func outputReplayText(cmd *cobra.Command, result ReplayResult, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Replay Summary: %d artifact(s)\n", result.Total)
	fmt.Fprintln(w)

	for _, a := range result.Artifacts {
		status := "✓"
		if !a.Converged {
			status = "✗"
		}
		fmt.Fprintf(w, "%s Artifact: %s\n", status, a.Artifact)
		if a.Site != "" {
			fmt.Fprintf(w, "  Site: %s\n", a.Site)
		}
		fmt.Fprintf(w, "  Operations: %d, features: %d\n", a.Operations, a.Features)
		fmt.Fprintf(w, "  Digest: %s\n", a.Digest)
		if verbose {
			printTree(w, a.doc, model.RootID, "  ")
		}
		if !a.Converged {
			fmt.Fprintf(w, "  Warning: %s\n", a.Problem)
		}
		fmt.Fprintln(w)
	}

	if result.AllConverged {
		fmt.Fprintln(w, "✓ All artifacts converged")
		return nil
	}
	fmt.Fprintln(w, "✗ Convergence verification failed")
	return NewExitError(ExitFailure, "convergence verification failed")
}

// printTree writes the feature tree rooted at id, one feature per line.
func printTree(w io.Writer, doc *model.Document, id, indent string) {
	f, ok := doc.Feature(id)
	if !ok {
		return
	}
	var marks []string
	if f.Mandatory {
		marks = append(marks, "mandatory")
	}
	if f.Group != model.GroupAnd {
		marks = append(marks, string(f.Group))
	}
	line := fmt.Sprintf("%s%s (%s)", indent, f.Name, f.ID)
	if len(marks) > 0 {
		line += " [" + strings.Join(marks, ", ") + "]"
	}
	fmt.Fprintln(w, line)
	for _, c := range doc.Children(id) {
		printTree(w, doc, c.ID, indent+"  ")
	}
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
