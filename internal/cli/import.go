package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fmsync/internal/compiler"
	"github.com/roach88/fmsync/internal/ir"
	"github.com/roach88/fmsync/internal/kernel"
	"github.com/roach88/fmsync/internal/syncwire"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Database string
	Artifact string
	Site     string
}

// ImportResult describes a committed import.
type ImportResult struct {
	Artifact   string             `json:"artifact"`
	Site       string             `json:"site"`
	Model      string             `json:"model"`
	Features   int                `json:"features"`
	Operations int                `json:"operations"`
	FirstSeq   int64              `json:"first_seq"`
	LastSeq    int64              `json:"last_seq"`
	Digest     string             `json:"digest"`
	Warnings   []compiler.Warning `json:"warnings"`
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <model-dir>",
		Short: "Commit a CUE feature model as local edits",
		Long: `Compile a CUE feature model and commit it to an artifact as one run.

The edits are checkpointed in the database under this site's identity and
reach the other sites the next time this database joins a relay with
"fmsync sync".

Exit codes:
  0 - Model committed
  1 - The model conflicts with the artifact's current content
  2 - Command error (model does not compile, database not writable, etc.)

Examples:
  fmsync import --db ./fmsync.db --artifact car ./models/car
  fmsync import --db ./fmsync.db --artifact car --site laptop-1 ./models/car`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Artifact, "artifact", "", "artifact to import into (required)")
	_ = cmd.MarkFlagRequired("artifact")
	cmd.Flags().StringVar(&opts.Site, "site", "", "site identity (default: the database's, or a new UUIDv7)")

	return cmd
}

func runImport(opts *ImportOptions, dir string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	m, err := compiler.LoadDir(dir)
	if err != nil {
		return fail(formatter, ExitCommandError, "failed to compile model", err)
	}
	warnings := compiler.AnalyzeConstraints(m)
	formatter.VerboseLog("Compiled %d feature(s), %d constraint(s) from %s", len(m.Features), len(m.Constraints), dir)

	artifact := ir.ArtifactID(opts.Artifact)
	logger := quietLogger(opts.RootOptions, cmd)
	// Offline: peers learn of the edits through anti-entropy on the next sync.
	s, err := openSession(ctx, opts.Database, opts.Site, []ir.ArtifactID{artifact}, syncwire.Discard{}, logger)
	if err != nil {
		return fail(formatter, ExitCommandError, "failed to open database", err)
	}
	defer s.Close()

	site := s.sites[artifact]
	before, _ := s.kernel.Context(artifact)

	proposals := m.Proposals()
	err = s.kernel.Apply(ctx, artifact, func(txn *kernel.Txn) error {
		for _, p := range proposals {
			if err := txn.Propose(p.Kind, p.Payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fail(formatter, ExitFailure, "import rejected", err)
	}

	doc, err := s.kernel.Snapshot(artifact)
	if err != nil {
		return fail(formatter, ExitCommandError, "failed to read document", err)
	}
	result := ImportResult{
		Artifact:   string(artifact),
		Site:       string(site),
		Model:      m.Name,
		Features:   len(m.Features),
		Operations: len(proposals),
		FirstSeq:   before.Get(site) + 1,
		LastSeq:    before.Get(site) + int64(len(proposals)),
		Digest:     doc.Digest(),
		Warnings:   warnings,
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	return outputImportText(cmd.OutOrStdout(), result)
}

func outputImportText(w io.Writer, r ImportResult) error {
	fmt.Fprintf(w, "✓ Imported %s into %s as site %s\n", r.Model, r.Artifact, r.Site)
	fmt.Fprintf(w, "  Features: %d\n", r.Features)
	fmt.Fprintf(w, "  Operations: %d (seq %d-%d)\n", r.Operations, r.FirstSeq, r.LastSeq)
	fmt.Fprintf(w, "  Digest: %s\n", r.Digest)
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "  %s: %s\n", warn.Level, warn.Message)
	}
	return nil
}
