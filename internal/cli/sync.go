package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fmsync/internal/config"
	"github.com/roach88/fmsync/internal/ir"
	"github.com/roach88/fmsync/internal/syncwire"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Config    string
	Database  string
	Artifacts []string
	Site      string
	Relay     string
	Duration  time.Duration
}

// SyncArtifactResult is one artifact's state when the session ended.
type SyncArtifactResult struct {
	Artifact    string     `json:"artifact"`
	Site        string     `json:"site"`
	Operations  int        `json:"operations"`
	Buffered    int        `json:"buffered"`
	Undelivered int        `json:"undelivered"`
	Context     ir.Context `json:"context"`
	Digest      string     `json:"digest"`
}

// SyncResult summarizes a session.
type SyncResult struct {
	Relay     string               `json:"relay"`
	Artifacts []SyncArtifactResult `json:"artifacts"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Join a relay and exchange edits with other sites",
		Long: `Join a relay and keep this site's artifacts in sync with every other
site on it.

On every (re)connection the site asks its peers for the operations it lacks
and pushes the ones they lack. Received operations are checkpointed before
they change the document, so an interrupted session loses nothing.

Settings come from --config, a YAML participant file, and may be overridden
by flags. Without --duration the session runs until interrupted.

Examples:
  fmsync sync --config ./participant.yaml
  fmsync sync --db ./fmsync.db --artifact car --relay ws://localhost:8080/sync
  fmsync sync --config ./participant.yaml --duration 30s --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "participant config file")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringSliceVar(&opts.Artifacts, "artifact", nil, "artifact to synchronize (repeatable)")
	cmd.Flags().StringVar(&opts.Site, "site", "", "site identity (default: the database's, or a new UUIDv7)")
	cmd.Flags().StringVar(&opts.Relay, "relay", "", "relay URL (ws:// or wss://)")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (default: run until interrupted)")

	return cmd
}

// resolveConfig merges the config file with explicitly set flags.
func resolveConfig(opts *SyncOptions, cmd *cobra.Command) (*config.Config, error) {
	cfg := &config.Config{Database: config.DefaultDatabase, LogLevel: config.DefaultLogLevel}
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Database = opts.Database
	}
	if flags.Changed("artifact") {
		cfg.Artifacts = opts.Artifacts
	}
	if flags.Changed("site") {
		cfg.SiteID = opts.Site
	}
	if flags.Changed("relay") {
		cfg.RelayURL = opts.Relay
	}
	if opts.Verbose {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := resolveConfig(opts, cmd)
	if err != nil {
		return fail(formatter, ExitCommandError, "failed to resolve configuration", err)
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.Level()}))

	ctx, cancel := signalContext(cmd)
	defer cancel()
	if opts.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	var s *session
	client := syncwire.NewWSClient(cfg.RelayURL,
		syncwire.WithWSLogger(logger),
		syncwire.WithConnectHook(func(ctx context.Context) {
			logger.Info("connected to relay, exchanging missing operations", "relay", cfg.RelayURL)
			if err := s.kernel.Reconnect(ctx); err != nil {
				logger.Warn("anti-entropy request failed", "error", err)
			}
		}),
	)

	artifacts := artifactIDs(cfg.Artifacts)
	s, err = openSession(ctx, cfg.Database, cfg.SiteID, artifacts, client, logger)
	if err != nil {
		return fail(formatter, ExitCommandError, "failed to open database", err)
	}
	defer s.Close()

	for _, artifact := range artifacts {
		updates, stop, err := s.kernel.Watch(artifact)
		if err != nil {
			return fail(formatter, ExitCommandError, "failed to watch artifact", err)
		}
		defer stop()
		go func() {
			for doc := range updates {
				logger.Info("document updated",
					"artifact", artifact,
					"features", doc.Len(),
					"digest", short(doc.Digest()),
				)
			}
		}()
	}

	logger.Info("sync starting", "relay", cfg.RelayURL, "db", cfg.Database, "artifacts", len(artifacts))
	err = client.Serve(ctx, s.kernel.Receive)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fail(formatter, ExitFailure, "sync session failed", err)
	}
	logger.Info("sync stopped")

	result := SyncResult{Relay: cfg.RelayURL, Artifacts: make([]SyncArtifactResult, 0, len(artifacts))}
	for _, artifact := range artifacts {
		r, err := summarizeArtifact(s, artifact)
		if err != nil {
			return fail(formatter, ExitCommandError, "failed to summarize artifact", err)
		}
		result.Artifacts = append(result.Artifacts, r)
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Sync Summary: %d artifact(s) via %s\n", len(result.Artifacts), result.Relay)
	for _, a := range result.Artifacts {
		fmt.Fprintf(w, "  %s (site %s): %d operation(s), %d buffered, %d undelivered, digest %s\n",
			a.Artifact, a.Site, a.Operations, a.Buffered, a.Undelivered, short(a.Digest))
	}
	return nil
}

func summarizeArtifact(s *session, artifact ir.ArtifactID) (SyncArtifactResult, error) {
	log, err := s.kernel.Log(artifact)
	if err != nil {
		return SyncArtifactResult{}, err
	}
	buffered, err := s.kernel.Buffered(artifact)
	if err != nil {
		return SyncArtifactResult{}, err
	}
	undelivered, err := s.kernel.Undelivered(artifact)
	if err != nil {
		return SyncArtifactResult{}, err
	}
	c, err := s.kernel.Context(artifact)
	if err != nil {
		return SyncArtifactResult{}, err
	}
	doc, err := s.kernel.Snapshot(artifact)
	if err != nil {
		return SyncArtifactResult{}, err
	}
	return SyncArtifactResult{
		Artifact:    string(artifact),
		Site:        string(s.sites[artifact]),
		Operations:  len(log),
		Buffered:    buffered,
		Undelivered: undelivered,
		Context:     c,
		Digest:      doc.Digest(),
	}, nil
}
