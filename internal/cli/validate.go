package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/fmsync/internal/compiler"
	"github.com/roach88/fmsync/internal/syncwire"
)

// ValidationItem is the verdict on one input.
type ValidationItem struct {
	Path     string             `json:"path"`
	Kind     string             `json:"kind"` // "message" or "model"
	Valid    bool               `json:"valid"`
	Code     string             `json:"code,omitempty"`
	Message  string             `json:"message,omitempty"`
	Line     int                `json:"line,omitempty"`
	Summary  string             `json:"summary,omitempty"`
	Warnings []compiler.Warning `json:"warnings,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool             `json:"valid"`
	Items []ValidationItem `json:"items"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate wire messages and CUE feature models",
		Long: `Validate inputs without touching any database.

Each .json file is checked as one sync-channel message, exactly as a site
would check it on receipt. Each directory or .cue file is compiled as a
feature model and its constraints are analyzed for requires-cycles and
contradictions.

Exit codes:
  0 - Everything is valid
  1 - At least one input is invalid
  2 - Command error (path not found, etc.)

Examples:
  fmsync validate ./inbox/msg-001.json ./inbox/msg-002.json
  fmsync validate ./models/car`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	result := ValidationResult{Valid: true, Items: make([]ValidationItem, 0, len(paths))}
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return outputValidateError(formatter, compiler.ErrCodeNotFound, fmt.Sprintf("path not found: %s", path), nil)
		}

		var item ValidationItem
		switch {
		case info.IsDir():
			item = validateModel(path, func() (*compiler.Model, error) { return compiler.LoadDir(path) })
		case filepath.Ext(path) == ".cue":
			item = validateModel(path, func() (*compiler.Model, error) {
				src, err := os.ReadFile(path)
				if err != nil {
					return nil, err
				}
				return compiler.LoadSource(path, src)
			})
		default:
			item = validateMessage(path)
		}
		formatter.VerboseLog("Validated %s %s: valid=%v", item.Kind, path, item.Valid)

		if !item.Valid {
			result.Valid = false
		}
		result.Items = append(result.Items, item)
	}

	return outputValidation(formatter, result)
}

// validateMessage decodes one wire message.
func validateMessage(path string) ValidationItem {
	item := ValidationItem{Path: path, Kind: "message"}
	data, err := os.ReadFile(path)
	if err != nil {
		item.Code = ErrCodeGeneric
		item.Message = err.Error()
		return item
	}

	env, err := syncwire.Decode(data)
	if err != nil {
		item.Code = errorCode(err)
		item.Message = err.Error()
		return item
	}
	item.Valid = true
	if env.Operation != nil {
		item.Summary = fmt.Sprintf("operation %s", env.Operation)
	} else {
		item.Summary = fmt.Sprintf("%s from %s for %s", env.Type, env.SiteID(), env.ArtifactID())
	}
	return item
}

// validateModel compiles a feature model and analyzes its constraints.
// Analysis findings are warnings; they never make a model invalid.
func validateModel(path string, load func() (*compiler.Model, error)) ValidationItem {
	item := ValidationItem{Path: path, Kind: "model"}
	m, err := load()
	if err != nil {
		item.Code = errorCode(err)
		item.Message = err.Error()
		var le *compiler.LoadError
		if errors.As(err, &le) {
			item.Message = le.Message
			if le.Pos.IsValid() {
				item.Line = le.Pos.Line()
			}
		}
		return item
	}

	item.Valid = true
	item.Summary = fmt.Sprintf("model %q: %d feature(s), %d constraint(s)", m.Name, len(m.Features), len(m.Constraints))
	item.Warnings = compiler.AnalyzeConstraints(m)
	return item
}

// outputValidateError outputs a single command-level error.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	// Unreadable inputs are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidation outputs every verdict.
func outputValidation(formatter *OutputFormatter, result ValidationResult) error {
	invalid := 0
	for _, item := range result.Items {
		if !item.Valid {
			invalid++
		}
	}

	if formatter.Format == "json" {
		response := CLIResponse{Status: "ok", Data: result}
		if invalid > 0 {
			for _, item := range result.Items {
				if !item.Valid {
					response.Status = "error"
					response.Error = &CLIError{Code: item.Code, Message: item.Message}
					break
				}
			}
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
	} else {
		for _, item := range result.Items {
			if item.Valid {
				fmt.Fprintf(formatter.Writer, "✓ %s: %s\n", item.Path, item.Summary)
				for _, w := range item.Warnings {
					fmt.Fprintf(formatter.Writer, "  %s: %s\n", w.Level, w.Message)
				}
				continue
			}
			fmt.Fprintf(formatter.Writer, "✗ %s\n", item.Path)
			if item.Line > 0 {
				fmt.Fprintf(formatter.Writer, "  line %d\n", item.Line)
			}
			fmt.Fprintf(formatter.Writer, "  %s: %s\n", item.Code, item.Message)
		}
	}

	if invalid > 0 {
		// Invalid inputs = exit code 1 (validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed for %d input(s)", invalid))
	}
	return nil
}
