package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fmsync/internal/syncwire"
)

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Addr         string
	Path         string
	AllowOrigins []string
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a websocket relay for sites to meet on",
		Long: `Run a websocket relay.

Every message a site sends is forwarded to every other connected site. The
relay keeps no state and never inspects messages: sites validate what they
receive and catch up with each other through anti-entropy when they connect.

Sites dial without an Origin header and are always accepted. Browsers are
limited to same-origin pages unless --allow-origin lists theirs ("*" for any).

Example:
  fmsync relay --addr :8080
  fmsync relay --addr 127.0.0.1:9000 --path /fm --verbose
  fmsync relay --allow-origin https://modeler.example.com`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.Path, "path", "/sync", "websocket endpoint path")
	cmd.Flags().StringSliceVar(&opts.AllowOrigins, "allow-origin", nil, "browser origin allowed to connect (repeatable, \"*\" for any)")

	return cmd
}

func runRelay(opts *RelayOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	ctx, cancel := signalContext(cmd)
	defer cancel()

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	relay := syncwire.NewRelay(logger, syncwire.WithAllowedOrigins(opts.AllowOrigins...))
	mux := http.NewServeMux()
	mux.Handle(opts.Path, relay)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_ = relay.Run(ctx)
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("relay listening", "addr", ln.Addr().String(), "path", opts.Path)
	fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on ws://%s%s\n", ln.Addr(), opts.Path)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		<-relayDone
		return WrapExitError(ExitFailure, "relay error", err)
	}
	<-relayDone

	logger.Info("relay stopped gracefully")
	return nil
}

// signalContext derives a context from the command's that is cancelled on
// SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan) // Prevent signal handler leak
		select {
		case sig := <-sigChan:
			fmt.Fprintf(cmd.ErrOrStderr(), "received %s, shutting down\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
