package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/config"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/logger"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/worker"
)

// exitError carries the process exit status of a failed command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		stop()
		code := 1
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			code = exitErr.code
		}
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(code)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ntlm-auth-gateway",
		Short:         "NTLM pass-through authentication gateway backed by a pool of machine accounts",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # three machine accounts, four workers, Redis coordination
  LISTEN=5000 MACHINE_ACCOUNTS=acct-1,acct-2,acct-3 REDIS_HOST=redis ntlm-auth-gateway serve

  # MongoDB coordination
  LISTEN=5000 COORDINATION_BACKEND=mongodb MONGODB_URI=mongodb://mongo:27017 ntlm-auth-gateway serve
`,
	}
	cmd.AddCommand(newServeCommand(), newWorkerCommand())
	return cmd
}

// setup loads the configuration and the logger shared by both commands
func setup() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.EnableJSON,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

func bootFailure(err error) error {
	return &exitError{code: worker.ExitBootFailure, err: err}
}
