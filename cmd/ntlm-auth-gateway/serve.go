package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/supervisor"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the master process and its worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			mainLog := log.WithComponent("main")
			mainLog.Info("Starting NTLM auth gateway", "pid", os.Getpid(), "accounts", len(cfg.Accounts.MachineAccounts))

			store, err := storage.NewCoordinationStore(ctx, cfg, log)
			if err != nil {
				mainLog.Error("Failed to connect to coordination store", "error", err.Error())
				return err
			}
			defer func() {
				if err := store.Close(context.Background()); err != nil {
					mainLog.Warn("Failed to close coordination store", "error", err.Error())
				}
			}()

			if _, err := supervisor.Cleanup(ctx, store, log); err != nil {
				mainLog.Error("Startup cleanup failed", "error", err.Error())
				return err
			}

			addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
			listener, file, err := supervisor.Listen(addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", addr, err)
			}
			defer listener.Close()
			defer file.Close()

			executable, err := os.Executable()
			if err != nil {
				return fmt.Errorf("failed to locate executable: %w", err)
			}
			spawner := &supervisor.ExecSpawner{
				Path:     executable,
				Args:     []string{"worker"},
				Listener: file,
			}

			mainLog.Info("Listening", "addr", listener.Addr().String())
			master := supervisor.NewMaster(cfg, log, spawner, uuid.New().String())
			return master.Run(ctx)
		},
	}
}
