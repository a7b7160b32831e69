package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/supervisor"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/worker"
)

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run one worker process, spawned by serve",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return bootFailure(err)
			}

			slot, err := supervisor.SlotFromEnv()
			if err != nil {
				return bootFailure(err)
			}
			listener, err := supervisor.InheritedListener()
			if err != nil {
				return bootFailure(err)
			}

			w := worker.New(cfg, log, worker.Options{
				Index:      slot.Index,
				Generation: slot.Generation,
				Listener:   listener,
			})
			if err := w.Run(cmd.Context()); err != nil {
				var bootErr *worker.BootError
				if errors.As(err, &bootErr) {
					return bootFailure(err)
				}
				return err
			}
			return nil
		},
	}
}
