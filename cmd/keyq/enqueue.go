package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-keyq/v1/presets"
)

func newEnqueueCommand(opts *options) *cobra.Command {
	var key, task, payload string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a task for a resource key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := builtinRegistry(opts.logger)
			if _, ok := reg.Lookup(task); !ok {
				return fmt.Errorf("unknown task %q, known: %v", task, reg.Names())
			}
			stack, err := presets.New(opts.cfg, reg, opts.logger)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if stack.Jobs != nil {
				id, err := stack.Jobs.Submit(ctx, key, reg.Task(task, []byte(payload)))
				if err == nil {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return errors.Join(err, stack.Close(ctx))
			}
			// in-memory: run it here and wait for the drain
			err = stack.Queue.Enqueue(ctx, key, reg.Task(task, []byte(payload)))
			closeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			return errors.Join(err, stack.Close(closeCtx))
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "resource key")
	cmd.Flags().StringVar(&task, "task", "log", "registered task name")
	cmd.Flags().StringVar(&payload, "payload", "", "task payload")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
