package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-keyq/v1/queue"
)

func newDemoCommand(opts *options) *cobra.Command {
	var keys, tasks, limit int
	var work time.Duration
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a local queue over a few keys and print every outcome",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			start := time.Now()
			sink := queue.SinkFunc(func(o queue.Outcome) {
				fmt.Fprintf(out, "%8s  %-8s %-6s started=+%-6s took=%s err=%v\n",
					o.Task, o.Key, o.Stage, o.Started.Sub(start).Round(time.Millisecond), o.Duration.Round(time.Millisecond), o.Err)
			})
			q := queue.NewLocal(nil,
				queue.WithConcurrencyLimit(limit),
				queue.WithSink(sink),
				queue.WithLogger(opts.logger),
			)
			for i := 0; i < tasks; i++ {
				key := fmt.Sprintf("team-%d", i%keys)
				name := fmt.Sprintf("task-%d", i)
				if err := q.Enqueue(cmd.Context(), key, demoTask{name: name, work: work}); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			return q.Close(ctx)
		},
	}
	cmd.Flags().IntVar(&keys, "keys", 2, "number of resource keys")
	cmd.Flags().IntVar(&tasks, "tasks", 6, "number of tasks")
	cmd.Flags().IntVar(&limit, "limit", 2, "tasks per batch")
	cmd.Flags().DurationVar(&work, "work", 100*time.Millisecond, "time spent by each task")
	return cmd
}

type demoTask struct {
	name string
	work time.Duration
}

func (t demoTask) TaskName() string    { return t.name }
func (t demoTask) TaskPayload() []byte { return []byte(t.work.String()) }

func (t demoTask) Run(ctx context.Context) error {
	return sleepHandler(ctx, t.TaskPayload())
}
