package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-keyq/v1/queue"
)

func newBenchCommand(opts *options) *cobra.Command {
	var concurrency, requests, keys, limit int
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure local queue throughput",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := opts.logger
			log.Info().Int("requests", requests).Int("concurrency", concurrency).Int("keys", keys).Msg("starting benchmark")

			var ops, failures atomic.Int64
			sink := queue.SinkFunc(func(o queue.Outcome) {
				if o.Err != nil {
					failures.Add(1)
				}
				ops.Add(1)
			})
			q := queue.NewLocal(nil, queue.WithConcurrencyLimit(limit), queue.WithSink(sink))
			task := queue.TaskFunc(func(context.Context) error { return nil })

			var wg sync.WaitGroup
			start := time.Now()
			perClient := requests / concurrency
			for i := 0; i < concurrency; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < perClient; j++ {
						key := fmt.Sprintf("bench-%d", (i*perClient+j)%keys)
						if err := q.Enqueue(cmd.Context(), key, task); err != nil {
							failures.Add(1)
						}
					}
				}()
			}
			wg.Wait()
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := q.Close(ctx); err != nil {
				return err
			}
			elapsed := time.Since(start)

			n := ops.Load()
			if n == 0 {
				return fmt.Errorf("no task completed")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Finished in %v\nThroughput: %.2f tasks/s\nAvg Latency: %.2f ns\n",
				elapsed, float64(n)/elapsed.Seconds(), elapsed.Seconds()/float64(n)*1e9)
			if f := failures.Load(); f > 0 {
				log.Warn().Int64("failures", f).Msg("benchmark had failures")
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 50, "number of concurrent producers")
	cmd.Flags().IntVarP(&requests, "requests", "n", 100000, "total number of tasks")
	cmd.Flags().IntVarP(&keys, "keys", "k", 100, "number of distinct resource keys")
	cmd.Flags().IntVar(&limit, "limit", queue.DefaultConcurrencyLimit, "tasks per batch")
	return cmd
}
