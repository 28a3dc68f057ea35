package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/pario/internal/cluster"
	piolog "github.com/dreamware/pario/internal/log"
)

func newHealthCmd(g *globals) *cobra.Command {
	var (
		nodes    []string
		rounds   int
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the HTTP endpoints of running pionode ranks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(nodes) == 0 {
				return fmt.Errorf("--nodes is required")
			}
			logger, err := piolog.New(piolog.Config{Output: g.stderr, Format: g.logFormat, Level: g.verbose})
			if err != nil {
				return err
			}
			monitor := cluster.NewMonitor(interval, logger)
			monitor.SetMaxFailures(1)

			out := cmd.OutOrStdout()
			down := 0
			for round := 0; round < rounds; round++ {
				if round > 0 {
					select {
					case <-time.After(interval):
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					}
				}
				monitor.CheckAll(cmd.Context(), nodes)
				down = 0
				for rank := range nodes {
					h := monitor.Rank(rank)
					if h == nil || h.Status != cluster.StatusHealthy {
						down++
						fmt.Fprintf(out, "rank %d %s unhealthy\n", rank, nodes[rank])
						continue
					}
					fmt.Fprintf(out, "rank %d %s healthy io_task=%t files=%d decomps=%d\n",
						rank, nodes[rank], h.Info.IOTask, h.Info.Files, h.Info.Decomps)
				}
			}
			if down > 0 {
				return fmt.Errorf("%d of %d ranks unhealthy", down, len(nodes))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&nodes, "nodes", nil, "HTTP address of every rank, by rank")
	cmd.Flags().IntVar(&rounds, "rounds", 1, "number of checks")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "pause between checks")
	return cmd
}
