package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/encodeous/dockmesh/core"
	"github.com/encodeous/dockmesh/sim"
	"github.com/spf13/cobra"
)

var simCmd = &cobra.Command{
	Use:   "sim <topology.yaml>",
	Short: "Simulates a fleet of modules in memory",
	Long: `Runs every module of the topology in this process over virtual cables, waits until the routing
tables converge and prints them. --cut pulls cables after convergence and waits again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topo, err := sim.LoadTopology(args[0])
		if err != nil {
			return err
		}
		logger, err := core.NewLogger("sim", logLevel(cmd), "")
		if err != nil {
			return err
		}
		h, err := topo.Build(logger)
		if err != nil {
			return err
		}
		if _, err := h.Start(); err != nil {
			return err
		}
		defer h.Stop()

		if ok, _ := cmd.Flags().GetBool("trace"); ok {
			for _, id := range h.Nodes() {
				events, err := h.Subscribe(id)
				if err != nil {
					return err
				}
				go func() {
					for ev := range events {
						fmt.Println(ev)
					}
				}()
			}
		}

		timeout, _ := cmd.Flags().GetDuration("timeout")
		if err := converge(cmd.Context(), h, timeout); err != nil {
			return err
		}

		cuts, _ := cmd.Flags().GetStringSlice("cut")
		if len(cuts) == 0 {
			return nil
		}
		for _, ep := range cuts {
			if err := h.Disconnect(ep); err != nil {
				return err
			}
			fmt.Printf("cut %s\n", ep)
		}
		return converge(cmd.Context(), h, timeout)
	},
	GroupID: "tools",
}

func converge(ctx context.Context, h *sim.Harness, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	if err := h.WaitConverged(ctx); err != nil {
		return err
	}
	fmt.Printf("converged after %s\n", time.Since(start).Truncate(time.Millisecond))
	for _, id := range h.Nodes() {
		snap, err := h.Snapshot(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "\n[%s]\n%s", id, snap.Table)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(simCmd)
	simCmd.Flags().StringSlice("cut", nil, "connectors (node:itf) to unplug once converged")
	simCmd.Flags().BoolP("trace", "t", false, "print route and link changes as they happen")
	simCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	simCmd.Flags().Duration("timeout", 30*time.Second, "give up waiting for convergence after this long")
}
