package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/saiset-co/sai-query/service"
)

func newCacheCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the persisted query cache",
	}

	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Show the restored cache keys and statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.oneShot(cmd, func(_ context.Context, svc *service.Service) error {
				return printJSON(cmd.OutOrStdout(), svc.Report())
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every cached query",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.oneShot(cmd, func(_ context.Context, svc *service.Service) error {
				n := svc.Queries().Clear()
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d queries\n", n)
				return nil
			})
		},
	}

	cmd.AddCommand(inspect, clearCmd)
	return cmd
}
