package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/saiset-co/sai-query/service"
	"github.com/saiset-co/sai-query/types"
)

func newLoginCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "login <token>",
		Short: "Store a session token, encrypted with auth.secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.oneShot(cmd, func(ctx context.Context, svc *service.Service) error {
				tokens := svc.Tokens()
				if tokens == nil {
					return types.Errorf(types.ErrAuthSecretMissing, "login needs storage and auth.secret")
				}
				if err := tokens.Set(ctx, args[0]); err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), "Logged in")
				return nil
			})
		},
	}
}

func newLogoutCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session token and the cached queries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.oneShot(cmd, func(ctx context.Context, svc *service.Service) error {
				if tokens := svc.Tokens(); tokens != nil {
					if err := tokens.Clear(ctx); err != nil {
						return err
					}
				}
				svc.Queries().Clear()

				fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
				return nil
			})
		},
	}
}
