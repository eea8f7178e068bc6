package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/saiset-co/sai-query/auth"
	"github.com/saiset-co/sai-query/config"
	"github.com/saiset-co/sai-query/service"
	"github.com/saiset-co/sai-query/utils"
)

type globals struct {
	configPath string
	token      string
	timeout    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "marketctl",
		Short:         "Cached marketplace client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "config.yml", "Configuration file")
	root.PersistentFlags().StringVar(&g.token, "token", "", "Session token, overrides the stored one")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "Timeout for one-shot commands")

	root.AddCommand(
		newServeCmd(g),
		newLoginCmd(g),
		newLogoutCmd(g),
		newJobsCmd(g),
		newApplicationsCmd(g),
		newMessagesCmd(g),
		newReviewsCmd(g),
		newCacheCmd(g),
	)

	return root
}

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the cache with realtime invalidation, scheduled refreshes and the diagnostics server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := service.NewService(cmd.Context(), g.configPath, g.options()...)
			if err != nil {
				return err
			}
			return svc.Run()
		},
	}
}

func (g *globals) options() []service.Option {
	if g.token == "" {
		return nil
	}
	return []service.Option{service.WithTokenSource(auth.StaticToken(g.token))}
}

// oneShot starts a service without its long running surfaces, hands it to
// fn and stops it again. The cache is persisted on the way out when
// persistence is enabled.
func (g *globals) oneShot(cmd *cobra.Command, fn func(ctx context.Context, svc *service.Service) error) error {
	manager, err := config.NewConfigurationManager(cmd.Context(), g.configPath)
	if err != nil {
		return err
	}

	cfg := *manager.GetConfig()
	if cfg.Server != nil {
		server := *cfg.Server
		server.Enabled = false
		cfg.Server = &server
	}
	if cfg.Realtime != nil {
		realtime := *cfg.Realtime
		realtime.Enabled = false
		cfg.Realtime = &realtime
	}

	svc, err := service.New(cmd.Context(), &cfg, g.options()...)
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()

	runErr := fn(ctx, svc)

	if p := svc.Persister(); p != nil {
		if err := p.Flush(); err != nil && runErr == nil {
			runErr = err
		}
	}
	if err := svc.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(w io.Writer, v any) error {
	body, err := utils.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(body))
	return err
}
