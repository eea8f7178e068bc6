package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/saiset-co/sai-query/marketplace"
	"github.com/saiset-co/sai-query/service"
)

func newJobsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Browse jobs",
	}

	var filter marketplace.JobFilter
	var status string

	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs matching the filter",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = marketplace.JobStatus(status)
			return g.oneShot(cmd, func(ctx context.Context, svc *service.Service) error {
				jobs, err := svc.API().Jobs(ctx, filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), jobs)
			})
		},
	}
	list.Flags().StringVar(&filter.CategoryID, "category", "", "Category id")
	list.Flags().StringVar(&status, "status", "", "Job status")
	list.Flags().StringVar(&filter.Location, "location", "", "Location")
	list.Flags().IntVar(&filter.Page, "page", 0, "Page number")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.oneShot(cmd, func(ctx context.Context, svc *service.Service) error {
				job, err := svc.API().Job(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}

	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Full text job search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.oneShot(cmd, func(ctx context.Context, svc *service.Service) error {
				jobs, err := svc.API().SearchJobs(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), jobs)
			})
		},
	}

	cmd.AddCommand(list, get, search)
	return cmd
}

func newApplicationsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "applications",
		Short: "Review job applications",
	}

	list := &cobra.Command{
		Use:   "list <job-id>",
		Short: "List the applications of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.oneShot(cmd, func(ctx context.Context, svc *service.Service) error {
				apps, err := svc.API().Applications(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), apps)
			})
		},
	}

	cmd.AddCommand(
		list,
		newDecisionCmd(g, "accept", "Accept an application", (*marketplace.API).AcceptApplication),
		newDecisionCmd(g, "reject", "Reject an application", (*marketplace.API).RejectApplication),
		newDecisionCmd(g, "withdraw", "Withdraw an application", (*marketplace.API).WithdrawApplication),
	)
	return cmd
}

type decision func(*marketplace.API, context.Context, marketplace.DecideInput) (marketplace.Application, error)

func newDecisionCmd(g *globals, use, short string, decide decision) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id> <application-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.oneShot(cmd, func(ctx context.Context, svc *service.Service) error {
				app, err := decide(svc.API(), ctx, marketplace.DecideInput{JobID: args[0], ApplicationID: args[1]})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), app)
			})
		},
	}
}

func newMessagesCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Read and send conversation messages",
	}

	list := &cobra.Command{
		Use:   "list <conversation-id>",
		Short: "List the messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.oneShot(cmd, func(ctx context.Context, svc *service.Service) error {
				messages, err := svc.API().Messages(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), messages)
			})
		},
	}

	var sender string
	send := &cobra.Command{
		Use:   "send <conversation-id> <text>",
		Short: "Send a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.oneShot(cmd, func(ctx context.Context, svc *service.Service) error {
				msg, err := svc.API().SendMessage(ctx, marketplace.SendMessageInput{
					ConversationID: args[0],
					SenderID:       sender,
					Body:           args[1],
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), msg)
			})
		},
	}
	send.Flags().StringVar(&sender, "as", "", "Sender user id")
	_ = send.MarkFlagRequired("as")

	cmd.AddCommand(list, send)
	return cmd
}

func newReviewsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reviews",
		Short: "Worker reviews",
	}

	summary := &cobra.Command{
		Use:   "summary <worker-id>",
		Short: "Average rating and rating distribution of a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.oneShot(cmd, func(ctx context.Context, svc *service.Service) error {
				summary, err := svc.API().ReviewSummary(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			})
		},
	}

	cmd.AddCommand(summary)
	return cmd
}
