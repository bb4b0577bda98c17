package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/resolvr/internal/adapters/http/api"
	service "github.com/okian/resolvr/internal/app"
	"github.com/okian/resolvr/internal/domain/model"
	"github.com/okian/resolvr/internal/domain/types"
)

func (c *cli) adjudicationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "adjudication",
		Aliases: []string{"adj"},
		Short:   "Review bounty adjudication requests",
	}

	var state string
	list := &cobra.Command{
		Use:   "list",
		Short: "List adjudication requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter *types.AdjudicationState
			if state != "" {
				st, err := types.ParseAdjudicationState(state)
				if err != nil {
					return err
				}
				filter = &st
			}
			return c.withService(cmd.Context(), func(svc *service.Service) error {
				l, err := svc.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), l)
			})
		},
	}
	list.Flags().StringVar(&state, "state", "", "only list requests in this state (in_review, approved, denied)")

	var title, description string
	submit := &cobra.Command{
		Use:   "submit <event-id>",
		Short: "Submit a bounty for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl := model.BountyTemplate{EventID: args[0], Title: title, Description: description}
			return c.decide(cmd, func(svc *service.Service) (model.AdjudicationStatus, error) {
				return svc.Submit(cmd.Context(), tmpl)
			})
		},
	}
	submit.Flags().StringVar(&title, "title", "", "bounty title")
	submit.Flags().StringVar(&description, "description", "", "bounty description")

	cmd.AddCommand(
		list,
		submit,
		c.adjudicationIDCmd("status", "Print a request's status", (*service.Service).Status),
		c.adjudicationIDCmd("approve", "Approve a request and announce its event", (*service.Service).Approve),
		c.adjudicationIDCmd("deny", "Deny a request", (*service.Service).Deny),
	)
	return cmd
}

type adjudicationOp func(*service.Service, context.Context, string) (model.AdjudicationStatus, error)

func (c *cli) adjudicationIDCmd(use, short string, op adjudicationOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <event-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.decide(cmd, func(svc *service.Service) (model.AdjudicationStatus, error) {
				return op(svc, cmd.Context(), args[0])
			})
		},
	}
}

func (c *cli) decide(cmd *cobra.Command, fn func(*service.Service) (model.AdjudicationStatus, error)) error {
	return c.withService(cmd.Context(), func(svc *service.Service) error {
		st, err := fn(svc)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	})
}

// tokenCmd mints an admin bearer token from the configured secret.
func (c *cli) tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.AdminJWTSecret == "" {
				return errors.New("admin_jwt_secret is not configured")
			}
			tok, err := api.IssueAdminToken([]byte(c.cfg.AdminJWTSecret), subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
