package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	service "github.com/okian/resolvr/internal/app"
	"github.com/okian/resolvr/internal/domain/dlc"
	"github.com/okian/resolvr/internal/oracle"
)

func (c *cli) pubkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey",
		Short: "Print the oracle public key, creating the keypair on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withService(cmd.Context(), func(svc *service.Service) error {
				pub, err := svc.PublicKey(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(pub))
				return err
			})
		},
	}
}

func (c *cli) announceCmd() *cobra.Command {
	var (
		outcomes  []string
		maturity  string
		base      uint16
		digits    uint16
		unit      string
		precision int32
	)
	cmd := &cobra.Command{
		Use:   "announce",
		Short: "Announce a new event and print its announcement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mat := time.Now().UTC()
			if maturity != "" {
				t, err := time.Parse(time.RFC3339, maturity)
				if err != nil {
					return fmt.Errorf("--maturity: %w", err)
				}
				mat = t
			}
			var desc dlc.EventDescriptor
			switch {
			case digits > 0 && len(outcomes) > 0:
				return errors.New("--outcomes and --digits are exclusive")
			case digits > 0:
				desc = dlc.NewDigitDescriptor(base, digits, unit, precision)
			case len(outcomes) > 0:
				desc = dlc.NewEnumDescriptor(outcomes...)
			default:
				desc = dlc.NewEnumDescriptor(dlc.BountyOutcomes()...)
			}
			return c.withService(cmd.Context(), func(svc *service.Service) error {
				ann, err := svc.CreateAnnouncement(cmd.Context(), desc, mat)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ann)
			})
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&outcomes, "outcomes", nil, "enum outcomes (default BOUNTY_COMPLETE,BOUNTY_INSUFFICIENT)")
	f.StringVar(&maturity, "maturity", "", "maturity as RFC3339 (default now)")
	f.Uint16Var(&base, "base", 10, "digit decomposition base")
	f.Uint16Var(&digits, "digits", 0, "number of digits; selects a digit decomposition event")
	f.StringVar(&unit, "unit", "", "digit decomposition unit")
	f.Int32Var(&precision, "precision", 0, "digit decomposition precision")
	return cmd
}

func (c *cli) attestCmd() *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "attest <event-id> [outcome...]",
		Short: "Attest an event's outcomes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, outcomes := args[0], args[1:]
			return c.withService(ctx, func(svc *service.Service) error {
				if value != "" {
					if len(outcomes) > 0 {
						return errors.New("outcomes and --value are exclusive")
					}
					v, err := strconv.ParseUint(value, 10, 64)
					if err != nil {
						return fmt.Errorf("--value: %w", err)
					}
					ann, err := svc.Announcement(ctx, id)
					if err != nil {
						return err
					}
					if outcomes, err = ann.Event.Descriptor.DecomposeValue(v); err != nil {
						return err
					}
				}
				att, res, err := svc.Attest(ctx, id, outcomes)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"status": res.String(), "attestation": att})
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "value to decompose for a digit decomposition event")
	return cmd
}

// showCmd prints an event's announcement and, once committed, its
// attestation.
func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <event-id>",
		Short: "Print an event's announcement and attestation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withService(ctx, func(svc *service.Service) error {
				ann, err := svc.Announcement(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"announcement": ann}
				att, err := svc.Attestation(ctx, args[0])
				switch {
				case err == nil:
					out["attestation"] = att
				case errors.Is(err, oracle.ErrNotYetAttested):
				default:
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}
