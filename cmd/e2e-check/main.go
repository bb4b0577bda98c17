// Command e2e-check drives a running resolvrd through the bounty lifecycle
// and verifies every signature it returns.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/resolvr/internal/adapters/http/api"
	"github.com/okian/resolvr/internal/e2echeck"
	"github.com/okian/resolvr/pkg/logger"
)

const (
	defaultBounties   = 100
	defaultTimeout    = 30 * time.Second
	defaultRunTimeout = 10 * time.Minute
	tokenTTL          = time.Hour
)

func main() {
	if err := newCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	cfg := &e2echeck.Config{}
	var (
		secret  string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:          "e2e-check",
		Short:        "Run bounties through review and attestation against a live oracle",
		Long: "Run bounties through review and attestation against a live oracle.\n\n" +
			"Approved bounties mature default_maturity_delay after approval, so the oracle must run\n" +
			"with RESOLVR_ENFORCE_MATURITY=false or RESOLVR_DEFAULT_MATURITY_DELAY=0s.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := "info"
			if verbose {
				level = "debug"
			}
			if err := logger.InitWithOptions(logger.Options{Level: level, Output: cmd.ErrOrStderr()}); err != nil {
				return err
			}
			if cfg.AdminToken == "" {
				if secret == "" {
					return errors.New("one of --token or --secret is required")
				}
				tok, err := api.IssueAdminToken([]byte(secret), "e2e-check", tokenTTL)
				if err != nil {
					return err
				}
				cfg.AdminToken = tok
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, defaultRunTimeout)
			defer cancel()

			_, err := e2echeck.Run(ctx, cfg, logger.Get())
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.BaseURL, "url", "http://localhost:9080", "base URL of the service")
	f.StringVar(&cfg.AdminToken, "token", "", "admin bearer token")
	f.StringVar(&secret, "secret", os.Getenv("RESOLVR_ADMIN_JWT_SECRET"), "admin JWT secret used to mint a token")
	f.IntVar(&cfg.Bounties, "bounties", defaultBounties, "number of bounties")
	f.IntVar(&cfg.DenyEvery, "deny-every", 5, "deny every n-th bounty (0 approves all)")
	f.IntVar(&cfg.Workers, "workers", runtime.NumCPU()*2, "bounties in flight")
	f.DurationVar(&cfg.Timeout, "timeout", defaultTimeout, "HTTP request timeout")
	f.DurationVar(&cfg.PollEvery, "poll-every", 100*time.Millisecond, "attestation poll interval")
	f.DurationVar(&cfg.PollFor, "poll-for", 30*time.Second, "attestation wait limit")
	f.BoolVar(&verbose, "verbose", false, "debug logging")
	return cmd
}
