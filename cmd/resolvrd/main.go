// Command resolvrd runs the oracle daemon and its operator commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	service "github.com/okian/resolvr/internal/app"
	"github.com/okian/resolvr/internal/config"
	"github.com/okian/resolvr/pkg/logger"
)

const attestBackoff = 50 * time.Millisecond

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli holds what every subcommand shares once the root pre-run has loaded
// the configuration.
type cli struct {
	cfg *config.Config
	log logger.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "resolvrd",
		Short:         "DLC oracle for bounty outcomes",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return err
			}
			if err := logger.InitWithOptions(logger.Options{
				Level:  cfg.LogLevel,
				Format: cfg.LogFormat,
				Output: cmd.ErrOrStderr(),
			}); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			c.cfg = cfg
			c.log = logger.Get()
			return nil
		},
	}
	root.AddCommand(
		c.serveCmd(),
		c.pubkeyCmd(),
		c.announceCmd(),
		c.attestCmd(),
		c.showCmd(),
		c.adjudicationCmd(),
		c.tokenCmd(),
	)
	return root
}

// serviceOptions maps the configuration onto service options.
func (c *cli) serviceOptions() []service.Option {
	return []service.Option{
		service.WithLogger(c.log),
		service.WithStore(c.cfg.StoreEngine, c.cfg.StorePath),
		service.WithWorkerCount(c.cfg.WorkerCount),
		service.WithQueueSize(c.cfg.QueueSize),
		service.WithDedupeSize(c.cfg.DedupeSize),
		service.WithAttestRetries(c.cfg.AttestMaxRetries, attestBackoff),
		service.WithMaturityEnforcement(c.cfg.EnforceMaturity),
		service.WithAnnouncementCacheSize(c.cfg.AnnouncementCacheSize),
		service.WithDefaultMaturityDelay(c.cfg.DefaultMaturityDelay),
	}
}

// withService starts a service over the configured store, runs fn and stops
// it again. Operator commands open the store directly, so they cannot run
// against a durable store a live daemon holds.
func (c *cli) withService(ctx context.Context, fn func(*service.Service) error) (err error) {
	svc := service.New(append(c.serviceOptions(), service.WithWorkerCount(1))...)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if stopErr := svc.Stop(context.WithoutCancel(ctx)); stopErr != nil && err == nil {
			err = stopErr
		}
	}()
	return fn(svc)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
