// Command tickbridge-sim runs a simulated server, in which players send each
// other teleport requests that must be confirmed in chat, exercising the
// tick bridge end to end.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeycumines/go-tickbridge/config"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	ticks      int
	players    int
	seed       uint64
	realtime   bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, `tickbridge-sim:`, err)
		os.Exit(1)
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   `tickbridge-sim`,
		Short: `Simulate teleport requests between players`,
		Long: `Boots an in-process server, then simulates players joining, leaving,
and sending each other teleport requests, which are accepted or denied in
chat, or time out. A summary of request outcomes is printed on exit.

By default, ticks are stepped as fast as possible, using a simulated clock.

Example:
  tickbridge-sim --ticks 6000 --players 8
  tickbridge-sim --config tickbridge.yaml --realtime`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if opts.configPath != `` {
				var err error
				if cfg, err = config.Load(opts.configPath); err != nil {
					return err
				}
			}
			if opts.ticks <= 0 {
				return fmt.Errorf(`invalid ticks: %d`, opts.ticks)
			}
			if opts.players < 2 {
				return fmt.Errorf(`invalid players: %d: need at least 2`, opts.players)
			}
			logger, err := cfg.NewLogger(stderr)
			if err != nil {
				return err
			}
			s, err := newSim(cfg, logger, opts)
			if err != nil {
				return err
			}
			summary, err := s.run(cmd.Context())
			if err != nil {
				return err
			}
			return summary.write(stdout)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, `config`, `c`, ``, `path to a YAML config file`)
	cmd.Flags().IntVarP(&opts.ticks, `ticks`, `n`, 1200, `number of ticks to run`)
	cmd.Flags().IntVar(&opts.players, `players`, 6, `number of simulated players`)
	cmd.Flags().Uint64Var(&opts.seed, `seed`, 1, `random seed`)
	cmd.Flags().BoolVar(&opts.realtime, `realtime`, false, `tick at the configured rate, instead of stepping`)

	return cmd
}
