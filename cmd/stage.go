package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newStageCmd builds a subcommand that runs one pass of a stage, or keeps
// passing with --loop until interrupted or the stage runs out of work.
func newStageCmd(stage, use, short string) *cobra.Command {
	var (
		loop      bool
		maxPasses int
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			s, ok := appInstance.Stage(stage)
			if !ok {
				return fmt.Errorf("unknown stage %q", stage)
			}
			logger := appInstance.Logger()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if !loop {
				outcome, err := appInstance.Runner().RunPass(ctx, s, 1)
				if err != nil {
					return fmt.Errorf("%s: %w", stage, err)
				}
				logger.Info("pass finished", zap.String("stage", stage), zap.String("outcome", string(outcome)))
				fmt.Fprintln(cmd.OutOrStdout(), outcome)
				return nil
			}

			s.MaxPasses = maxPasses
			s.StopOnNoWork = true
			summary, err := appInstance.Runner().Run(ctx, s)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", stage, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "passes=%d succeeded=%d no_work=%d failed=%d timed_out=%d\n",
				summary.Passes, summary.Succeeded, summary.NoWork, summary.Failed, summary.TimedOut)
			return nil
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "repeat passes until no work is left")
	cmd.Flags().IntVar(&maxPasses, "max-passes", 0, "stop looping after this many passes (0 = unlimited)")
	return cmd
}
