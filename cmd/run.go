package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// newRunCmd creates the long-running 'run' subcommand.
func newRunCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Loop the queue and fetch stages and serve the ops API",
		Long: `Runs the queue and fetch stages concurrently, each as a loop of
time-boxed passes, and serves health, metrics and queue statistics
over HTTP. SIGINT or SIGTERM stops the loops and drains the server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			logger := appInstance.Logger()
			if !cmd.Flags().Changed("port") {
				port = appInstance.Config().Server.Port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			if port > 0 {
				srv := &http.Server{
					Addr:              fmt.Sprintf(":%d", port),
					Handler:           appInstance.Server().Handler(),
					ReadHeaderTimeout: 5 * time.Second,
					BaseContext:       func(net.Listener) context.Context { return gctx },
				}
				g.Go(func() error {
					logger.Info("http server started", zap.Int("port", port))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("http server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					logger.Info("shutdown initiated")
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						logger.Error("server shutdown error", zap.Error(err))
					}
					return nil
				})
			}
			g.Go(func() error {
				_, err := appInstance.Runner().RunAll(gctx, appInstance.LoopStages()...)
				if err != nil {
					return err
				}
				// Loops only return cleanly once gctx is done; stop the server too.
				stop()
				return nil
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("run stopped")
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "ops API port; overrides server.port, 0 in config disables the API")
	return cmd
}
