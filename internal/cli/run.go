package cli

import (
	clts "aviatordash/clients"
	"aviatordash/internal/app"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (s *session) newRunCmd() *cobra.Command {
	var port int
	var noServer bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep a live mirror of the agent and forward its alerts until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("port") {
				s.cfg.StateServer.Port = port
			}
			if noServer {
				s.cfg.StateServer.Enabled = false
			}

			logger := s.logger
			logger.Info("starting dashboard",
				zap.String("commit", app.BuildCommit),
				zap.String("buildTime", app.BuildTime),
			)

			logger.Info("instantiating clients")
			clients := clts.NewClients(logger, s.cfg)
			defer func() {
				if err := clients.Close(); err != nil {
					logger.Warn("failed to close notifiers", zap.Error(err))
				}
			}()

			ctx, stop := signal.NotifyContext(
				cmd.Context(),
				os.Interrupt,
				syscall.SIGINT,
				syscall.SIGTERM,
			)
			defer stop()

			runner := app.NewRunner(clients, s.cfg)
			if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("runner failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "state server port (overrides STATE_SERVER_PORT)")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "do not start the state server")
	return cmd
}
