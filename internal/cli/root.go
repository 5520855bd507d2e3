package cli

import (
	"aviatordash/clients/agentapi"
	"aviatordash/clients/agentevents"
	"aviatordash/config"
	"aviatordash/internal/app"
	"aviatordash/internal/logging"
	"aviatordash/internal/state"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// session is the per-invocation environment shared by every subcommand.
type session struct {
	cfg    *config.Config
	logger *zap.Logger

	apiURL    string
	wsURL     string
	logLevel  string
	logFormat string
	timeout   time.Duration
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCmd builds a fresh command tree.
func NewRootCmd() *cobra.Command {
	s := &session{}

	root := &cobra.Command{
		Use:          "aviatordash",
		Short:        "Control and monitor a remote Aviator betting agent",
		Version:      app.BuildCommit,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return s.init(cmd)
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if s.logger != nil {
				_ = s.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&s.apiURL, "api-url", "", "agent control API base URL (overrides AGENT_API_URL)")
	flags.StringVar(&s.wsURL, "ws-url", "", "agent event stream URL (overrides AGENT_WS_URL)")
	flags.StringVar(&s.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flags.StringVar(&s.logFormat, "log-format", "", "log format, json or console (overrides LOG_FORMAT)")
	flags.DurationVar(&s.timeout, "timeout", 15*time.Second, "deadline for one-shot commands")

	root.AddCommand(
		s.newRunCmd(),
		s.newStatusCmd(),
		s.newStatsCmd(),
		s.newBotCmd(),
		s.newBettingCmd(),
		s.newConfigCmd(),
		s.newElementsCmd(),
		s.newCredentialsCmd(),
		s.newLogsCmd(),
		s.newHealthCmd(),
	)
	return root
}

func (s *session) init(cmd *cobra.Command) error {
	cfg := config.Load()
	if s.apiURL != "" {
		cfg.Agent.APIURL = strings.TrimRight(s.apiURL, "/")
	}
	if s.wsURL != "" {
		cfg.Agent.EventsURL = s.wsURL
	}
	if s.logLevel != "" {
		cfg.Logging.Level = strings.ToLower(s.logLevel)
	}
	if s.logFormat != "" {
		cfg.Logging.Format = strings.ToLower(s.logFormat)
	}

	if err := cfg.Validate().Err(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	s.cfg = cfg
	s.logger = logging.New(cfg.Logging).Named("aviatordash")
	s.logger.Debug("configuration loaded",
		zap.String("command", cmd.CommandPath()),
		zap.String("apiURL", cfg.Agent.APIURL),
	)
	return nil
}

// newSyncer builds a Syncer for one-shot commands. The event channel is
// never connected; commands and pulls go over the control API only.
func (s *session) newSyncer() *app.Syncer {
	store := state.NewStore(s.logger.Named("store"), s.cfg.Sync.MaxRecentResults)
	return app.NewSyncer(
		s.logger.Named("syncer"),
		s.cfg,
		agentapi.NewAgentApiClient(s.logger.Named("agentapi"), s.cfg),
		agentevents.NewAgentEventsClient(s.logger.Named("agentevents"), s.cfg),
		store,
	)
}

func (s *session) commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), s.timeout)
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
