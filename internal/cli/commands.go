package cli

import (
	"aviatordash/clients/agentapi"
	"aviatordash/internal/state"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func (s *session) newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Pull every record from the agent and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := s.commandContext(cmd)
			defer cancel()

			syncer := s.newSyncer()
			err := syncer.Refresh(ctx)
			snap := syncer.Store().Snapshot()

			if asJSON {
				if perr := printJSON(cmd.OutOrStdout(), snap); perr != nil {
					return perr
				}
			} else {
				writeStatus(cmd.OutOrStdout(), snap)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full snapshot as JSON")
	return cmd
}

func (s *session) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the agent's session statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := s.commandContext(cmd)
			defer cancel()

			syncer := s.newSyncer()
			if err := syncer.Refresh(ctx, state.KindStats); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), syncer.Store().Snapshot().Stats)
		},
	}
}

func (s *session) newBotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Start or stop the agent",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Start the agent",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := s.commandContext(cmd)
				defer cancel()

				ack, err := s.newSyncer().StartBot(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), ack.Message)
				return err
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the agent",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := s.commandContext(cmd)
				defer cancel()

				ack, err := s.newSyncer().StopBot(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), ack.Message)
				return err
			},
		},
	)
	return cmd
}

func (s *session) newBettingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "betting",
		Short: "Start or stop automated betting",
	}

	var req agentapi.BettingRequest
	var strategy string
	var maxLoss, maxWin float64

	start := &cobra.Command{
		Use:   "start",
		Short: "Start betting with a strategy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := s.commandContext(cmd)
			defer cancel()

			req.Strategy = agentapi.StrategyType(strings.ToLower(strategy))
			if cmd.Flags().Changed("max-loss") {
				req.MaxLoss = &maxLoss
			}
			if cmd.Flags().Changed("max-win") {
				req.MaxWin = &maxWin
			}

			syncer := s.newSyncer()
			// Preconditions are checked against the agent's current state.
			if err := syncer.Refresh(ctx, state.KindAgentState); err != nil {
				return err
			}
			strat, err := syncer.StartBetting(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), strat)
		},
	}
	start.Flags().Float64Var(&req.Amount, "amount", 0, "stake per bet")
	start.Flags().StringVar(&strategy, "strategy", string(agentapi.StrategyModerate), "conservative, moderate, aggressive or custom")
	start.Flags().Float64Var(&req.AutoCashout, "cashout", 2.0, "auto cash-out multiplier")
	start.Flags().Float64Var(&maxLoss, "max-loss", 0, "stop after losing this much")
	start.Flags().Float64Var(&maxWin, "max-win", 0, "stop after winning this much")
	_ = start.MarkFlagRequired("amount")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop betting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := s.commandContext(cmd)
			defer cancel()

			syncer := s.newSyncer()
			if err := syncer.Refresh(ctx, state.KindAgentState); err != nil {
				return err
			}
			ack, err := syncer.StopBetting(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), ack.Message)
			return err
		},
	}

	cmd.AddCommand(start, stop)
	return cmd
}

func (s *session) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or update the agent's behavior configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Print the agent configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := s.commandContext(cmd)
				defer cancel()

				syncer := s.newSyncer()
				if err := syncer.Refresh(ctx, state.KindConfig); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), syncer.Store().Snapshot().Config)
			},
		},
		&cobra.Command{
			Use:     "set key=value...",
			Short:   "Update configuration fields",
			Example: "  aviatordash config set wait_timeout=45 headless=true",
			Args:    cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				patch, err := parseConfigPatch(args)
				if err != nil {
					return err
				}

				ctx, cancel := s.commandContext(cmd)
				defer cancel()

				cfg, err := s.newSyncer().UpdateConfig(ctx, patch)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), cfg)
			},
		},
	)
	return cmd
}

func (s *session) newElementsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "elements",
		Short: "Read or update the agent's page element locators",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Print the element locators",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := s.commandContext(cmd)
				defer cancel()

				syncer := s.newSyncer()
				if err := syncer.Refresh(ctx, state.KindElements); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), syncer.Store().Snapshot().Elements)
			},
		},
		&cobra.Command{
			Use:     "set name=locator...",
			Short:   "Update element locators",
			Example: "  aviatordash elements set bet_button=\"//button[@data-testid='bet']\"",
			Args:    cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				patch, err := parseElementPatch(args)
				if err != nil {
					return err
				}

				ctx, cancel := s.commandContext(cmd)
				defer cancel()

				elements, err := s.newSyncer().UpdateElements(ctx, patch)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), elements)
			},
		},
	)
	return cmd
}

func (s *session) newCredentialsCmd() *cobra.Command {
	var creds agentapi.Credentials

	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Set the casino login credentials used by the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if creds.Password == "" {
				creds.Password = os.Getenv("AGENT_PASSWORD")
			}
			if creds.Username == "" || creds.Password == "" {
				return errors.New("username and password are required (password may come from AGENT_PASSWORD)")
			}

			ctx, cancel := s.commandContext(cmd)
			defer cancel()

			ack, err := s.newSyncer().SetCredentials(ctx, creds)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), ack.Message)
			return err
		},
	}

	cmd.Flags().StringVar(&creds.Username, "username", "", "login username")
	cmd.Flags().StringVar(&creds.Password, "password", "", "login password")
	return cmd
}

func (s *session) newLogsCmd() *cobra.Command {
	var lines int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the agent's recent log lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := s.commandContext(cmd)
			defer cancel()

			logLines, err := s.newSyncer().Logs(ctx, lines)
			if err != nil {
				return err
			}
			for _, line := range logLines {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), line); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 100, "number of lines")
	return cmd
}

func (s *session) newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the agent is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := s.commandContext(cmd)
			defer cancel()

			h, err := s.newSyncer().Health(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		},
	}
}

// parseConfigPatch turns key=value pairs into a ConfigPatch. Values are
// read as JSON when they parse, otherwise as strings.
func parseConfigPatch(args []string) (agentapi.ConfigPatch, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return agentapi.ConfigPatch{}, fmt.Errorf("expected key=value, got %q", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		fields[key] = v
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return agentapi.ConfigPatch{}, fmt.Errorf("encode patch: %w", err)
	}

	var patch agentapi.ConfigPatch
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		return agentapi.ConfigPatch{}, fmt.Errorf("invalid config patch: %w", err)
	}
	return patch, nil
}

func parseElementPatch(args []string) (agentapi.ElementMap, error) {
	patch := make(agentapi.ElementMap, len(args))
	for _, arg := range args {
		name, locator, ok := strings.Cut(arg, "=")
		if !ok || name == "" || locator == "" {
			return nil, fmt.Errorf("expected name=locator, got %q", arg)
		}
		patch[name] = locator
	}
	return patch, nil
}

func writeStatus(w io.Writer, snap state.Snapshot) {
	agent := snap.Agent
	fmt.Fprintf(w, "Agent:     %s\n", agent.RunState)
	if agent.Balance != nil {
		fmt.Fprintf(w, "Balance:   %.2f\n", *agent.Balance)
	}
	if agent.LastSignal != nil {
		fmt.Fprintf(w, "Last:      %.2fx\n", *agent.LastSignal)
	}
	if snap.Strategy != nil {
		if snap.Strategy.Inferred {
			fmt.Fprintln(w, "Strategy:  unknown (inferred)")
		} else {
			fmt.Fprintf(w, "Strategy:  %s, %.2f @ %.2fx\n",
				snap.Strategy.StrategyType, snap.Strategy.Amount, snap.Strategy.AutoCashout)
		}
	}
	if agent.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:     %s\n", agent.ErrorMessage)
	}

	st := snap.Stats
	fmt.Fprintf(w, "Session:   %d rounds, %d bets, %.1f%% won (%d-%d), profit %+.2f, ROI %.1f%%\n",
		st.RoundsObserved, st.BetsPlaced, st.WinRate()*100, st.Wins, st.Losses, st.TotalProfit, st.ROI()*100)

	if len(agent.RecentResults) > 0 {
		results := make([]string, 0, len(agent.RecentResults))
		for _, r := range agent.RecentResults {
			results = append(results, fmt.Sprintf("%.2fx", r))
		}
		fmt.Fprintf(w, "Recent:    %s\n", strings.Join(results, " "))
	}

	for kind, msg := range snap.PullErrors {
		fmt.Fprintf(w, "Failed:    %s: %s\n", kind, msg)
	}
}
