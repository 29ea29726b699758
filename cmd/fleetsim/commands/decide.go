package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fleetsim/fleetsim/pkg/config"
	"github.com/fleetsim/fleetsim/pkg/protocol"
)

func newDecideCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide <channel> <value>",
		Short: "Answer a pending agent decision",
		Long: `Deliver a decision to a running agent through its decisions file.

The channel is "update" for TESTING-phase outcomes or "invitation" for
fleet invites. The agent picks the file up within a poll tick and removes
it after ingestion. Requires agent.decisions_file to be configured.`,
		Example: `  # Mark the current update attempt as passed
  fleetsim decide update DONE

  # Defer a fleet invitation
  fleetsim decide invitation later`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Agent.DecisionsFile == "" {
				return fmt.Errorf("agent.decisions_file is not configured")
			}

			var channel protocol.DecisionChannel
			switch args[0] {
			case "update":
				channel = protocol.ChannelUpdate
			case "invitation":
				channel = protocol.ChannelInvitation
			default:
				return fmt.Errorf("unknown channel %q (want update or invitation)", args[0])
			}

			return writeDecision(cfg.Agent.DecisionsFile, protocol.UserInputResponse{
				Channel: channel,
				Value:   args[1],
			})
		},
	}

	return cmd
}

// writeDecision writes the decision atomically so the agent's watcher
// never reads a half-written file.
func writeDecision(path string, resp protocol.UserInputResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".decision-*")
	if err != nil {
		return fmt.Errorf("write decision: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write decision: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write decision: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("install decision: %w", err)
	}
	return nil
}
