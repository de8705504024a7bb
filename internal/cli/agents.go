package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/voice-agent/internal/config"
	"github.com/ashureev/voice-agent/internal/store"
	"github.com/spf13/cobra"
)

const commandTimeout = 30 * time.Second

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect agents in the configured registry",
	}

	cmd.AddCommand(newAgentsListCmd())
	cmd.AddCommand(newAgentsGetCmd())
	return cmd
}

func newAgentsListCmd() *cobra.Command {
	var userID string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd, func(ctx context.Context, repo store.Repository) error {
				agents, err := repo.ListAgents(ctx, store.ListParams{UserID: userID, Limit: limit})
				if err != nil {
					return fmt.Errorf("list agents: %w", err)
				}
				out := cmd.OutOrStdout()
				if len(agents) == 0 {
					fmt.Fprintln(out, "No agents found.")
					return nil
				}
				for _, a := range agents {
					fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", a.ID, a.CreatedAt.Format(time.RFC3339), a.UserID(), a.Name)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "only list agents owned by this user id")
	cmd.Flags().IntVarP(&limit, "limit", "n", store.DefaultListLimit, "maximum number of agents")
	return cmd
}

func newAgentsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <agent-id>",
		Short: "Print one agent as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd, func(ctx context.Context, repo store.Repository) error {
				agent, err := repo.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(agent)
			})
		},
	}
}

func withRepository(cmd *cobra.Command, fn func(ctx context.Context, repo store.Repository) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	repo, err := openRepository(cfg, newLLMClient(cfg))
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	return fn(ctx, repo)
}
