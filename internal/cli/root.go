// Package cli implements the server command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/ashureev/voice-agent/internal/assistant"
	"github.com/ashureev/voice-agent/internal/config"
	"github.com/ashureev/voice-agent/internal/llm"
	"github.com/ashureev/voice-agent/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:           "voice-agent",
		Short:         "Voice-to-agent onboarding and chat service",
		Long:          "Interviews a business owner, builds a sales agent from the answers, and serves text and voice chat against it.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loadEnv(envFile)
		},
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAgentsCmd())
	cmd.AddCommand(newCheckCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "voice-agent %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// Execute runs the command tree and returns the process exit code.
func Execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

func loadEnv(path string) {
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil {
		slog.Info("No .env file found, using environment variables", "path", path)
	}
}

func newLLMClient(cfg *config.Config) *llm.Client {
	return llm.New(llm.Config{
		Endpoint:   cfg.OpenAI.Endpoint,
		APIKey:     cfg.OpenAI.APIKey,
		APIVersion: cfg.OpenAI.APIVersion,
		Deployment: cfg.OpenAI.Deployment,
	})
}

// openRepository selects the agent registry backend.
func openRepository(cfg *config.Config, client *llm.Client) (store.Repository, error) {
	switch cfg.AgentBackend {
	case config.BackendSQLite:
		repo, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open agent database: %w", err)
		}
		return repo, nil
	default:
		return assistant.NewRegistry(client), nil
	}
}
