package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/voice-agent/internal/config"
	"github.com/ashureev/voice-agent/internal/domain"
	"github.com/ashureev/voice-agent/internal/llm"
	"github.com/ashureev/voice-agent/internal/speech"
	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify connectivity to the configured external services",
		Long:  "Sends a one-token chat completion to the text-generation deployment and reports speech provider status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runCheck(cmd, cfg)
		},
	}
}

func runCheck(cmd *cobra.Command, cfg *config.Config) error {
	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	cosy := speech.NewCosyVoice(cfg.CosyVoice.URL, cfg.CosyVoice.Enabled, cfg.SpeechTimeout)
	switch {
	case !cosy.Enabled():
		fmt.Fprintln(out, "cosyvoice: disabled")
	case cosy.Health(ctx):
		fmt.Fprintf(out, "cosyvoice: ok (%s)\n", cosy.BaseURL())
	default:
		fmt.Fprintf(out, "cosyvoice: unreachable (%s)\n", cosy.BaseURL())
	}

	azure := speech.NewAzure(speech.AzureConfig{Key: cfg.Speech.Key, Region: cfg.Speech.Region, Voice: cfg.Speech.Voice}, cfg.SpeechTimeout)
	if err := azure.Ready(); err != nil {
		fmt.Fprintf(out, "azure speech: %v\n", err)
	} else {
		fmt.Fprintf(out, "azure speech: configured (%s)\n", speech.NormalizeRegion(cfg.Speech.Region))
	}

	client := newLLMClient(cfg)
	start := time.Now()
	reply, err := client.Complete(ctx, []domain.Message{
		{Role: domain.RoleUser, Content: "ping"},
	}, llm.Options{MaxTokens: 5})
	if err != nil {
		fmt.Fprintf(out, "text generation: %v\n", err)
		return fmt.Errorf("text generation check failed: %w", err)
	}
	fmt.Fprintf(out, "text generation: ok (deployment %s, %dms, reply %q)\n",
		client.Deployment(), time.Since(start).Milliseconds(), reply)
	return nil
}
