// Package main provides the CLI entry point for Amity, a persona-driven
// conversational agent with durable turn checkpoints, human approval for
// sensitive tools, and long-term vector memory.
//
// # Basic Usage
//
// Start an interactive chat:
//
//	amity chat
//
// With a custom configuration:
//
//	amity chat --config amity.yaml
//
// # Environment Variables
//
//   - OPENAI_API_KEY: OpenAI API key (generation and embeddings)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - SLACK_BOT_TOKEN: Slack bot OAuth token for the Slack tools
//   - DISCORD_BOT_TOKEN: Discord bot token for the Discord tools
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "amity",
		Short:         "Persona-driven conversational agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildChatCmd())
	root.AddCommand(buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("amity", Version)
		},
	}
}
