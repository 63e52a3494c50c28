package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wuwenbin0122/copilot/internal/client"
)

var (
	serverURL      string
	token          string
	sessionID      string
	conversationID string
	verbose        bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "copilot",
	Short: "Ask the CoPilot aviation instructor from the terminal",
	Long: `copilot talks to a CoPilot server.

Answers stream as they are written. Follow-up questions stay in the same
conversation until the server says the conversation is no longer yours.

Without --token the CLI is anonymous and limited to the server's daily
question quota; pass --session to keep the same quota across runs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("COPILOT_SERVER", "http://localhost:8080"), "CoPilot server URL (or set COPILOT_SERVER)")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("COPILOT_TOKEN"), "Bearer token of a registered user (or set COPILOT_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", os.Getenv("COPILOT_SESSION"), "Anonymous session id to reuse (or set COPILOT_SESSION)")
	rootCmd.PersistentFlags().StringVarP(&conversationID, "conversation", "c", "", "Continue an existing conversation")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient() (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:        serverURL,
		Token:          token,
		SessionID:      sessionID,
		ConversationID: conversationID,
		Logger:         logger,
	})
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
