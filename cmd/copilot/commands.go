package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wuwenbin0122/copilot/internal/client"
	"github.com/wuwenbin0122/copilot/internal/stream"
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask one question and stream the answer",
	Example: `  copilot ask "What does a VOR indicate?"
  copilot ask -c 3f1c... "And how do I intercept a radial?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation",
	Long: `Read questions from stdin, one per line, and stream each answer.

Ctrl-C stops the answer being written and keeps what was already said.
An empty line or EOF ends the session.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

var loginCmd = &cobra.Command{
	Use:   "login <username-or-email> <password>",
	Short: "Log in and print a token for --token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := c.Login(ctx, args[0], args[1]); err != nil {
			return err
		}
		// the client keeps the token; surface it for the next invocation
		fmt.Fprintln(cmd.OutOrStdout(), c.Token())
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show the remaining anonymous question quota",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		status, err := c.Usage(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if status.Unlimited {
			fmt.Fprintln(out, "unlimited")
			return nil
		}
		fmt.Fprintf(out, "%d of %d questions used, %d left, resets %s\n",
			status.Used, status.Limit, status.Remaining, status.ResetAt.Local().Format(time.RFC1123))
		if c.SessionID() != "" {
			fmt.Fprintf(out, "session: %s\n", c.SessionID())
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [conversation-id]",
	Short: "List conversations, or print one transcript",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(args) == 1 {
			msgs, err := c.Messages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, msg := range msgs {
				fmt.Fprintf(out, "[%s] %s\n\n", msg.Role, msg.Content)
			}
			return nil
		}

		convs, err := c.Refresh(cmd.Context())
		if err != nil {
			return err
		}
		for _, conv := range convs {
			fmt.Fprintf(out, "%s  %s  %s\n", conv.ID, conv.UpdatedAt.Local().Format(time.DateTime), conv.Title)
		}
		return nil
	},
}

func runAsk(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	answer, err := c.Ask(ctx, strings.Join(args, " "), cmd.OutOrStdout())
	return reportAnswer(cmd, c, answer, err)
}

func runChat(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		answer, err := c.Ask(ctx, question, out)
		stop()
		if err := reportAnswer(cmd, c, answer, err); err != nil {
			var apiErr *client.APIError
			if errors.As(err, &apiErr) && apiErr.LimitReached() {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), err)
		}
	}
}

func reportAnswer(cmd *cobra.Command, c *client.Client, answer *client.Answer, err error) error {
	out := cmd.OutOrStdout()
	if answer != nil {
		fmt.Fprintln(out)
		if answer.Outcome == stream.OutcomeCancelled {
			fmt.Fprintln(cmd.ErrOrStderr(), "(answer stopped)")
		}
		if verbose && answer.Done != nil {
			logAnswer(cmd.ErrOrStderr(), answer)
		}
	}
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.LimitReached() {
			return fmt.Errorf("daily question limit reached (%d/%d); sign up at %s for unlimited questions",
				apiErr.Used, apiErr.Limit, apiErr.UpgradeURL)
		}
		return err
	}
	if id := c.ConversationID(); id != "" && verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "conversation: %s\n", id)
	}
	return nil
}

func logAnswer(w io.Writer, answer *client.Answer) {
	done := answer.Done
	fmt.Fprintf(w, "exchange %s: %d steps, conclusion=%t\n",
		answer.ExchangeID, done.Contract.StepCount, done.Contract.ConclusionCount == 1)
	if done.Usage != nil {
		fmt.Fprintf(w, "questions left today: %d\n", done.Usage.Remaining)
	}
}
