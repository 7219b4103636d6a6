package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	grpcsvc "github.com/erg0nix/ctxbudget/internal/grpc"
	"github.com/erg0nix/ctxbudget/internal/ledger"
)

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the eviction cutoff, calibration, or both",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			scope, _ := cmd.Flags().GetString("scope")

			if _, ok := ledger.ParseScope(scope); !ok {
				return fmt.Errorf("unknown scope %q (want cutoff, calibration or all)", scope)
			}

			out := cmd.OutOrStdout()
			client, err := a.dial(cmd.Context(), out)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()

			ack, err := client.Reset(ctx, &grpcsvc.ResetRequest{ConversationID: a.Conversation, Scope: scope})
			if err != nil {
				return fmt.Errorf("reset: %w", err)
			}

			fmt.Fprintln(out, styleSuccess.Render(ack.Message))
			return nil
		},
	}

	cmd.Flags().String("scope", string(ledger.ScopeAll), "what to reset: cutoff, calibration or all")

	return cmd
}

func newStopSummariesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-summaries",
		Short: "Stop the background summary queue of a conversation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			client, err := a.dial(cmd.Context(), out)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()

			ack, err := client.StopSummaries(ctx, &grpcsvc.StopSummariesRequest{ConversationID: a.Conversation})
			if err != nil {
				return fmt.Errorf("stop summaries: %w", err)
			}

			fmt.Fprintln(out, styleSuccess.Render(ack.Message))
			return nil
		},
	}
}

func newForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget [conversation]",
		Short: "Delete a conversation's ledger, stored history and memory vectors",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			id := a.Conversation
			if len(args) == 1 {
				id = args[0]
			}
			if id == "" {
				return fmt.Errorf("forget: conversation id is required")
			}

			out := cmd.OutOrStdout()
			client, err := a.dial(cmd.Context(), out)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()

			ack, err := client.Forget(ctx, &grpcsvc.ForgetRequest{ConversationID: id})
			if err != nil {
				return fmt.Errorf("forget: %w", err)
			}

			fmt.Fprintln(out, styleSuccess.Render(ack.Message))
			return nil
		},
	}
}
