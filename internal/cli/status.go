package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/erg0nix/ctxbudget/internal/controller"
	grpcsvc "github.com/erg0nix/ctxbudget/internal/grpc"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show budget and calibration state of a conversation",
		RunE:  runStatusCmd,
	}

	cmd.Flags().Int("recent", 5, "number of journal entries to show")
	cmd.Flags().Bool("json", false, "print raw JSON")

	return cmd
}

func runStatusCmd(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	recent, _ := cmd.Flags().GetInt("recent")
	asJSON, _ := cmd.Flags().GetBool("json")

	out := cmd.OutOrStdout()
	client, err := a.dial(cmd.Context(), out)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()

	daemon, err := client.DaemonStatus(ctx)
	if err != nil {
		return fmt.Errorf("daemon status: %w", err)
	}

	if a.Conversation == "" && daemon.ActiveConversation == "" {
		if asJSON {
			return writeJSON(out, map[string]any{"daemon": daemon})
		}
		printDaemon(out, daemon)
		fmt.Fprintln(out, styleDim.Render("no active conversation"))
		return nil
	}

	resp, err := client.Status(ctx, &grpcsvc.StatusRequest{ConversationID: a.Conversation, Recent: recent})
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	if asJSON {
		return writeJSON(out, map[string]any{"daemon": daemon, "conversation": resp.Status})
	}

	printDaemon(out, daemon)
	fmt.Fprintln(out)
	return printStatus(out, resp.Status)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(out io.Writer, st controller.Status) error {
	line := func(label, value string) {
		fmt.Fprintln(out, "  "+styleLabel.Render(fmt.Sprintf("%-12s", label))+" "+value)
	}

	fmt.Fprintln(out, styleLabel.Render("conversation")+" "+styleActive.Render(string(st.ConversationID)))
	line("messages", fmt.Sprintf("%d (cutoff %d)", st.Messages, st.CutoffIndex))
	line("target", fmt.Sprintf("%d of %d", st.TargetTokens, st.MaxContext))
	line("last", fmt.Sprintf("actual %d, estimate %d, error %s", st.LastActualTokens, st.LastEstimate, percent(st.ErrorPercent)))
	line("calibration", renderPhase(st.Phase)+styleDim.Render(fmt.Sprintf(" factor %.3f tolerance %.1f%% stable %d retrains %d deletions %d",
		st.CorrectionFactor, st.Tolerance*100, st.StableCount, st.RetrainCount, st.DeletionCount)))

	memory := fmt.Sprintf("%d tokens", st.MemoryTokens)
	if st.MemoryError != "" {
		memory += " " + styleError.Render(st.MemoryError)
	}
	line("memory", memory)

	summaries := fmt.Sprintf("%s pending %d completed %d", st.Summaries.Status, st.Summaries.Pending, st.Summaries.Completed)
	failed := fmt.Sprintf(" failed %d", st.Summaries.Failed)
	if st.Summaries.Failed > 0 {
		failed = styleWarning.Render(failed)
	}
	line("summaries", summaries+failed)

	if len(st.Recent) == 0 {
		return nil
	}

	t := newTable("TIME", "EVENT", "PHASE", "CUTOFF", "TARGET", "PREDICTED", "ACTUAL", "ERROR", "NOTE")
	for _, e := range st.Recent {
		t.Row(e.Timestamp.Format("15:04:05"),
			e.Event,
			renderPhase(e.Phase),
			strconv.Itoa(e.Cutoff),
			strconv.Itoa(e.TargetTokens),
			strconv.Itoa(e.Predicted),
			strconv.Itoa(e.Actual),
			percent(e.ErrorPercent),
			orDash(e.Note))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, t.Render())
	return nil
}
