package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/erg0nix/ctxbudget/internal/config"
	"github.com/erg0nix/ctxbudget/internal/controller"
	"github.com/erg0nix/ctxbudget/internal/core"
	"github.com/erg0nix/ctxbudget/internal/ledger"
	"github.com/erg0nix/ctxbudget/internal/tokens"
)

type simOptions struct {
	Turns            int
	TokensPerMessage int
	SystemTokens     int
	Bias             float64
	Summaries        bool
}

type simRow struct {
	Turn      int
	Messages  int
	Cutoff    int
	Predicted int
	Actual    int
	Factor    float64
	Phase     ledger.Phase
	Target    int
	Summaries int
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the controller offline against a synthetic conversation",
		Long: "simulate drives an in-process controller through a synthetic chat with a\n" +
			"tokenizer that over-counts by --bias, printing one row per generation.",
		RunE: runSimulateCmd,
	}

	cmd.Flags().Int("turns", 60, "number of user/assistant turns")
	cmd.Flags().Int("tokens-per-message", 120, "approximate size of each message")
	cmd.Flags().Int("system-tokens", 200, "tokens the host adds outside the chat")
	cmd.Flags().Float64("bias", 0.1, "how much the real tokenizer exceeds the estimate")
	cmd.Flags().Int("target", 0, "target prompt size (overrides config)")
	cmd.Flags().Int("context-size", 0, "model context size (overrides config)")
	cmd.Flags().Int("batch", 0, "eviction batch size (overrides config)")
	cmd.Flags().Bool("summaries", true, "summarize evicted messages with a stub model")

	return cmd
}

func runSimulateCmd(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	opts := simOptions{}
	opts.Turns, _ = cmd.Flags().GetInt("turns")
	opts.TokensPerMessage, _ = cmd.Flags().GetInt("tokens-per-message")
	opts.SystemTokens, _ = cmd.Flags().GetInt("system-tokens")
	opts.Bias, _ = cmd.Flags().GetFloat64("bias")
	opts.Summaries, _ = cmd.Flags().GetBool("summaries")

	if target, _ := cmd.Flags().GetInt("target"); target > 0 {
		cfg.Budget.TargetTokens = target
	}
	if size, _ := cmd.Flags().GetInt("context-size"); size > 0 {
		cfg.ContextSize = size
	}
	if batch, _ := cmd.Flags().GetInt("batch"); batch > 0 {
		cfg.Budget.BatchSize = batch
	}

	rows, err := simulate(cmd.Context(), cfg, opts, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	return printSimulation(cmd.OutOrStdout(), rows)
}

type fixedContext int

func (f fixedContext) ContextSize(context.Context) int { return int(f) }

// stubSummarizer stands in for the model and returns a fixed-length recap.
type stubSummarizer struct{}

func (stubSummarizer) Generate(_ context.Context, _ string, prefill string) (string, error) {
	return prefill + "An earlier turn in brief.", nil
}

func simulate(ctx context.Context, cfg config.Config, opts simOptions, logger *slog.Logger) ([]simRow, error) {
	if opts.Turns <= 0 || opts.TokensPerMessage <= 0 {
		return nil, fmt.Errorf("turns and tokens-per-message must be positive")
	}

	cfg.Memory.Enabled = false
	if cfg.ContextSize <= 0 {
		cfg.ContextSize = cfg.Budget.TargetTokens * 2
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	counter := tokens.CounterFunc(func(text string) (int, error) { return tokens.Heuristic(text), nil })
	deps := controller.Dependencies{
		Tokens: tokens.NewEstimator(counter, cfg.Budget.RoleOverheadTokens, logger),
		Sizer:  fixedContext(cfg.ContextSize),
	}
	if opts.Summaries {
		deps.Generator = stubSummarizer{}
	}

	ctrl := controller.New(cfg, deps, logger)
	defer ctrl.Close()

	id := core.NewConversationID()

	if err := ctrl.OnConversationChanged(ctx, id, []core.Message{}); err != nil {
		return nil, err
	}

	rows := make([]simRow, 0, opts.Turns)
	for turn := 1; turn <= opts.Turns; turn++ {
		if _, err := ctrl.AppendMessage(id, core.Message{
			Role:    core.RoleUser,
			Content: syntheticText("question", turn, opts.TokensPerMessage),
		}); err != nil {
			return nil, err
		}

		plan, err := ctrl.OnGenerationStart(ctx, id)
		if err != nil {
			return nil, err
		}

		b := plan.Breakdown
		actual := int(float64(b.RawChatTokens+b.SummaryTokens)*(1+opts.Bias)) + opts.SystemTokens

		result, err := ctrl.OnGenerationComplete(ctx, id, controller.Completion{ActualTokens: actual})
		if err != nil {
			return nil, err
		}

		if err := ctrl.WaitSummaries(ctx, id); err != nil {
			return nil, err
		}

		if _, err := ctrl.AppendMessage(id, core.Message{
			Role:    core.RoleAssistant,
			Content: syntheticText("answer", turn, opts.TokensPerMessage),
		}); err != nil {
			return nil, err
		}

		rows = append(rows, simRow{
			Turn:      turn,
			Messages:  len(plan.Excluded),
			Cutoff:    plan.Decision.Cutoff,
			Predicted: b.Total,
			Actual:    actual,
			Factor:    result.Factor,
			Phase:     result.To,
			Target:    result.Target,
			Summaries: b.Summaries,
		})
	}

	return rows, nil
}

// syntheticText builds a message of roughly n heuristic tokens.
func syntheticText(kind string, turn, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d.", kind, turn)
	for b.Len() < n*4 {
		b.WriteString(" lorem ipsum")
	}
	return b.String()
}

func printSimulation(out io.Writer, rows []simRow) error {
	t := newTable("TURN", "MSGS", "CUTOFF", "SUMMARIES", "PREDICTED", "ACTUAL", "FACTOR", "PHASE", "TARGET")
	for _, r := range rows {
		predicted := strconv.Itoa(r.Predicted)
		if r.Predicted > r.Target {
			predicted = styleWarning.Render(predicted)
		}
		t.Row(strconv.Itoa(r.Turn),
			strconv.Itoa(r.Messages),
			strconv.Itoa(r.Cutoff),
			strconv.Itoa(r.Summaries),
			predicted,
			strconv.Itoa(r.Actual),
			fmt.Sprintf("%.3f", r.Factor),
			renderPhase(r.Phase),
			strconv.Itoa(r.Target))
	}

	_, err := fmt.Fprintln(out, t.Render())
	return err
}
