package cli

import (
	"bytes"
	"context"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erg0nix/ctxbudget/internal/config"
	"github.com/erg0nix/ctxbudget/internal/controller"
	"github.com/erg0nix/ctxbudget/internal/ledger"
)

func TestClientAddrFromBind(t *testing.T) {
	tests := []struct {
		bind string
		want string
	}{
		{":50061", "127.0.0.1:50061"},
		{"0.0.0.0:50061", "127.0.0.1:50061"},
		{"[::]:50061", "127.0.0.1:50061"},
		{"10.0.0.5:50061", "10.0.0.5:50061"},
		{"localhost:9000", "localhost:9000"},
		{"not-an-address", "not-an-address"},
	}

	for _, tt := range tests {
		t.Run(tt.bind, func(t *testing.T) {
			assert.Equal(t, tt.want, clientAddrFromBind(tt.bind))
		})
	}
}

func TestResolveServer_OverrideWins(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "example:1", resolveServer("example:1", cfg))
	assert.Equal(t, clientAddrFromBind(cfg.Bind), resolveServer("", cfg))
}

func TestSimulate_KeepsPromptUnderTarget(t *testing.T) {
	cfg := config.Default()
	cfg.Budget.TargetTokens = 3000
	cfg.Budget.BatchSize = 5
	cfg.ContextSize = 6000

	rows, err := simulate(context.Background(), cfg, simOptions{
		Turns:            60,
		TokensPerMessage: 100,
		SystemTokens:     200,
		Bias:             0.1,
		Summaries:        true,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	require.Len(t, rows, 60)

	last := rows[len(rows)-1]
	assert.Equal(t, 119, last.Messages)
	assert.Positive(t, last.Cutoff)
	assert.Positive(t, last.Summaries)
	assert.LessOrEqual(t, last.Predicted, last.Target)
	assert.Positive(t, last.Factor)

	for _, r := range rows {
		assert.LessOrEqual(t, r.Actual, cfg.ContextSize, "turn %d", r.Turn)
	}
}

func TestSimulate_RejectsEmptyRun(t *testing.T) {
	_, err := simulate(context.Background(), config.Default(), simOptions{}, slog.New(slog.DiscardHandler))
	assert.Error(t, err)
}

func TestSimulateCommand_PrintsOneRowPerTurn(t *testing.T) {
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"simulate", "--turns", "4", "--tokens-per-message", "50", "--target", "2000"})

	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 6, "header, rule and one row per turn")
	assert.Equal(t, []string{"TURN", "MSGS", "CUTOFF"}, strings.Fields(lines[0])[:3])
	assert.Equal(t, "─", strings.TrimSpace(lines[1])[:len("─")])

	for i, line := range lines[2:] {
		fields := strings.Fields(line)
		require.Len(t, fields, 9, "row %d", i)
		assert.Equal(t, strconv.Itoa(i+1), fields[0])
	}
}

func TestPrintStatus_RendersJournalTable(t *testing.T) {
	var out bytes.Buffer
	err := printStatus(&out, controller.Status{
		ConversationID: "conv_a",
		Messages:       40,
		CutoffIndex:    12,
		Phase:          ledger.PhaseStable,
		Recent: []ledger.JournalEntry{
			{Timestamp: time.Date(2026, 1, 2, 10, 11, 12, 0, time.UTC), Event: "calibration", Phase: ledger.PhaseStable, Cutoff: 12, TargetTokens: 7000, Predicted: 6900, Actual: 7010},
		},
	})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "conv_a")
	assert.Contains(t, text, "40 (cutoff 12)")

	var header, row string
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "TIME"):
			header = line
		case strings.HasPrefix(line, "10:11:12"):
			row = line
		}
	}
	require.NotEmpty(t, header)
	require.NotEmpty(t, row)
	assert.Equal(t, []string{"10:11:12", "calibration", "stable", "12", "7000", "6900", "7010", "+0.0%", "-"}, strings.Fields(row))
}
