package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/erg0nix/ctxbudget/internal/ledger"
)

var (
	colorPrimary = lipgloss.Color("#7C71F9")
	colorSuccess = lipgloss.Color("#34D399")
	colorError   = lipgloss.Color("#F87171")
	colorWarning = lipgloss.Color("#FBBF24")
	colorDim     = lipgloss.Color("#6B7280")
	colorAccent  = lipgloss.Color("#60A5FA")
)

var (
	styleDim     = lipgloss.NewStyle().Foreground(colorDim)
	styleError   = lipgloss.NewStyle().Foreground(colorError)
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)

	styleTableHeader = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	styleLabel       = lipgloss.NewStyle().Bold(true)

	styleActive = lipgloss.NewStyle().Bold(true).Foreground(colorSuccess)
	stylePID    = lipgloss.NewStyle().Foreground(colorAccent)
)

var phaseStyles = map[ledger.Phase]lipgloss.Style{
	ledger.PhaseWaiting:         styleDim,
	ledger.PhaseInitialTraining: styleWarning,
	ledger.PhaseCalibrating:     styleWarning,
	ledger.PhaseStable:          styleSuccess,
	ledger.PhaseRetraining:      styleError,
}

func renderPhase(phase ledger.Phase) string {
	if s, ok := phaseStyles[phase]; ok {
		return s.Render(string(phase))
	}
	return string(phase)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Headers(headers...).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderColumn(false).
		BorderHeader(true).
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleTableHeader.PaddingRight(2)
			}
			return lipgloss.NewStyle().PaddingRight(2)
		})
}

func styledError(msg string, hints ...string) string {
	out := styleError.Render(msg)
	for _, h := range hints {
		out += "\n  " + styleDim.Render(h)
	}
	return out
}

func percent(v float64) string {
	return fmt.Sprintf("%+.1f%%", v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
