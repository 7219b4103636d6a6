// Package budget estimates prompt size for a candidate cutoff and decides how
// far the cutoff should move.
package budget

import (
	"math"
	"strings"

	"github.com/erg0nix/ctxbudget/internal/config"
	"github.com/erg0nix/ctxbudget/internal/core"
	"github.com/erg0nix/ctxbudget/internal/ledger"
	"github.com/erg0nix/ctxbudget/internal/tokens"
)

// Breakdown is the estimated prompt size at one cutoff, split by source.
type Breakdown struct {
	Cutoff        int `json:"cutoff"`
	ChatTokens    int `json:"chat_tokens"`
	RawChatTokens int `json:"raw_chat_tokens"`
	SummaryTokens int `json:"summary_tokens"`
	MemoryTokens  int `json:"memory_tokens"`
	NonChatTokens int `json:"non_chat_tokens"`
	Total         int `json:"total"`
	LiveMessages  int `json:"live_messages"`
	Summaries     int `json:"summaries"`
}

// Prediction converts the breakdown into the snapshot consumed by calibration.
func (b Breakdown) Prediction(factor float64, target int) ledger.Prediction {
	return ledger.Prediction{
		Total:          b.Total,
		Chat:           b.ChatTokens,
		ChatRaw:        b.RawChatTokens,
		NonChat:        b.NonChatTokens,
		Memory:         b.MemoryTokens,
		Summary:        b.SummaryTokens,
		Factor:         factor,
		TargetTokens:   target,
		LiveMessages:   b.LiveMessages,
		CutoffAtDecide: b.Cutoff,
	}
}

// Inputs are the per-cycle values that do not depend on the cutoff.
type Inputs struct {
	Messages      []core.Message
	Factor        float64
	NonChatTokens int
	MemoryTokens  int
}

type Estimator struct {
	tokens        *tokens.Estimator
	cfg           config.BudgetConfig
	summaryHeader string
}

func NewEstimator(tokenEstimator *tokens.Estimator, cfg config.BudgetConfig, summaryHeader string) *Estimator {
	return &Estimator{tokens: tokenEstimator, cfg: cfg, summaryHeader: summaryHeader}
}

// Tokens exposes the underlying token estimator.
func (e *Estimator) Tokens() *tokens.Estimator {
	return e.tokens
}

// Summarizable reports whether a lagging message should carry a summary at all.
// Pinned, hidden and thought messages are skipped, and so are messages too
// short to be worth the extra call.
func (e *Estimator) Summarizable(msg core.Message) bool {
	if msg.Pinned || msg.Hidden || msg.Thought {
		return false
	}
	return len(strings.TrimSpace(msg.Content)) >= e.cfg.MinSummaryChars
}

// Live reports whether the message at index stays in the prompt for cutoff.
func Live(msg core.Message, index, cutoff int) bool {
	return index >= cutoff || msg.Pinned
}

// NonChatTokens resolves the overhead outside chat history. A measured value
// from raw-prompt decomposition wins, then a fixed fraction of the last
// realized total, then a fixed fraction of the raw history estimate.
func (e *Estimator) NonChatTokens(l *ledger.Ledger, messages []core.Message) int {
	if l.LastNonChatTokens > 0 {
		return l.LastNonChatTokens
	}

	base := l.LastActualTokens
	if base <= 0 {
		base = e.tokens.EstimateSpan(messages)
	}

	return int(math.Ceil(float64(base) * e.cfg.NonChatFallbackRatio))
}

// EstimateTotal is the estimated prompt size when messages below cutoff are excluded.
func (e *Estimator) EstimateTotal(in Inputs, cutoff int) Breakdown {
	return e.Prepare(in).At(cutoff)
}

// Prepare computes per-message costs once so each cutoff lookup is O(1).
func (e *Estimator) Prepare(in Inputs) *Costs {
	n := len(in.Messages)
	costs := &Costs{
		factor:       in.Factor,
		nonChat:      in.NonChatTokens,
		memory:       in.MemoryTokens,
		headerTokens: e.tokens.Estimate(e.summaryHeader),
		liveSuffix:   make([]int, n+1),
		liveCount:    make([]int, n+1),
		lagPrefix:    make([]int, n+1),
		sumPrefix:    make([]int, n+1),
	}
	if costs.factor <= 0 {
		costs.factor = 1.0
	}

	live := make([]int, n)
	lag := make([]int, n)
	lagIsLive := make([]bool, n)
	summarized := make([]bool, n)

	for i, msg := range in.Messages {
		if msg.Hidden {
			continue
		}

		live[i] = e.tokens.EstimateMessage(msg)

		switch {
		case msg.Pinned:
			lag[i] = live[i]
			lagIsLive[i] = true
		case e.Summarizable(msg) && msg.Annotations.Summary != "":
			lag[i] = e.tokens.Estimate(msg.Annotations.Summary) + e.cfg.SeparatorTokens
			summarized[i] = true
		}
	}

	for i := n - 1; i >= 0; i-- {
		costs.liveSuffix[i] = costs.liveSuffix[i+1] + live[i]
		costs.liveCount[i] = costs.liveCount[i+1]
		if !in.Messages[i].Hidden {
			costs.liveCount[i]++
		}
	}

	costs.pinnedPrefix = make([]int, n+1)
	costs.pinnedCount = make([]int, n+1)
	for i := 0; i < n; i++ {
		costs.lagPrefix[i+1] = costs.lagPrefix[i]
		costs.sumPrefix[i+1] = costs.sumPrefix[i]
		costs.pinnedPrefix[i+1] = costs.pinnedPrefix[i]
		costs.pinnedCount[i+1] = costs.pinnedCount[i]

		switch {
		case lagIsLive[i]:
			costs.pinnedPrefix[i+1] += lag[i]
			costs.pinnedCount[i+1]++
		case summarized[i]:
			costs.lagPrefix[i+1] += lag[i]
			costs.sumPrefix[i+1]++
		}
	}

	return costs
}

// Costs answers EstimateTotal for any cutoff over one fixed message set.
type Costs struct {
	factor       float64
	nonChat      int
	memory       int
	headerTokens int

	liveSuffix   []int
	liveCount    []int
	lagPrefix    []int
	sumPrefix    []int
	pinnedPrefix []int
	pinnedCount  []int
}

func (c *Costs) Len() int {
	return len(c.liveSuffix) - 1
}

func (c *Costs) At(cutoff int) Breakdown {
	cutoff = min(max(cutoff, 0), c.Len())

	rawChat := c.liveSuffix[cutoff] + c.pinnedPrefix[cutoff]
	chat := int(math.Round(float64(rawChat) * c.factor))

	summaryTokens := c.lagPrefix[cutoff]
	summaries := c.sumPrefix[cutoff]
	if summaries > 0 {
		summaryTokens += c.headerTokens
	}

	return Breakdown{
		Cutoff:        cutoff,
		ChatTokens:    chat,
		RawChatTokens: rawChat,
		SummaryTokens: summaryTokens,
		MemoryTokens:  c.memory,
		NonChatTokens: c.nonChat,
		Total:         chat + summaryTokens + c.memory + c.nonChat,
		LiveMessages:  c.liveCount[cutoff] + c.pinnedCount[cutoff],
		Summaries:     summaries,
	}
}

// SummaryInjection renders the summaries of lagging messages in message order.
func (e *Estimator) SummaryInjection(messages []core.Message, cutoff int, placement config.InjectionConfig) core.Injection {
	var lines []string
	for i := 0; i < cutoff && i < len(messages); i++ {
		msg := messages[i]
		if msg.Hidden || msg.Pinned || !e.Summarizable(msg) || msg.Annotations.Summary == "" {
			continue
		}
		lines = append(lines, msg.Annotations.Summary)
	}

	if len(lines) == 0 {
		return core.Injection{}
	}

	text := strings.Join(lines, "\n")
	if e.summaryHeader != "" {
		text = e.summaryHeader + "\n" + text
	}

	return core.Injection{
		Text:     text,
		Tokens:   e.tokens.Estimate(text),
		Position: core.Position(placement.Position),
		Depth:    placement.Depth,
		Role:     core.Role(placement.Role),
	}
}
