package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erg0nix/ctxbudget/internal/config"
	"github.com/erg0nix/ctxbudget/internal/core"
	"github.com/erg0nix/ctxbudget/internal/ledger"
	"github.com/erg0nix/ctxbudget/internal/memory"
	"github.com/erg0nix/ctxbudget/internal/tokens"
)

const (
	testConversation core.ConversationID = "conv_test"
	roleOverhead                         = 4
)

type fixedSizer int

func (s fixedSizer) ContextSize(context.Context) int { return int(s) }

// recapGenerator answers every summary prompt with the same sentence.
type recapGenerator struct {
	calls atomic.Int32
}

func (g *recapGenerator) Generate(ctx context.Context, prompt, prefill string) (string, error) {
	g.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "Short recap. With a second sentence.", nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.DataDir = ""
	cfg.Budget.TargetTokens = 8000
	cfg.Budget.BatchSize = 20
	cfg.Budget.MinMessagesToKeep = 10
	cfg.Budget.RoleOverheadTokens = roleOverhead
	cfg.Budget.NonChatFallbackRatio = 0.05
	cfg.Budget.MinSummaryChars = 40
	cfg.Summary.AutoSummarize = true
	cfg.Summary.Injection.Header = "Earlier:"
	return cfg
}

func charTokens() *tokens.Estimator {
	counter := tokens.CounterFunc(func(text string) (int, error) { return len(text), nil })
	return tokens.NewEstimator(counter, roleOverhead, nil)
}

// costedMessages returns n distinct messages that each cost exactly cost tokens.
func costedMessages(n, cost int) []core.Message {
	messages := make([]core.Message, n)
	for i := range messages {
		role := core.RoleUser
		if i%2 == 1 {
			role = core.RoleAssistant
		}
		prefix := fmt.Sprintf("m%03d ", i)
		messages[i] = core.Message{Role: role, Content: prefix + strings.Repeat("x", cost-roleOverhead-len(prefix))}
	}
	return messages
}

func newController(t *testing.T, cfg config.Config, deps Dependencies) *Controller {
	t.Helper()

	if deps.Tokens == nil {
		deps.Tokens = charTokens()
	}
	if deps.Sizer == nil {
		deps.Sizer = fixedSizer(16384)
	}

	c := New(cfg, deps, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitSummaries(t *testing.T, c *Controller, id core.ConversationID) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitSummaries(ctx, id))
}

func generate(t *testing.T, c *Controller, actual int) Plan {
	t.Helper()
	ctx := context.Background()

	plan, err := c.OnGenerationStart(ctx, testConversation)
	require.NoError(t, err)

	if actual > 0 {
		_, err = c.OnGenerationComplete(ctx, testConversation, Completion{ActualTokens: actual})
		require.NoError(t, err)
	}
	return plan
}

func TestController_OvershootScenario(t *testing.T) {
	generator := &recapGenerator{}
	c := newController(t, testConfig(), Dependencies{Generator: generator})
	require.NoError(t, c.OnConversationChanged(context.Background(), testConversation, costedMessages(100, 70)))

	first := generate(t, c, 8500)
	assert.Equal(t, 0, first.Decision.Cutoff)
	assert.LessOrEqual(t, first.Breakdown.Total, 8000)

	second := generate(t, c, 8200)
	assert.Equal(t, 20, second.Decision.Cutoff)
	assert.True(t, second.Decision.Overshoot)

	third := generate(t, c, 7800)
	assert.Equal(t, 40, third.Decision.Cutoff)

	fourth := generate(t, c, 0)
	assert.Equal(t, 40, fourth.Decision.Cutoff)

	for i, excluded := range fourth.Excluded {
		assert.Equal(t, i < 40, excluded, "message %d", i)
	}

	waitSummaries(t, c, testConversation)

	messages, err := c.Messages(testConversation)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		assert.Equal(t, "Short recap.", messages[i].Annotations.Summary, "message %d", i)
		assert.False(t, messages[i].Annotations.NeedsSummary)
		assert.True(t, messages[i].Annotations.Excluded)
	}
	assert.Empty(t, messages[60].Annotations.Summary)
}

func TestController_SummaryInjectionFollowsMessageOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Budget.TargetTokens = 1000
	c := newController(t, cfg, Dependencies{Generator: &recapGenerator{}})

	messages := costedMessages(30, 70)
	messages[0].Annotations.Summary = "first summary"
	messages[0].Annotations.SummaryHash = messages[0].ContentHash()
	messages[1].Annotations.Summary = "second summary"
	messages[1].Annotations.SummaryHash = messages[1].ContentHash()
	require.NoError(t, c.OnConversationChanged(context.Background(), testConversation, messages))

	plan := generate(t, c, 0)
	require.Greater(t, plan.Decision.Cutoff, 1)
	assert.True(t, strings.HasPrefix(plan.Summary.Text, "Earlier:\nfirst summary\nsecond summary"))
	assert.Equal(t, core.PositionBeforePrompt, plan.Summary.Position)

	waitSummaries(t, c, testConversation)
}

func TestController_PinnedMessagesStayLive(t *testing.T) {
	cfg := testConfig()
	cfg.Budget.TargetTokens = 1500
	c := newController(t, cfg, Dependencies{})

	messages := costedMessages(50, 70)
	messages[2].Pinned = true
	require.NoError(t, c.OnConversationChanged(context.Background(), testConversation, messages))

	plan := generate(t, c, 0)
	require.Greater(t, plan.Decision.Cutoff, 2)
	assert.False(t, plan.Excluded[2])
	assert.True(t, plan.Excluded[1])
	assert.LessOrEqual(t, plan.Breakdown.Total, 1500)
}

func TestController_FloorNeverEvictsRecentMessages(t *testing.T) {
	cfg := testConfig()
	cfg.Budget.TargetTokens = 100
	c := newController(t, cfg, Dependencies{})
	require.NoError(t, c.OnConversationChanged(context.Background(), testConversation, costedMessages(25, 70)))

	plan := generate(t, c, 0)
	assert.Equal(t, 15, plan.Decision.Cutoff)
	assert.True(t, plan.Decision.FloorHit)
}

func TestController_DeletionAtOrBeforeCutoffShiftsIt(t *testing.T) {
	c := newController(t, testConfig(), Dependencies{})
	require.NoError(t, c.OnConversationChanged(context.Background(), testConversation, costedMessages(100, 70)))

	generate(t, c, 8500)
	plan := generate(t, c, 0)
	require.Equal(t, 20, plan.Decision.Cutoff)

	report, err := c.OnMessageDeleted(testConversation, 90)
	require.NoError(t, err)
	assert.Equal(t, 0, report.CutoffShift)

	report, err = c.OnMessageDeleted(testConversation, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CutoffShift)

	status, err := c.Status(context.Background(), testConversation, 0)
	require.NoError(t, err)
	assert.Equal(t, 19, status.CutoffIndex)
	assert.Equal(t, 1, status.DeletionCount)
	assert.Equal(t, 98, status.Messages)
}

func TestController_DeletionAfterAppendShiftsCutoff(t *testing.T) {
	c := newController(t, testConfig(), Dependencies{})
	require.NoError(t, c.OnConversationChanged(context.Background(), testConversation, costedMessages(100, 70)))

	generate(t, c, 8500)
	plan := generate(t, c, 0)
	require.Equal(t, 20, plan.Decision.Cutoff)

	index, err := c.AppendMessage(testConversation, core.Message{Role: core.RoleUser, Content: "one more question"})
	require.NoError(t, err)
	require.Equal(t, 100, index)

	report, err := c.OnMessageDeleted(testConversation, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CutoffShift)
	assert.Empty(t, report.Edited)

	status, err := c.Status(context.Background(), testConversation, 0)
	require.NoError(t, err)
	assert.Equal(t, 19, status.CutoffIndex)
	assert.Equal(t, 1, status.DeletionCount)
	assert.Equal(t, 100, status.Messages)

	next := generate(t, c, 0)
	assert.Zero(t, next.Resilience.Deleted, "deletion is not counted twice")
	assert.Zero(t, next.Resilience.CutoffShift)
	assert.Len(t, next.Excluded, 100)
}

func TestController_EditedSummaryIsRegenerated(t *testing.T) {
	generator := &recapGenerator{}
	cfg := testConfig()
	cfg.Budget.TargetTokens = 1500
	c := newController(t, cfg, Dependencies{Generator: generator})
	require.NoError(t, c.OnConversationChanged(context.Background(), testConversation, costedMessages(40, 70)))

	generate(t, c, 0)
	waitSummaries(t, c, testConversation)
	calls := generator.calls.Load()
	require.Positive(t, calls)

	require.NoError(t, c.EditMessage(testConversation, 3, strings.Repeat("edited ", 10)))

	generate(t, c, 0)
	waitSummaries(t, c, testConversation)

	assert.Greater(t, generator.calls.Load(), calls)
	messages, err := c.Messages(testConversation)
	require.NoError(t, err)
	assert.Equal(t, messages[3].ContentHash(), messages[3].Annotations.SummaryHash)
	assert.False(t, messages[3].SummaryStale())
}

// flakyGenerator fails its first call and succeeds afterwards.
type flakyGenerator struct {
	calls atomic.Int32
}

func (g *flakyGenerator) Generate(ctx context.Context, prompt, prefill string) (string, error) {
	if g.calls.Add(1) == 1 {
		return "", errors.New("model unavailable")
	}
	return "Short recap. With a second sentence.", nil
}

func TestController_FailedSummaryIsRetriedAtNextGeneration(t *testing.T) {
	generator := &flakyGenerator{}
	cfg := testConfig()
	cfg.Budget.TargetTokens = 1500
	c := newController(t, cfg, Dependencies{Generator: generator})
	require.NoError(t, c.OnConversationChanged(context.Background(), testConversation, costedMessages(40, 70)))

	generate(t, c, 0)
	waitSummaries(t, c, testConversation)

	messages, err := c.Messages(testConversation)
	require.NoError(t, err)
	failed := -1
	for i, msg := range messages {
		if msg.Annotations.SummaryError != "" {
			require.Equal(t, -1, failed, "only the first call fails")
			failed = i
		}
	}
	require.NotEqual(t, -1, failed)
	assert.Empty(t, messages[failed].Annotations.Summary)
	assert.True(t, messages[failed].Annotations.NeedsSummary)

	plan := generate(t, c, 0)
	assert.Positive(t, plan.Enqueued)
	waitSummaries(t, c, testConversation)

	messages, err = c.Messages(testConversation)
	require.NoError(t, err)
	assert.Empty(t, messages[failed].Annotations.SummaryError)
	assert.NotEmpty(t, messages[failed].Annotations.Summary)
	assert.False(t, messages[failed].Annotations.NeedsSummary)
}

func TestController_StopSummariesLeavesItemsFlagged(t *testing.T) {
	block := make(chan struct{})
	generator := &blockingGenerator{release: block, started: make(chan struct{})}
	cfg := testConfig()
	cfg.Budget.TargetTokens = 1500
	c := newController(t, cfg, Dependencies{Generator: generator})
	require.NoError(t, c.OnConversationChanged(context.Background(), testConversation, costedMessages(40, 70)))

	plan := generate(t, c, 0)
	require.Positive(t, plan.Enqueued)

	<-generator.started
	require.NoError(t, c.StopSummaries(testConversation))
	close(block)

	status, err := c.Status(context.Background(), testConversation, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Summaries.Pending)

	messages, err := c.Messages(testConversation)
	require.NoError(t, err)
	for i := 0; i < plan.Decision.Cutoff; i++ {
		assert.Empty(t, messages[i].Annotations.Summary)
		assert.True(t, messages[i].Annotations.NeedsSummary)
	}
}

type blockingGenerator struct {
	release chan struct{}
	started chan struct{}
	once    atomic.Bool
}

func (g *blockingGenerator) Generate(ctx context.Context, prompt, prefill string) (string, error) {
	if g.once.CompareAndSwap(false, true) {
		close(g.started)
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-g.release:
		return "late.", nil
	}
}

func TestController_RawPromptMeasuresNonChatOverhead(t *testing.T) {
	c := newController(t, testConfig(), Dependencies{})
	messages := costedMessages(5, 70)
	require.NoError(t, c.OnConversationChanged(context.Background(), testConversation, messages))

	ctx := context.Background()
	_, err := c.OnGenerationStart(ctx, testConversation)
	require.NoError(t, err)

	parts := []string{strings.Repeat("s", 500)}
	for _, msg := range messages {
		parts = append(parts, msg.Content)
	}
	_, err = c.OnGenerationComplete(ctx, testConversation, Completion{ActualTokens: 900, RawPrompt: strings.Join(parts, "\n")})
	require.NoError(t, err)

	plan, err := c.OnGenerationStart(ctx, testConversation)
	require.NoError(t, err)
	assert.Equal(t, 500-5*roleOverhead, plan.Breakdown.NonChatTokens)
}

func TestController_CompletionWithoutMeasurementKeepsCalibration(t *testing.T) {
	c := newController(t, testConfig(), Dependencies{})
	require.NoError(t, c.OnConversationChanged(context.Background(), testConversation, costedMessages(20, 70)))

	generate(t, c, 0)
	result, err := c.OnGenerationComplete(context.Background(), testConversation, Completion{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Factor)
	assert.Equal(t, ledger.PhaseWaiting, result.To)
}

func TestController_ResetAllClearsCalibration(t *testing.T) {
	c := newController(t, testConfig(), Dependencies{})
	require.NoError(t, c.OnConversationChanged(context.Background(), testConversation, costedMessages(100, 70)))

	generate(t, c, 8500)
	generate(t, c, 8200)

	status, err := c.Status(context.Background(), testConversation, 0)
	require.NoError(t, err)
	require.Equal(t, 20, status.CutoffIndex)
	require.NotEqual(t, 1.0, status.CorrectionFactor)

	require.NoError(t, c.Reset(testConversation, ledger.ScopeCutoff))
	status, err = c.Status(context.Background(), testConversation, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, status.CutoffIndex)
	assert.NotEqual(t, 1.0, status.CorrectionFactor)

	require.NoError(t, c.Reset(testConversation, ledger.ScopeAll))
	status, err = c.Status(context.Background(), testConversation, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, status.CorrectionFactor)
	assert.Equal(t, ledger.PhaseWaiting, status.Phase)
	assert.Equal(t, 0, status.LastActualTokens)
}

func TestController_UnknownConversation(t *testing.T) {
	c := newController(t, testConfig(), Dependencies{})

	_, err := c.OnGenerationStart(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownConversation)

	assert.ErrorIs(t, c.Reset("missing", ledger.ScopeAll), ErrUnknownConversation)
	assert.Error(t, c.OnConversationChanged(context.Background(), "", nil))
}

func TestController_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	deps := func() Dependencies {
		return Dependencies{
			Ledgers:   ledger.NewFileStore(dir),
			Journal:   ledger.NewJournal(dir),
			Histories: FileHistories(dir + "/conversations"),
		}
	}

	first := newController(t, testConfig(), deps())
	require.NoError(t, first.OnConversationChanged(context.Background(), testConversation, costedMessages(100, 70)))
	generate(t, first, 8500)
	generate(t, first, 8200)
	require.NoError(t, first.Close())

	second := newController(t, testConfig(), deps())
	require.NoError(t, second.OnConversationChanged(context.Background(), testConversation, nil))

	status, err := second.Status(context.Background(), testConversation, 10)
	require.NoError(t, err)
	assert.Equal(t, 100, status.Messages)
	assert.Equal(t, 20, status.CutoffIndex)
	assert.Equal(t, 8200, status.LastActualTokens)
	require.Len(t, status.Recent, 2)
	assert.Equal(t, 8500, status.Recent[0].Actual)
	assert.Equal(t, 8200, status.Recent[1].Actual)

	messages, err := second.Messages(testConversation)
	require.NoError(t, err)
	assert.True(t, messages[0].Annotations.Excluded)
}

func TestController_ForgetRemovesPersistedState(t *testing.T) {
	dir := t.TempDir()
	c := newController(t, testConfig(), Dependencies{
		Ledgers:   ledger.NewFileStore(dir),
		Histories: FileHistories(filepath.Join(dir, "conversations")),
	})
	ctx := context.Background()

	require.NoError(t, c.OnConversationChanged(ctx, testConversation, costedMessages(30, 70)))
	generate(t, c, 2500)

	historyPath := filepath.Join(dir, "conversations", testConversation.FileName()+".jsonl")
	ledgerPath := filepath.Join(dir, "ledgers", testConversation.FileName()+".json")
	require.FileExists(t, historyPath)
	require.FileExists(t, ledgerPath)

	require.NoError(t, c.Forget(ctx, testConversation))

	assert.Equal(t, core.ConversationID(""), c.Active())
	_, err := c.Status(ctx, testConversation, 0)
	assert.ErrorIs(t, err, ErrUnknownConversation)

	_, err = os.Stat(historyPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(ledgerPath)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, c.Forget(ctx, "never_opened"))
}

func TestController_SwitchingConversationsKeepsLedgersApart(t *testing.T) {
	c := newController(t, testConfig(), Dependencies{})
	ctx := context.Background()

	require.NoError(t, c.OnConversationChanged(ctx, "a", costedMessages(100, 70)))
	_, err := c.OnGenerationStart(ctx, "a")
	require.NoError(t, err)
	_, err = c.OnGenerationComplete(ctx, "a", Completion{ActualTokens: 8500})
	require.NoError(t, err)

	require.NoError(t, c.OnConversationChanged(ctx, "b", costedMessages(12, 70)))
	assert.Equal(t, core.ConversationID("b"), c.Active())

	statusA, err := c.Status(ctx, "a", 0)
	require.NoError(t, err)
	statusB, err := c.Status(ctx, "b", 0)
	require.NoError(t, err)

	assert.Equal(t, 8500, statusA.LastActualTokens)
	assert.Equal(t, 0, statusB.LastActualTokens)
	assert.Equal(t, 1.0, statusB.CorrectionFactor)
}

// topicEmbedder marks whether a text mentions cats.
type topicEmbedder struct{}

func (topicEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = []float32{0, 0.1}
		if strings.Contains(text, "cat") {
			vectors[i][0] = 1
		}
	}
	return vectors, nil
}

func TestController_MemoryRetrievalInjectsRelatedMessages(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.Enabled = true
	cfg.Memory.MinMessages = 20
	cfg.Memory.QueryMessages = 3
	cfg.Memory.ScoreThreshold = 0.5
	cfg.Memory.MaxTokensRatio = 0.1

	store, err := memory.OpenVectorStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tokenEstimator := charTokens()
	retriever := memory.NewRetriever(topicEmbedder{}, store, tokenEstimator, cfg.Memory, cfg.Budget.MinMessagesToKeep, nil)
	c := newController(t, cfg, Dependencies{Tokens: tokenEstimator, Retriever: retriever})

	messages := make([]core.Message, 30)
	for i := range messages {
		messages[i] = core.Message{Role: core.RoleUser, Content: fmt.Sprintf("filler %d", i)}
	}
	messages[2].Content = "my cat likes fish"
	messages[5].Content = "cat toys everywhere"
	messages[29].Content = "tell me about my cat"

	ctx := context.Background()
	require.NoError(t, c.OnConversationChanged(ctx, testConversation, messages))
	for i := range messages {
		require.NoError(t, c.OnMessageRendered(ctx, testConversation, i))
	}

	count, err := store.Count(ctx, testConversation)
	require.NoError(t, err)
	assert.Equal(t, 30, count)

	plan, err := c.OnGenerationStart(ctx, testConversation)
	require.NoError(t, err)
	assert.Equal(t, "Relevant earlier context:\n- my cat likes fish\n- cat toys everywhere", plan.Memory.Text)
	assert.Equal(t, plan.Memory.Tokens, plan.Breakdown.MemoryTokens)
	assert.Empty(t, plan.MemoryError)

	stored, err := c.Messages(testConversation)
	require.NoError(t, err)
	assert.True(t, stored[2].Annotations.Vectorized)
}
