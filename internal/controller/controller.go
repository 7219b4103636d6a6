// Package controller owns the per-conversation budget state and drives the
// estimator, evictor, calibration machine, summary queue, memory retriever and
// resilience monitor from host lifecycle events.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/erg0nix/ctxbudget/internal/budget"
	"github.com/erg0nix/ctxbudget/internal/calibration"
	"github.com/erg0nix/ctxbudget/internal/config"
	"github.com/erg0nix/ctxbudget/internal/core"
	"github.com/erg0nix/ctxbudget/internal/history"
	"github.com/erg0nix/ctxbudget/internal/ledger"
	"github.com/erg0nix/ctxbudget/internal/memory"
	"github.com/erg0nix/ctxbudget/internal/resilience"
	"github.com/erg0nix/ctxbudget/internal/summarize"
	"github.com/erg0nix/ctxbudget/internal/tokens"
)

var ErrUnknownConversation = errors.New("unknown conversation")

// ContextSizer reports the model's maximum context size.
type ContextSizer interface {
	ContextSize(ctx context.Context) int
}

// HistoryOpener returns the message list for a conversation.
type HistoryOpener func(id core.ConversationID) (*history.History, error)

// MemoryHistories keeps every conversation in process only.
func MemoryHistories() HistoryOpener {
	return func(core.ConversationID) (*history.History, error) {
		return history.New(nil), nil
	}
}

// FileHistories persists each conversation as <dir>/<id>.jsonl.
func FileHistories(dir string) HistoryOpener {
	return func(id core.ConversationID) (*history.History, error) {
		return history.Open(filepath.Join(dir, id.FileName()+".jsonl"))
	}
}

// Dependencies are the host capabilities the controller consumes. Generator,
// Profiles, Retriever and Journal may be nil.
type Dependencies struct {
	Tokens    *tokens.Estimator
	Sizer     ContextSizer
	Generator summarize.Generator
	Profiles  summarize.ProfileSwitcher
	Retriever *memory.Retriever
	Ledgers   ledger.Store
	Journal   *ledger.Journal
	Histories HistoryOpener
}

type Controller struct {
	cfg       config.Config
	tokens    *tokens.Estimator
	estimator *budget.Estimator
	evictor   *budget.Evictor
	machine   *calibration.Machine
	monitor   *resilience.Monitor
	retriever *memory.Retriever
	generator summarize.Generator
	profiles  summarize.ProfileSwitcher
	sizer     ContextSizer
	ledgers   ledger.Store
	journal   *ledger.Journal
	histories HistoryOpener
	logger    *slog.Logger

	mu            sync.Mutex
	conversations map[core.ConversationID]*conversation
	active        core.ConversationID
}

// conversation is the live state of one conversation. Its mutex serializes
// every lifecycle event for that conversation.
type conversation struct {
	mu      sync.Mutex
	id      core.ConversationID
	history *history.History
	ledger  *ledger.Ledger
	queue   *summarize.Queue

	last Plan
}

func New(cfg config.Config, deps Dependencies, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	tokenEstimator := deps.Tokens
	if tokenEstimator == nil {
		tokenEstimator = tokens.NewEstimator(nil, cfg.Budget.RoleOverheadTokens, logger)
	}

	ledgers := deps.Ledgers
	if ledgers == nil {
		ledgers = ledger.NewMemoryStore()
	}

	histories := deps.Histories
	if histories == nil {
		histories = MemoryHistories()
	}

	machine := calibration.NewMachine(cfg.Calibration, logger)

	return &Controller{
		cfg:           cfg,
		tokens:        tokenEstimator,
		estimator:     budget.NewEstimator(tokenEstimator, cfg.Budget, cfg.Summary.Injection.Header),
		evictor:       budget.NewEvictor(cfg.Budget, !machine.Adaptive(), logger),
		machine:       machine,
		monitor:       resilience.NewMonitor(cfg.Calibration.DeletionTolerance, logger),
		retriever:     deps.Retriever,
		generator:     deps.Generator,
		profiles:      deps.Profiles,
		sizer:         deps.Sizer,
		ledgers:       ledgers,
		journal:       deps.Journal,
		histories:     histories,
		logger:        logger,
		conversations: make(map[core.ConversationID]*conversation),
	}
}

// Active is the conversation most recently switched to.
func (c *Controller) Active() core.ConversationID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// OnConversationChanged makes id the active conversation, loading its ledger
// and history. Non-nil messages replace the stored history. The previous
// conversation's ledger is saved and its summary queue stopped.
func (c *Controller) OnConversationChanged(ctx context.Context, id core.ConversationID, messages []core.Message) error {
	if id == "" {
		return fmt.Errorf("conversation changed: empty id")
	}

	c.mu.Lock()
	previous := c.active
	c.active = id
	c.mu.Unlock()

	if previous != "" && previous != id {
		if prev, ok := c.lookup(previous); ok {
			c.suspend(prev)
		}
	}

	conv, err := c.open(id)
	if err != nil {
		return err
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()

	if messages != nil {
		conv.stopQueue()
		if err := conv.history.Replace(messages); err != nil {
			return fmt.Errorf("conversation changed: %w", err)
		}
	}

	if conv.ledger.ClampCutoff(conv.history.Len(), c.cfg.Budget.MinMessagesToKeep) {
		c.logger.Warn("stored cutoff clamped", "conversation", id, "cutoff", conv.ledger.CutoffIndex)
	}

	c.logger.Info("conversation activated",
		"conversation", id,
		"messages", conv.history.Len(),
		"cutoff", conv.ledger.CutoffIndex,
		"phase", conv.ledger.Phase)

	return c.save(conv)
}

func (c *Controller) suspend(conv *conversation) {
	conv.stopQueue()

	conv.mu.Lock()
	defer conv.mu.Unlock()

	if err := c.save(conv); err != nil {
		c.logger.Warn("failed to save conversation on switch", "conversation", conv.id, "error", err)
	}
}

func (c *Controller) lookup(id core.ConversationID) (*conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.conversations[id]
	return conv, ok
}

// open returns the cached conversation or loads it from the stores.
func (c *Controller) open(id core.ConversationID) (*conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conv, ok := c.conversations[id]; ok {
		return conv, nil
	}

	h, err := c.histories(id)
	if err != nil {
		return nil, fmt.Errorf("open conversation %s: %w", id, err)
	}

	l, err := c.ledgers.Load(id)
	if err != nil {
		c.logger.Warn("ledger unreadable, starting fresh", "conversation", id, "error", err)
		l = nil
	}
	if l == nil {
		l = ledger.New(id, c.cfg.Budget.TargetTokens)
	}

	conv := &conversation{id: id, history: h, ledger: l}
	if c.generator != nil {
		conv.queue = summarize.NewQueue(c.generator, c.profiles, h, c.cfg.Summary, c.logger.With("conversation", id))
	}

	c.conversations[id] = conv
	return conv, nil
}

// get resolves an already opened conversation.
func (c *Controller) get(id core.ConversationID) (*conversation, error) {
	if conv, ok := c.lookup(id); ok {
		return conv, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, id)
}

// save persists the ledger and pending annotation updates. Callers hold conv.mu.
func (c *Controller) save(conv *conversation) error {
	var errs []error
	if err := c.ledgers.Save(conv.ledger); err != nil {
		errs = append(errs, fmt.Errorf("save ledger: %w", err))
	}
	if err := conv.history.Flush(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (conv *conversation) stopQueue() {
	if conv.queue != nil {
		conv.queue.Stop()
	}
}

// AppendMessage adds a message to the conversation and returns its index.
func (c *Controller) AppendMessage(id core.ConversationID, msg core.Message) (int, error) {
	conv, err := c.get(id)
	if err != nil {
		return 0, err
	}

	return conv.history.Append(msg)
}

// EditMessage replaces message content. A stored summary becomes stale and is
// regenerated at the next generation start.
func (c *Controller) EditMessage(id core.ConversationID, index int, content string) error {
	conv, err := c.get(id)
	if err != nil {
		return err
	}

	return conv.history.Edit(index, content)
}

// OnMessageDeleted removes a message. Indices shift, so the summary queue is
// stopped and the ledger reconciled right away.
func (c *Controller) OnMessageDeleted(id core.ConversationID, index int) (resilience.Report, error) {
	conv, err := c.get(id)
	if err != nil {
		return resilience.Report{}, err
	}

	conv.stopQueue()

	conv.mu.Lock()
	defer conv.mu.Unlock()

	if err := conv.history.Delete(index); err != nil {
		return resilience.Report{}, err
	}

	report := c.monitor.ReconcileDeletion(conv.ledger, index, conv.history.Snapshot())
	c.invalidateStale(conv, report.Stale)
	conv.ledger.ClampCutoff(conv.history.Len(), c.cfg.Budget.MinMessagesToKeep)

	return report, c.save(conv)
}

// OnMessageRendered vectorizes the message at index for later retrieval.
// Embedding failures are logged and otherwise ignored.
func (c *Controller) OnMessageRendered(ctx context.Context, id core.ConversationID, index int) error {
	conv, err := c.get(id)
	if err != nil {
		return err
	}
	if c.retriever == nil {
		return nil
	}

	written, err := c.retriever.Index(ctx, id, conv.history, []int{index})
	if err != nil {
		c.logger.Warn("message vectorization failed", "conversation", id, "index", index, "error", err)
		return nil
	}

	if written > 0 {
		conv.mu.Lock()
		defer conv.mu.Unlock()
		if err := conv.history.Flush(); err != nil {
			return err
		}
	}

	return nil
}

// Plan is what the host needs to assemble the next prompt.
type Plan struct {
	ConversationID core.ConversationID `json:"conversation_id"`
	Excluded       []bool              `json:"excluded"`
	Summary        core.Injection      `json:"summary"`
	Memory         core.Injection      `json:"memory"`
	MemoryRecords  []memory.Record     `json:"memory_records,omitempty"`
	Decision       budget.Decision     `json:"decision"`
	Breakdown      budget.Breakdown    `json:"breakdown"`
	TargetTokens   int                 `json:"target_tokens"`
	Enqueued       int                 `json:"enqueued"`
	Resilience     resilience.Report   `json:"resilience"`
	MemoryError    string              `json:"memory_error,omitempty"`

	liveTexts []string
}

// OnGenerationStart reconciles history changes, decides the cutoff while
// memory is retrieved, marks exclusions, queues summaries for lagging
// messages and records the prediction calibration will check.
func (c *Controller) OnGenerationStart(ctx context.Context, id core.ConversationID) (Plan, error) {
	conv, err := c.get(id)
	if err != nil {
		return Plan{}, err
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()

	l := conv.ledger
	minKeep := c.cfg.Budget.MinMessagesToKeep

	report := c.monitor.Reconcile(l, conv.history.Snapshot())
	c.invalidateStale(conv, report.Stale)
	l.ClampCutoff(conv.history.Len(), minKeep)

	messages := conv.history.Snapshot()
	target := l.TargetTokens
	factor := l.CorrectionFactor

	var (
		decision  budget.Decision
		retrieved memory.Result
	)

	g, gctx := errgroup.WithContext(ctx)
	if c.retriever != nil {
		g.Go(func() error {
			retrieved = c.retriever.Retrieve(gctx, id, messages, target)
			return nil
		})
	}
	g.Go(func() error {
		costs := c.estimator.Prepare(budget.Inputs{
			Messages:      messages,
			Factor:        factor,
			NonChatTokens: c.estimator.NonChatTokens(l, messages),
			MemoryTokens:  l.LastMemoryTokens(),
		})
		decision = c.evictor.Decide(l, costs)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Plan{}, err
	}

	cutoff := decision.Cutoff
	excluded := c.applyExclusions(conv, cutoff)
	enqueued := c.queueSummaries(conv, cutoff)

	messages = conv.history.Snapshot()
	breakdown := decision.Breakdown
	breakdown.Total += retrieved.Tokens() - breakdown.MemoryTokens
	breakdown.MemoryTokens = retrieved.Tokens()

	prediction := breakdown.Prediction(l.CorrectionFactor, l.TargetTokens)
	l.Pending = &prediction
	if c.retriever != nil {
		l.RecordMemoryTokens(retrieved.Tokens(), c.cfg.Calibration.MemoryHistorySize)
	}

	plan := Plan{
		ConversationID: id,
		Excluded:       excluded,
		Summary:        c.estimator.SummaryInjection(messages, cutoff, c.cfg.Summary.Injection),
		Memory:         retrieved.Injection,
		MemoryRecords:  retrieved.Records,
		Decision:       decision,
		Breakdown:      breakdown,
		TargetTokens:   l.TargetTokens,
		Enqueued:       enqueued,
		Resilience:     report,
		MemoryError:    retrieved.Error,
		liveTexts:      liveTexts(messages, cutoff),
	}
	conv.last = plan

	c.logger.Debug("generation planned",
		"conversation", id,
		"cutoff", cutoff,
		"estimate", breakdown.Total,
		"target", l.TargetTokens,
		"memory_tokens", breakdown.MemoryTokens,
		"summaries_enqueued", enqueued)

	if err := c.save(conv); err != nil {
		c.logger.Warn("failed to persist plan", "conversation", id, "error", err)
	}

	return plan, nil
}

// invalidateStale drops summaries produced for content that was since edited
// and flags them for regeneration.
func (c *Controller) invalidateStale(conv *conversation, stale []int) {
	for _, index := range stale {
		conv.history.Update(index, func(m *core.Message) {
			m.Annotations.Summary = ""
			m.Annotations.SummaryHash = ""
			m.Annotations.SummaryError = ""
			m.Annotations.NeedsSummary = c.estimator.Summarizable(*m)
		})
	}
}

// applyExclusions sets the exclusion flag on every message. Pinned messages
// are never excluded.
func (c *Controller) applyExclusions(conv *conversation, cutoff int) []bool {
	n := conv.history.Len()
	excluded := make([]bool, n)

	for i := 0; i < n; i++ {
		conv.history.Update(i, func(m *core.Message) {
			m.Annotations.Excluded = !budget.Live(*m, i, cutoff)
			excluded[i] = m.Annotations.Excluded
		})
	}

	return excluded
}

// queueSummaries flags lagging messages that lack a fresh summary and hands
// every flagged message to the queue. A previous failure is cleared so the
// message is retried once per generation.
func (c *Controller) queueSummaries(conv *conversation, cutoff int) int {
	if conv.queue == nil || !c.cfg.Summary.AutoSummarize {
		return 0
	}

	var indices []int
	for i := 0; i < cutoff; i++ {
		conv.history.Update(i, func(m *core.Message) {
			if !c.estimator.Summarizable(*m) {
				return
			}
			if m.Annotations.Summary == "" || m.SummaryStale() {
				m.Annotations.NeedsSummary = true
			}
			if !m.Annotations.NeedsSummary {
				return
			}
			if m.Annotations.SummaryError != "" {
				c.logger.Debug("retrying summary", "index", i, "previous_error", m.Annotations.SummaryError)
				m.Annotations.SummaryError = ""
			}
			indices = append(indices, i)
		})
	}

	if len(indices) == 0 {
		return 0
	}

	return conv.queue.Enqueue(indices...)
}

func liveTexts(messages []core.Message, cutoff int) []string {
	var texts []string
	for i, msg := range messages {
		if msg.Hidden || !budget.Live(msg, i, cutoff) {
			continue
		}
		texts = append(texts, msg.Content)
	}
	return texts
}

// Completion is the host's report of the prompt it actually sent.
type Completion struct {
	ActualTokens int    `json:"actual_tokens"`
	RawPrompt    string `json:"raw_prompt,omitempty"`
}

// OnGenerationComplete feeds the realized prompt size to the calibration
// machine. It must follow the OnGenerationStart whose prediction it checks.
func (c *Controller) OnGenerationComplete(ctx context.Context, id core.ConversationID, completion Completion) (calibration.Result, error) {
	conv, err := c.get(id)
	if err != nil {
		return calibration.Result{}, err
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()

	l := conv.ledger

	actual := completion.ActualTokens
	if actual <= 0 && completion.RawPrompt != "" {
		actual = c.tokens.Estimate(completion.RawPrompt)
	}
	if actual <= 0 {
		c.logger.Warn("generation completed without a measurement", "conversation", id)
		l.TakePending()
		return calibration.Result{From: l.Phase, To: l.Phase, Factor: l.CorrectionFactor, Target: l.TargetTokens}, c.save(conv)
	}

	if completion.RawPrompt != "" {
		l.LastNonChatTokens = c.nonChatFromRaw(completion.RawPrompt, conv.last)
	}

	maxContext := 0
	if c.sizer != nil {
		maxContext = c.sizer.ContextSize(ctx)
	}

	pending := l.TakePending()
	result := c.machine.Observe(l, calibration.Observation{
		Actual:     actual,
		MaxContext: maxContext,
		Prediction: pending,
	})

	c.writeJournal(l, pending, actual, result)

	return result, c.save(conv)
}

func (c *Controller) writeJournal(l *ledger.Ledger, pending *ledger.Prediction, actual int, result calibration.Result) {
	if c.journal == nil {
		return
	}

	entry := ledger.JournalEntry{
		ConversationID: l.ConversationID,
		Event:          "generation",
		Phase:          l.Phase,
		Cutoff:         l.CutoffIndex,
		TargetTokens:   l.TargetTokens,
		Factor:         l.CorrectionFactor,
		Actual:         actual,
		ErrorPercent:   result.ErrorPercent,
		Tolerance:      result.Tolerance,
		MemoryTokens:   l.LastMemoryTokens(),
	}
	if pending != nil {
		entry.Predicted = pending.Total
	}
	if result.TargetChanged {
		entry.Note = fmt.Sprintf("target recalibrated to %d", result.Target)
	}

	if err := c.journal.Write(entry); err != nil {
		c.logger.Warn("failed to write journal entry", "conversation", l.ConversationID, "error", err)
	}
}

// Reset clears ledger state per scope. It always succeeds in memory; the
// returned error only reports persistence.
func (c *Controller) Reset(id core.ConversationID, scope ledger.Scope) error {
	conv, err := c.get(id)
	if err != nil {
		return err
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()

	conv.ledger.Reset(scope, c.cfg.Budget.TargetTokens)
	conv.last = Plan{}

	if scope == ledger.ScopeAll && c.journal != nil {
		if err := c.journal.Write(ledger.JournalEntry{
			ConversationID: id,
			Event:          "reset",
			Phase:          conv.ledger.Phase,
			TargetTokens:   conv.ledger.TargetTokens,
			Factor:         conv.ledger.CorrectionFactor,
		}); err != nil {
			c.logger.Warn("failed to write journal entry", "conversation", id, "error", err)
		}
	}

	c.logger.Info("ledger reset", "conversation", id, "scope", scope)
	return c.save(conv)
}

// Forget drops a conversation's ledger, persisted history and stored vectors.
// The journal is kept. Forgetting an unopened conversation removes whatever
// is on disk for it.
func (c *Controller) Forget(ctx context.Context, id core.ConversationID) error {
	c.mu.Lock()
	conv, ok := c.conversations[id]
	delete(c.conversations, id)
	if c.active == id {
		c.active = ""
	}
	c.mu.Unlock()

	var errs []error
	if ok {
		conv.stopQueue()

		conv.mu.Lock()
		errs = append(errs, conv.history.Discard())
		conv.mu.Unlock()
	} else if h, err := c.histories(id); err != nil {
		errs = append(errs, err)
	} else {
		errs = append(errs, h.Discard())
	}

	errs = append(errs, c.ledgers.Delete(id))
	if c.retriever != nil {
		errs = append(errs, c.retriever.Forget(ctx, id))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	c.logger.Info("conversation forgotten", "conversation", id)
	return nil
}

// StopSummaries cancels the in-flight summary and clears the queue.
func (c *Controller) StopSummaries(id core.ConversationID) error {
	conv, err := c.get(id)
	if err != nil {
		return err
	}
	conv.stopQueue()
	return nil
}

// WaitSummaries blocks until the conversation's summary queue is idle.
func (c *Controller) WaitSummaries(ctx context.Context, id core.ConversationID) error {
	conv, err := c.get(id)
	if err != nil {
		return err
	}
	if conv.queue == nil {
		return nil
	}
	return conv.queue.Wait(ctx)
}

// Messages returns a copy of the conversation's messages.
func (c *Controller) Messages(id core.ConversationID) ([]core.Message, error) {
	conv, err := c.get(id)
	if err != nil {
		return nil, err
	}
	return conv.history.Snapshot(), nil
}

// Close stops every summary queue and persists all conversations.
func (c *Controller) Close() error {
	c.mu.Lock()
	conversations := make([]*conversation, 0, len(c.conversations))
	for _, conv := range c.conversations {
		conversations = append(conversations, conv)
	}
	c.mu.Unlock()

	var errs []error
	for _, conv := range conversations {
		conv.stopQueue()

		conv.mu.Lock()
		if err := c.save(conv); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", conv.id, err))
		}
		conv.mu.Unlock()
	}

	return errors.Join(errs...)
}
