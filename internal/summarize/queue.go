// Package summarize turns evicted messages into one-sentence summaries on a
// single background worker.
package summarize

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/erg0nix/ctxbudget/internal/config"
	"github.com/erg0nix/ctxbudget/internal/core"
)

// Generator produces text for a prompt. It must honor ctx cancellation.
type Generator interface {
	Generate(ctx context.Context, prompt, prefill string) (string, error)
}

// ProfileSwitcher activates a named endpoint/model and returns a func that
// restores the previous one.
type ProfileSwitcher interface {
	Switch(name string) (restore func(), err error)
}

// Store is the subset of the message list the queue reads and annotates.
type Store interface {
	Get(index int) (core.Message, bool)
	Update(index int, fn func(*core.Message)) bool
}

type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

var errEmptySummary = errors.New("model returned an empty summary")

type Stats struct {
	Status    Status `json:"status"`
	Pending   int    `json:"pending"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Current   int    `json:"current"`
}

// Queue processes message indices strictly one at a time in FIFO order.
type Queue struct {
	generator Generator
	profiles  ProfileSwitcher
	store     Store
	cfg       config.SummaryConfig
	logger    *slog.Logger

	mu        sync.Mutex
	status    Status
	pending   []int
	queued    map[int]bool
	current   int
	cancel    context.CancelFunc
	done      chan struct{}
	completed int
	failed    int
}

func NewQueue(generator Generator, profiles ProfileSwitcher, store Store, cfg config.SummaryConfig, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		generator: generator,
		profiles:  profiles,
		store:     store,
		cfg:       cfg,
		logger:    logger,
		status:    StatusIdle,
		queued:    make(map[int]bool),
		current:   -1,
	}
}

// Enqueue appends indices not already queued and starts the worker if idle.
// It returns how many were accepted. Nothing is accepted while stopping.
func (q *Queue) Enqueue(indices ...int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.status == StatusStopping {
		return 0
	}

	accepted := 0
	for _, index := range indices {
		if q.queued[index] || index == q.current {
			continue
		}
		q.queued[index] = true
		q.pending = append(q.pending, index)
		accepted++
	}

	if accepted > 0 && q.status == StatusIdle {
		ctx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		q.done = make(chan struct{})
		q.status = StatusRunning
		go q.run(ctx, q.done)
	}

	return accepted
}

// Stop clears the queue, cancels the in-flight call and waits for the worker
// to exit. The cancelled item keeps NeedsSummary set. Safe to call repeatedly.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.status == StatusIdle {
		q.mu.Unlock()
		return
	}

	q.status = StatusStopping
	q.pending = nil
	q.queued = make(map[int]bool)
	q.cancel()
	done := q.done
	q.mu.Unlock()

	<-done
}

// Wait blocks until the queue drains or ctx ends.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	done := q.done
	idle := q.status == StatusIdle
	q.mu.Unlock()

	if idle || done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Status:    q.status,
		Pending:   len(q.pending),
		Completed: q.completed,
		Failed:    q.failed,
		Current:   q.current,
	}
}

func (q *Queue) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		q.mu.Lock()
		if len(q.pending) == 0 || ctx.Err() != nil {
			q.status = StatusIdle
			q.current = -1
			q.cancel()
			q.mu.Unlock()
			return
		}

		index := q.pending[0]
		q.pending = q.pending[1:]
		delete(q.queued, index)
		q.current = index
		q.mu.Unlock()

		err := q.process(ctx, index)

		q.mu.Lock()
		q.current = -1
		switch {
		case ctx.Err() != nil:
		case err != nil:
			q.failed++
		default:
			q.completed++
		}
		q.mu.Unlock()
	}
}

func (q *Queue) process(ctx context.Context, index int) error {
	msg, ok := q.store.Get(index)
	if !ok {
		return nil
	}
	if msg.Annotations.Summary != "" && !msg.SummaryStale() && !msg.Annotations.NeedsSummary {
		return nil
	}

	hash := msg.ContentHash()

	raw, err := q.generate(ctx, BuildPrompt(q.cfg, msg))
	if ctx.Err() != nil {
		q.logger.Debug("summary cancelled", "index", index)
		return ctx.Err()
	}

	var summary string
	if err == nil {
		summary = Clean(raw, q.cfg.MaxWords)
		if summary == "" {
			err = errEmptySummary
		}
	}

	if err != nil {
		q.logger.Warn("summary failed", "index", index, "error", err)
		q.store.Update(index, func(m *core.Message) {
			if m.ContentHash() == hash {
				m.Annotations.SummaryError = err.Error()
			}
		})
		return err
	}

	written := false
	q.store.Update(index, func(m *core.Message) {
		if m.ContentHash() != hash {
			return
		}
		m.Annotations.Summary = summary
		m.Annotations.SummaryHash = hash
		m.Annotations.NeedsSummary = false
		m.Annotations.SummaryError = ""
		written = true
	})

	if !written {
		q.logger.Debug("message changed during summary, discarding", "index", index)
	}

	return nil
}

// generate runs one call under the summary profile, which is restored even
// when the call fails.
func (q *Queue) generate(ctx context.Context, prompt string) (string, error) {
	if q.profiles != nil && q.cfg.Profile != "" {
		restore, err := q.profiles.Switch(q.cfg.Profile)
		if err != nil {
			return "", err
		}
		defer restore()
	}

	timeout := time.Duration(q.cfg.TimeoutSeconds) * time.Second
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return q.generator.Generate(ctx, prompt, q.cfg.Prefill)
}
