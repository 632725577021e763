package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parchmint/countersign/db"
	"github.com/parchmint/countersign/logger"
	"github.com/parchmint/countersign/mailbox"
	"github.com/parchmint/countersign/parser"
	"github.com/parchmint/countersign/pkg/metrics"
)

// ErrCheckAlreadyRunning is returned when a check is requested while another
// one is still in flight. Checks are single-flight; overlapping runs would
// fetch and apply the same unseen messages twice.
var ErrCheckAlreadyRunning = errors.New("approval check already running")

// MinCheckInterval is the floor for the scheduled poll interval.
const MinCheckInterval = 30 * time.Second

// RunSummary is the outcome of one approval check cycle.
type RunSummary struct {
	StartedAt       time.Time
	Duration        time.Duration
	Messages        int // unseen messages fetched
	Applied         int // decisions that changed document state
	AlreadyConsumed int // idempotent replays of consumed tokens
	Invalid         int // expired, unknown or conflicting tokens
	Ignored         int // unrelated mail without a token reference
	Malformed       int // token present but outcome missing or ambiguous
	Errors          int // infrastructure failures during the run

	// Details holds one line per soft failure (which UID, what went
	// wrong) so programmatic callers see what the logs see.
	Details []string
}

func (s *RunSummary) note(format string, args ...interface{}) {
	s.Details = append(s.Details, fmt.Sprintf(format, args...))
}

func (s *RunSummary) String() string {
	return fmt.Sprintf("messages=%d applied=%d already_consumed=%d invalid=%d ignored=%d malformed=%d errors=%d",
		s.Messages, s.Applied, s.AlreadyConsumed, s.Invalid, s.Ignored, s.Malformed, s.Errors)
}

// Engine schedules and runs approval checks against the reply mailbox.
type Engine struct {
	source  mailbox.Source
	applier Applier
	store   Store

	interval time.Duration

	mu       sync.Mutex
	checking bool

	startStop sync.Mutex
	running   bool
	stopCh    chan struct{}
	notifyCh  chan struct{}
	wg        sync.WaitGroup
}

// NewEngine builds an engine. Intervals below MinCheckInterval are clamped.
func NewEngine(source mailbox.Source, applier Applier, store Store, interval time.Duration) *Engine {
	if interval < MinCheckInterval {
		logger.Warn("Check interval below minimum, clamping", "interval", interval, "minimum", MinCheckInterval)
		interval = MinCheckInterval
	}
	return &Engine{
		source:   source,
		applier:  applier,
		store:    store,
		interval: interval,
		notifyCh: make(chan struct{}, 1),
	}
}

// RunCheck performs one poll cycle: fetch unseen replies, classify each one
// and apply the decisions. At most one check runs at a time; a second caller
// gets ErrCheckAlreadyRunning instead of waiting.
//
// A message is marked seen only once its effect is durable (or provably can
// never apply). Malformed messages and messages that hit infrastructure
// failures stay unseen, so they are retried or reviewed on a later cycle
// without blocking the rest of the batch.
func (e *Engine) RunCheck(ctx context.Context) (*RunSummary, error) {
	e.mu.Lock()
	if e.checking {
		e.mu.Unlock()
		return nil, ErrCheckAlreadyRunning
	}
	e.checking = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.checking = false
		e.mu.Unlock()
	}()

	summary := &RunSummary{StartedAt: time.Now()}
	defer func() {
		summary.Duration = time.Since(summary.StartedAt)
		metrics.CheckRunDuration.Observe(summary.Duration.Seconds())
		result := "ok"
		if summary.Errors > 0 {
			result = "errors"
		}
		metrics.CheckRunsTotal.WithLabelValues(result).Inc()
		e.recordRun(ctx, summary)
	}()

	session, err := e.source.Connect(ctx)
	if err != nil {
		logger.Error("Approval check could not reach mailbox", "error", err)
		summary.Errors++
		summary.note("connect failed: %v", err)
		return summary, nil
	}
	defer session.Close()

	messages, err := session.FetchUnseen(ctx)
	if err != nil {
		logger.Error("Approval check could not fetch unseen messages", "error", err)
		summary.Errors++
		summary.note("fetch failed: %v", err)
		return summary, nil
	}

	summary.Messages = len(messages)
	if len(messages) == 0 {
		logger.Debug("Approval check found no unseen messages")
		return summary, nil
	}

	logger.Info("Approval check processing unseen messages", "count", len(messages))

	for _, msg := range messages {
		e.handleMessage(ctx, session, msg, summary)
	}

	logger.Info("Approval check finished", "summary", summary.String())
	return summary, nil
}

func (e *Engine) handleMessage(ctx context.Context, session mailbox.Session, msg mailbox.RawMessage, summary *RunSummary) {
	result := parser.Parse(msg.Raw)
	metrics.MessagesClassifiedTotal.WithLabelValues(result.Classification.String()).Inc()

	switch result.Classification {
	case parser.ClassIgnored:
		summary.Ignored++
		e.markSeen(ctx, session, msg, summary)

	case parser.ClassMalformed:
		// Left unseen on purpose: a human can still act on it, and the
		// next cycle reports it again.
		summary.Malformed++
		summary.note("uid=%d malformed: %s", msg.UID, result.Reason)
		logger.Warn("Malformed approval reply left in mailbox",
			"uid", msg.UID,
			"subject", msg.Subject,
			"reason", result.Reason)

	case parser.ClassDecision:
		applyResult, err := e.applier.Apply(ctx, result.Decision, "")
		if err != nil {
			// Token stays pending and the message stays unseen; the next
			// cycle retries this decision.
			summary.Errors++
			summary.note("uid=%d apply failed: %v", msg.UID, err)
			logger.Error("Failed to apply decision, will retry next cycle",
				"uid", msg.UID,
				"token_id", result.Decision.TokenID,
				"error", err)
			return
		}

		switch applyResult.Status {
		case db.ApplyApplied:
			summary.Applied++
		case db.ApplyAlreadyConsumed:
			summary.AlreadyConsumed++
		default:
			summary.Invalid++
			summary.note("uid=%d %s: %s", msg.UID, applyResult.Status, applyResult.Reason)
		}
		// All non-error outcomes are terminal for this message; a replay
		// could never change the result.
		e.markSeen(ctx, session, msg, summary)
	}
}

func (e *Engine) markSeen(ctx context.Context, session mailbox.Session, msg mailbox.RawMessage, summary *RunSummary) {
	if err := session.MarkSeen(ctx, msg.UID); err != nil {
		// The decision itself is durable; at worst the message replays as
		// an idempotent already_consumed next cycle.
		summary.Errors++
		summary.note("uid=%d mark seen failed: %v", msg.UID, err)
		logger.Error("Failed to mark message seen", "uid", msg.UID, "error", err)
	}
}

// recordRun appends a run-level audit row. Quiet runs (no messages, no
// errors) are not recorded. Failures are logged only; the run already
// happened and its effects are committed.
func (e *Engine) recordRun(ctx context.Context, summary *RunSummary) {
	if summary.Messages == 0 && summary.Errors == 0 {
		return
	}
	if err := e.store.InsertAudit(ctx, &db.AuditEntry{
		Action:  db.AuditActionApprovalCheck,
		Actor:   "system",
		Details: summary.String(),
	}); err != nil {
		logger.Error("Failed to record check run in audit log", "error", err)
	}
}

// Start launches the periodic check loop.
func (e *Engine) Start(ctx context.Context) {
	e.startStop.Lock()
	defer e.startStop.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		logger.Info("Approval engine started", "interval", e.interval)
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.runScheduled(ctx)
			case <-e.notifyCh:
				e.runScheduled(ctx)
			case <-e.stopCh:
				logger.Info("Approval engine stopped")
				return
			case <-ctx.Done():
				logger.Info("Approval engine context cancelled")
				return
			}
		}
	}()
}

func (e *Engine) runScheduled(ctx context.Context) {
	if _, err := e.RunCheck(ctx); err != nil {
		if errors.Is(err, ErrCheckAlreadyRunning) {
			logger.Debug("Skipping scheduled check, previous run still in flight")
			return
		}
		logger.Error("Scheduled approval check failed", "error", err)
	}
}

// Notify nudges the engine to run a check soon, ahead of the next tick.
// Used after issuing a request so a prompt reply is picked up quickly.
func (e *Engine) Notify() {
	select {
	case e.notifyCh <- struct{}{}:
	default:
	}
}

// Stop halts the loop and waits for an in-flight check to finish.
func (e *Engine) Stop() {
	e.startStop.Lock()
	defer e.startStop.Unlock()
	if !e.running {
		return
	}
	e.running = false
	close(e.stopCh)
	e.wg.Wait()
}
