// Package escalate runs the per-task escalation state machine. A worker
// invocation owns one locked task row: it checks the remote task is still
// worth nudging, posts the comment for the current step, and either
// reschedules the row for the next daily slot or retires it.
package escalate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/taskops/nudged/internal/pyrus"
	"github.com/taskops/nudged/internal/store"
)

// Default comment bodies, appended after the mention spans.
const (
	DefaultNudgeText    = "the task is overdue, please take care of it."
	DefaultEscalateText = "the task is still overdue, escalating to the managers."
	finalEscalationStep = 4
)

// TaskStore is the slice of the store the worker mutates. Only rows the
// scanner locked for this worker are touched.
type TaskStore interface {
	GetRow(ctx context.Context, taskID uint64) (*store.TaskRecord, error)
	Delete(ctx context.Context, taskID uint64) error
	Unlock(ctx context.Context, taskID uint64) error
	BumpStepAndReschedule(ctx context.Context, taskID uint64, step int) error
}

// Config names the people and texts the escalation uses.
type Config struct {
	FirstManagerID  uint64
	SecondManagerID uint64
	NudgeText       string // steps 1-3 comment body
	EscalateText    string // step 4 comment body
}

// Worker drives the escalation state machine for one task at a time.
type Worker struct {
	store TaskStore
	api   pyrus.API
	cfg   Config
	log   *slog.Logger
}

// NewWorker builds a Worker. Empty comment texts fall back to the defaults.
func NewWorker(st TaskStore, api pyrus.API, cfg Config, logger *slog.Logger) *Worker {
	if cfg.NudgeText == "" {
		cfg.NudgeText = DefaultNudgeText
	}
	if cfg.EscalateText == "" {
		cfg.EscalateText = DefaultEscalateText
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: st, api: api, cfg: cfg, log: logger}
}

// Process runs one escalation round for a locked task. The caller holds the
// row's processing lock; every path either releases it (reschedule, unlock)
// or retires the row (delete). On an error return the lock may still be
// held — the retry wrapper's unlock-on-fail and stale-lock recovery cover
// that case, so the next scan picks the task up again.
func (w *Worker) Process(ctx context.Context, taskID uint64, token string) error {
	log := w.log.With("task_id", taskID)

	row, err := w.store.GetRow(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		// Deleted concurrently; nothing to do.
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task row: %w", err)
	}

	switch w.api.CheckTask(ctx, taskID, token) {
	case pyrus.PresenceAbsent:
		log.Info("task is gone or access was revoked, retiring it")
		return w.store.Delete(ctx, taskID)
	case pyrus.PresenceUnknown:
		// Transient trouble; release the row and let a later scan retry.
		return w.store.Unlock(ctx, taskID)
	}

	closed, err := w.api.IsTaskClosed(ctx, taskID, token)
	if err != nil {
		return fmt.Errorf("check task closed: %w", err)
	}
	subscribed := false
	if !closed {
		subscribed, err = w.api.BotIsSubscriber(ctx, taskID, token)
		if err != nil {
			return fmt.Errorf("check bot subscription: %w", err)
		}
	}
	if closed || !subscribed {
		reason := "task closed"
		if !closed {
			reason = "bot is not a subscriber"
		}
		return w.retire(ctx, taskID, token, reason)
	}

	switch {
	case row.Step < 1:
		// A row that predates the step column; schedule it into the normal cycle.
		log.Warn("task row has no valid step, resetting to step 1", "step", row.Step)
		return w.store.BumpStepAndReschedule(ctx, taskID, 1)
	case row.Step < finalEscalationStep:
		return w.nudge(ctx, taskID, token, row.Step)
	default:
		return w.escalate(ctx, taskID, token)
	}
}

// nudge posts the reminder comment for steps 1-3 and moves the row to the
// next step at the next daily slot.
func (w *Worker) nudge(ctx context.Context, taskID uint64, token string, step int) error {
	responsible, err := w.api.GetResponsible(ctx, taskID, token)
	if err != nil {
		return fmt.Errorf("resolve responsible: %w", err)
	}
	members := pyrus.MembersInfo{User: responsible}
	if err := w.api.SendComment(ctx, token, taskID, w.cfg.NudgeText, members); err != nil {
		return fmt.Errorf("send nudge comment: %w", err)
	}
	if err := w.store.BumpStepAndReschedule(ctx, taskID, step+1); err != nil {
		return fmt.Errorf("reschedule task: %w", err)
	}
	w.log.Info("nudged responsible", "task_id", taskID, "step", step)
	return nil
}

// escalate runs the final step: mention the responsible and both managers,
// drop the bot from the task, and retire the row.
func (w *Worker) escalate(ctx context.Context, taskID uint64, token string) error {
	responsible, err := w.api.GetResponsible(ctx, taskID, token)
	if err != nil {
		return fmt.Errorf("resolve responsible: %w", err)
	}
	first, err := w.api.GetMember(ctx, w.cfg.FirstManagerID, token)
	if err != nil {
		return fmt.Errorf("resolve first manager: %w", err)
	}
	second, err := w.api.GetMember(ctx, w.cfg.SecondManagerID, token)
	if err != nil {
		return fmt.Errorf("resolve second manager: %w", err)
	}

	members := pyrus.MembersInfo{
		User:     responsible,
		Managers: []pyrus.MemberInfo{first, second},
	}
	if err := w.api.SendComment(ctx, token, taskID, w.cfg.EscalateText, members); err != nil {
		return fmt.Errorf("send escalation comment: %w", err)
	}
	if err := w.api.RemoveBotFromSubscribers(ctx, taskID, token); err != nil {
		return fmt.Errorf("remove bot from subscribers: %w", err)
	}
	if err := w.store.Delete(ctx, taskID); err != nil {
		return fmt.Errorf("delete escalated task: %w", err)
	}
	w.log.Info("escalation complete, task retired", "task_id", taskID)
	return nil
}

// retire deletes the row and, best effort, unsubscribes the bot so the task
// stops generating webhook traffic. The unsubscribe failure is logged, not
// returned: the row is already gone and the nudge cycle is over.
func (w *Worker) retire(ctx context.Context, taskID uint64, token, reason string) error {
	if err := w.store.Delete(ctx, taskID); err != nil {
		return fmt.Errorf("delete task row: %w", err)
	}
	if err := w.api.RemoveBotFromSubscribers(ctx, taskID, token); err != nil {
		w.log.Warn("failed to unsubscribe the bot from a retired task",
			"task_id", taskID, "error", err)
	}
	w.log.Info("task retired", "task_id", taskID, "reason", reason)
	return nil
}
