// Package scanner drives the periodic escalation cycle: every tick it
// authenticates against Pyrus, breaks stale worker locks, selects due tasks,
// and dispatches each one to the bounded worker pool.
package scanner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// TaskStore is the slice of the store a tick reads and locks.
type TaskStore interface {
	RecoverStaleLocks(ctx context.Context, expiry time.Duration) ([]uint64, error)
	FetchCandidates(ctx context.Context, limit int) ([]uint64, error)
	TryLock(ctx context.Context, taskID uint64) (bool, error)
	Unlock(ctx context.Context, taskID uint64) error
}

// Processor runs the escalation state machine for one locked task.
type Processor interface {
	Process(ctx context.Context, taskID uint64, token string) error
}

// Authenticator acquires the bearer token a tick hands to every worker.
type Authenticator interface {
	Authenticate(ctx context.Context, login, securityKey string) (string, error)
}

// Config tunes the scan cycle.
type Config struct {
	Login       string
	SecurityKey string
	Interval    time.Duration // tick period
	LockExpiry  time.Duration // stale-lock threshold
	Limit       int           // max candidates per tick
	MaxWorkers  int64         // worker pool bound, shared across ticks
}

// Scanner owns the tick loop. The worker pool bound is global: overlapping
// ticks share one semaphore, so a slow tick cannot oversubscribe the pool.
type Scanner struct {
	store  TaskStore
	api    Authenticator
	worker Processor
	cfg    Config
	sem    *semaphore.Weighted
	log    *slog.Logger
}

// New builds a Scanner.
func New(st TaskStore, api Authenticator, worker Processor, cfg Config, logger *slog.Logger) *Scanner {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		store:  st,
		api:    api,
		worker: worker,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxWorkers),
		log:    logger,
	}
}

// Run fires the scan tick every interval until ctx is canceled. Each tick
// runs on a fresh goroutine so a slow tick never delays the timer; per-task
// locks keep overlapping ticks from double-processing a row.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.Info("scanner started", "interval", s.cfg.Interval, "max_workers", s.cfg.MaxWorkers)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scanner stopped")
			return
		case <-ticker.C:
			go s.Tick(ctx)
		}
	}
}

// Tick runs one scan cycle. Failures are logged and swallowed: one bad tick
// must not stop the schedule, and any row left locked by a crash is freed by
// stale-lock recovery on a later tick.
func (s *Scanner) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scan tick panicked", "panic", r)
		}
	}()

	log := s.log.With("scan_id", uuid.NewString())

	token, err := s.api.Authenticate(ctx, s.cfg.Login, s.cfg.SecurityKey)
	if err != nil {
		log.Error("authentication failed, skipping tick", "error", err)
		return
	}

	if _, err := s.store.RecoverStaleLocks(ctx, s.cfg.LockExpiry); err != nil {
		log.Error("stale lock recovery failed", "error", err)
	}

	candidates, err := s.store.FetchCandidates(ctx, s.cfg.Limit)
	if err != nil {
		log.Error("failed to fetch candidates", "error", err)
		return
	}
	if len(candidates) == 0 {
		return
	}
	log.Info("dispatching due tasks", "count", len(candidates))

	var wg sync.WaitGroup
	for _, taskID := range candidates {
		locked, err := s.store.TryLock(ctx, taskID)
		if err != nil {
			log.Error("failed to lock task", "task_id", taskID, "error", err)
			continue
		}
		if !locked {
			log.Info("task is already being processed", "task_id", taskID)
			continue
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			// Shutting down; release the row so the next start picks it up.
			if uerr := s.store.Unlock(context.Background(), taskID); uerr != nil {
				log.Error("failed to unlock task during shutdown", "task_id", taskID, "error", uerr)
			}
			break
		}
		wg.Add(1)
		go func(taskID uint64) {
			defer wg.Done()
			defer s.sem.Release(1)
			if err := s.worker.Process(ctx, taskID, token); err != nil {
				log.Error("task processing failed", "task_id", taskID, "error", err)
				return
			}
			log.Info("task processed", "task_id", taskID)
		}(taskID)
	}
	wg.Wait()
}
