package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskops/nudged/internal/store"
)

const storeScopeName = "github.com/taskops/nudged/store"

// TaskStore is the full store surface the engine uses; both the SQLite store
// and its instrumented wrapper satisfy it.
type TaskStore interface {
	Insert(ctx context.Context, taskID uint64, due, nextRunAt string) error
	Exists(ctx context.Context, taskID uint64) (bool, error)
	FetchCandidates(ctx context.Context, limit int) ([]uint64, error)
	TryLock(ctx context.Context, taskID uint64) (bool, error)
	Unlock(ctx context.Context, taskID uint64) error
	BumpStepAndReschedule(ctx context.Context, taskID uint64, step int) error
	SetStep(ctx context.Context, taskID uint64, step int) error
	GetRow(ctx context.Context, taskID uint64) (*store.TaskRecord, error)
	Delete(ctx context.Context, taskID uint64) error
	RecoverStaleLocks(ctx context.Context, expiry time.Duration) ([]uint64, error)
}

// InstrumentedStore wraps a TaskStore with OTel tracing and metrics. Every
// operation gets a span and is counted in nudged.store.* metrics. Use
// WrapStore to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStore struct {
	inner TaskStore
	tr    trace.Tracer
	ops   metric.Int64Counter
	dur   metric.Float64Histogram
	errs  metric.Int64Counter
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStore(s TaskStore) TaskStore {
	if !Enabled() {
		return s
	}
	m := Meter(storeScopeName)
	ops, _ := m.Int64Counter("nudged.store.operations",
		metric.WithDescription("Total store operations executed"),
	)
	dur, _ := m.Float64Histogram("nudged.store.operation.duration",
		metric.WithDescription("Store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("nudged.store.errors",
		metric.WithDescription("Total store operation errors"),
	)
	return &InstrumentedStore{
		inner: s,
		tr:    Tracer(storeScopeName),
		ops:   ops,
		dur:   dur,
		errs:  errs,
	}
}

// observe runs op inside a span and records the operation metrics.
func (s *InstrumentedStore) observe(ctx context.Context, name string, taskID uint64, op func(context.Context) error) error {
	ctx, span := s.tr.Start(ctx, "store."+name)
	if taskID != 0 {
		span.SetAttributes(attribute.Int64("task.id", int64(taskID)))
	}
	defer span.End()

	start := time.Now()
	err := op(ctx)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	attrs := metric.WithAttributes(attribute.String("operation", name))
	s.ops.Add(ctx, 1, attrs)
	s.dur.Record(ctx, elapsed, attrs)
	if err != nil {
		s.errs.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *InstrumentedStore) Insert(ctx context.Context, taskID uint64, due, nextRunAt string) error {
	return s.observe(ctx, "Insert", taskID, func(ctx context.Context) error {
		return s.inner.Insert(ctx, taskID, due, nextRunAt)
	})
}

func (s *InstrumentedStore) Exists(ctx context.Context, taskID uint64) (bool, error) {
	var exists bool
	err := s.observe(ctx, "Exists", taskID, func(ctx context.Context) error {
		var err error
		exists, err = s.inner.Exists(ctx, taskID)
		return err
	})
	return exists, err
}

func (s *InstrumentedStore) FetchCandidates(ctx context.Context, limit int) ([]uint64, error) {
	var ids []uint64
	err := s.observe(ctx, "FetchCandidates", 0, func(ctx context.Context) error {
		var err error
		ids, err = s.inner.FetchCandidates(ctx, limit)
		return err
	})
	return ids, err
}

func (s *InstrumentedStore) TryLock(ctx context.Context, taskID uint64) (bool, error) {
	var locked bool
	err := s.observe(ctx, "TryLock", taskID, func(ctx context.Context) error {
		var err error
		locked, err = s.inner.TryLock(ctx, taskID)
		return err
	})
	return locked, err
}

func (s *InstrumentedStore) Unlock(ctx context.Context, taskID uint64) error {
	return s.observe(ctx, "Unlock", taskID, func(ctx context.Context) error {
		return s.inner.Unlock(ctx, taskID)
	})
}

func (s *InstrumentedStore) BumpStepAndReschedule(ctx context.Context, taskID uint64, step int) error {
	return s.observe(ctx, "BumpStepAndReschedule", taskID, func(ctx context.Context) error {
		return s.inner.BumpStepAndReschedule(ctx, taskID, step)
	})
}

func (s *InstrumentedStore) SetStep(ctx context.Context, taskID uint64, step int) error {
	return s.observe(ctx, "SetStep", taskID, func(ctx context.Context) error {
		return s.inner.SetStep(ctx, taskID, step)
	})
}

func (s *InstrumentedStore) GetRow(ctx context.Context, taskID uint64) (*store.TaskRecord, error) {
	var rec *store.TaskRecord
	err := s.observe(ctx, "GetRow", taskID, func(ctx context.Context) error {
		var err error
		rec, err = s.inner.GetRow(ctx, taskID)
		return err
	})
	return rec, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, taskID uint64) error {
	return s.observe(ctx, "Delete", taskID, func(ctx context.Context) error {
		return s.inner.Delete(ctx, taskID)
	})
}

func (s *InstrumentedStore) RecoverStaleLocks(ctx context.Context, expiry time.Duration) ([]uint64, error) {
	var ids []uint64
	err := s.observe(ctx, "RecoverStaleLocks", 0, func(ctx context.Context) error {
		var err error
		ids, err = s.inner.RecoverStaleLocks(ctx, expiry)
		return err
	})
	return ids, err
}

var _ TaskStore = (*InstrumentedStore)(nil)
var _ TaskStore = (*store.Store)(nil)
