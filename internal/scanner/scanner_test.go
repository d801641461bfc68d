package scanner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/taskops/nudged/internal/store"
)

type fakeAuth struct {
	err   error
	calls int
}

func (f *fakeAuth) Authenticate(ctx context.Context, login, key string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "tick-token", nil
}

// recordingProcessor collects processed task ids and optionally unlocks or
// deletes the row the way a real worker run would.
type recordingProcessor struct {
	mu        sync.Mutex
	processed []uint64
	tokens    map[string]bool
	err       error
	onProcess func(ctx context.Context, taskID uint64) error
}

func (p *recordingProcessor) Process(ctx context.Context, taskID uint64, token string) error {
	p.mu.Lock()
	p.processed = append(p.processed, taskID)
	if p.tokens == nil {
		p.tokens = map[string]bool{}
	}
	p.tokens[token] = true
	p.mu.Unlock()
	if p.onProcess != nil {
		return p.onProcess(ctx, taskID)
	}
	return p.err
}

func (p *recordingProcessor) ids() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]uint64(nil), p.processed...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "tasks.db"), "UTC", logger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func insertDue(t *testing.T, st *store.Store, taskID uint64) {
	t.Helper()
	past := "2020-01-01T00:00:00+00:00"
	if err := st.Insert(context.Background(), taskID, past, past); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
}

func testConfig() Config {
	return Config{
		Login:       "bot@example.com",
		SecurityKey: "key",
		Interval:    time.Second,
		LockExpiry:  10 * time.Minute,
		Limit:       10,
		MaxWorkers:  4,
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickDispatchesDueTasks(t *testing.T) {
	st := newTestStore(t)
	auth := &fakeAuth{}
	proc := &recordingProcessor{
		onProcess: func(ctx context.Context, taskID uint64) error {
			return st.Unlock(ctx, taskID)
		},
	}
	for id := uint64(1); id <= 3; id++ {
		insertDue(t, st, id)
	}

	New(st, auth, proc, testConfig(), discard()).Tick(context.Background())

	want := []uint64{1, 2, 3}
	got := proc.ids()
	if len(got) != len(want) {
		t.Fatalf("processed = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("processed = %v, want %v", got, want)
		}
	}
	if !proc.tokens["tick-token"] {
		t.Error("workers must receive the tick's token")
	}
}

func TestTickSkipsAuthFailure(t *testing.T) {
	st := newTestStore(t)
	auth := &fakeAuth{err: errors.New("bad credentials")}
	proc := &recordingProcessor{}
	insertDue(t, st, 1)

	New(st, auth, proc, testConfig(), discard()).Tick(context.Background())

	if len(proc.ids()) != 0 {
		t.Error("no task may be dispatched when authentication fails")
	}
	row, err := st.GetRow(context.Background(), 1)
	if err != nil {
		t.Fatalf("row must be untouched: %v", err)
	}
	if row.Processing {
		t.Error("a failed tick must not leave rows locked")
	}
}

func TestTickSkipsLockedRows(t *testing.T) {
	st := newTestStore(t)
	proc := &recordingProcessor{}
	insertDue(t, st, 1)
	insertDue(t, st, 2)
	if ok, err := st.TryLock(context.Background(), 1); err != nil || !ok {
		t.Fatalf("pre-lock failed: ok=%v err=%v", ok, err)
	}

	New(st, &fakeAuth{}, proc, testConfig(), discard()).Tick(context.Background())

	got := proc.ids()
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("processed = %v, want only the unlocked task 2", got)
	}
}

func TestTickRecoversStaleLocks(t *testing.T) {
	st := newTestStore(t)
	proc := &recordingProcessor{}
	insertDue(t, st, 1)
	if ok, err := st.TryLock(context.Background(), 1); err != nil || !ok {
		t.Fatalf("pre-lock failed: ok=%v err=%v", ok, err)
	}

	cfg := testConfig()
	cfg.LockExpiry = 0 // every lock is immediately stale
	New(st, &fakeAuth{}, proc, cfg, discard()).Tick(context.Background())

	got := proc.ids()
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("processed = %v, want the recovered task 1", got)
	}
}

func TestTickHonorsLimit(t *testing.T) {
	st := newTestStore(t)
	proc := &recordingProcessor{}
	for id := uint64(1); id <= 5; id++ {
		insertDue(t, st, id)
	}

	cfg := testConfig()
	cfg.Limit = 2
	New(st, &fakeAuth{}, proc, cfg, discard()).Tick(context.Background())

	if got := proc.ids(); len(got) != 2 {
		t.Errorf("processed = %v, want exactly 2 tasks", got)
	}
}

func TestTickLogsAndContinuesOnWorkerFailure(t *testing.T) {
	st := newTestStore(t)
	proc := &recordingProcessor{err: errors.New("worker blew up")}
	insertDue(t, st, 1)
	insertDue(t, st, 2)

	// Must not panic or stop at the first failure.
	New(st, &fakeAuth{}, proc, testConfig(), discard()).Tick(context.Background())

	if got := proc.ids(); len(got) != 2 {
		t.Errorf("processed = %v, want both tasks attempted", got)
	}
}

func TestTickBoundsConcurrency(t *testing.T) {
	st := newTestStore(t)
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	proc := &recordingProcessor{
		onProcess: func(ctx context.Context, taskID uint64) error {
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return nil
		},
	}
	for id := uint64(1); id <= 6; id++ {
		insertDue(t, st, id)
	}

	cfg := testConfig()
	cfg.MaxWorkers = 2
	New(st, &fakeAuth{}, proc, cfg, discard()).Tick(context.Background())

	if maxSeen > 2 {
		t.Errorf("max concurrent workers = %d, want at most 2", maxSeen)
	}
	if got := proc.ids(); len(got) != 6 {
		t.Errorf("processed = %v, want all 6 tasks", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	st := newTestStore(t)
	proc := &recordingProcessor{}
	cfg := testConfig()
	cfg.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(st, &fakeAuth{}, proc, cfg, discard()).Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
