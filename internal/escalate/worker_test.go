package escalate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/taskops/nudged/internal/pyrus"
	"github.com/taskops/nudged/internal/store"
	"github.com/taskops/nudged/internal/timeutil"
)

const (
	testFirstManager  = 501
	testSecondManager = 502
)

// fakeAPI scripts the Pyrus responses a worker run observes and records the
// mutations it issues.
type fakeAPI struct {
	presence    pyrus.Presence
	closed      bool
	subscriber  bool
	responsible pyrus.MemberInfo

	closedErr      error
	responsibleErr error
	memberErr      error
	commentErr     error
	removeBotErr   error

	comments   []sentComment
	removeBots int
}

type sentComment struct {
	taskID  uint64
	text    string
	members pyrus.MembersInfo
}

func (f *fakeAPI) Authenticate(ctx context.Context, login, key string) (string, error) {
	return "token", nil
}

func (f *fakeAPI) GetTask(ctx context.Context, taskID uint64, token string) (*pyrus.Task, error) {
	return &pyrus.Task{ID: taskID}, nil
}

func (f *fakeAPI) CheckTask(ctx context.Context, taskID uint64, token string) pyrus.Presence {
	return f.presence
}

func (f *fakeAPI) GetDue(ctx context.Context, taskID uint64, token string) (string, error) {
	return "2030-01-01T00:00:00+00:00", nil
}

func (f *fakeAPI) IsTaskClosed(ctx context.Context, taskID uint64, token string) (bool, error) {
	return f.closed, f.closedErr
}

func (f *fakeAPI) BotIsSubscriber(ctx context.Context, taskID uint64, token string) (bool, error) {
	return f.subscriber, nil
}

func (f *fakeAPI) GetResponsible(ctx context.Context, taskID uint64, token string) (pyrus.MemberInfo, error) {
	return f.responsible, f.responsibleErr
}

func (f *fakeAPI) GetMember(ctx context.Context, memberID uint64, token string) (pyrus.MemberInfo, error) {
	if f.memberErr != nil {
		return pyrus.MemberInfo{}, f.memberErr
	}
	switch memberID {
	case testFirstManager:
		return pyrus.MemberInfo{ID: memberID, Fullname: "First Manager"}, nil
	case testSecondManager:
		return pyrus.MemberInfo{ID: memberID, Fullname: "Second Manager"}, nil
	}
	return pyrus.MemberInfo{}, errors.New("unknown member")
}

func (f *fakeAPI) SendComment(ctx context.Context, token string, taskID uint64, text string, members pyrus.MembersInfo) error {
	if f.commentErr != nil {
		return f.commentErr
	}
	f.comments = append(f.comments, sentComment{taskID: taskID, text: text, members: members})
	return nil
}

func (f *fakeAPI) AddSubscribers(ctx context.Context, taskID uint64, token string, memberIDs []uint64) error {
	return nil
}

func (f *fakeAPI) RemoveBotFromSubscribers(ctx context.Context, taskID uint64, token string) error {
	if f.removeBotErr != nil {
		return f.removeBotErr
	}
	f.removeBots++
	return nil
}

func (f *fakeAPI) UpdateClientField(ctx context.Context, parentTaskID uint64, token string, taskID uint64) error {
	return nil
}

func healthyAPI() *fakeAPI {
	return &fakeAPI{
		presence:    pyrus.PresencePresent,
		subscriber:  true,
		responsible: pyrus.MemberInfo{ID: 77, Fullname: "Task Owner"},
	}
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

// lockTask inserts a due row at the given step and takes its processing lock,
// the state a worker receives a task in.
func lockTask(t *testing.T, st *store.Store, taskID uint64, step int) {
	t.Helper()
	ctx := context.Background()
	due := "2030-01-01T00:00:00+00:00"
	if err := st.Insert(ctx, taskID, due, due); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if step != 1 {
		if err := st.SetStep(ctx, taskID, step); err != nil {
			t.Fatalf("set step failed: %v", err)
		}
	}
	ok, err := st.TryLock(ctx, taskID)
	if err != nil || !ok {
		t.Fatalf("try lock failed: ok=%v err=%v", ok, err)
	}
}

func newWorker(st *store.Store, api pyrus.API) *Worker {
	return NewWorker(st, api, Config{
		FirstManagerID:  testFirstManager,
		SecondManagerID: testSecondManager,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestProcessMissingRowIsSilent(t *testing.T) {
	st := newTestStore(t)
	api := healthyAPI()

	if err := newWorker(st, api).Process(context.Background(), 42, "token"); err != nil {
		t.Fatalf("missing row should terminate silently, got %v", err)
	}
	if len(api.comments) != 0 {
		t.Error("no comment should be posted for a missing row")
	}
}

func TestProcessAbsentTaskRetiresRow(t *testing.T) {
	st := newTestStore(t)
	api := healthyAPI()
	api.presence = pyrus.PresenceAbsent
	lockTask(t, st, 42, 1)

	if err := newWorker(st, api).Process(context.Background(), 42, "token"); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if exists, _ := st.Exists(context.Background(), 42); exists {
		t.Error("a revoked task must be deleted")
	}
	if len(api.comments) != 0 {
		t.Error("no comment should be posted for a revoked task")
	}
}

func TestProcessUnknownPresenceUnlocks(t *testing.T) {
	st := newTestStore(t)
	api := healthyAPI()
	api.presence = pyrus.PresenceUnknown
	lockTask(t, st, 42, 1)

	if err := newWorker(st, api).Process(context.Background(), 42, "token"); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	row, err := st.GetRow(context.Background(), 42)
	if err != nil {
		t.Fatalf("row must survive a transient probe failure: %v", err)
	}
	if row.Processing || row.LockedAt != nil {
		t.Errorf("row must be unlocked for the next scan, got %+v", row)
	}
	if row.Step != 1 {
		t.Errorf("step = %d, want unchanged 1", row.Step)
	}
}

func TestProcessClosedTaskRetires(t *testing.T) {
	st := newTestStore(t)
	api := healthyAPI()
	api.closed = true
	lockTask(t, st, 42, 2)

	if err := newWorker(st, api).Process(context.Background(), 42, "token"); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if exists, _ := st.Exists(context.Background(), 42); exists {
		t.Error("a closed task must be deleted")
	}
	if api.removeBots != 1 {
		t.Errorf("unsubscribe count = %d, want 1", api.removeBots)
	}
}

func TestProcessUnsubscribedTaskRetires(t *testing.T) {
	st := newTestStore(t)
	api := healthyAPI()
	api.subscriber = false
	lockTask(t, st, 42, 2)

	if err := newWorker(st, api).Process(context.Background(), 42, "token"); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if exists, _ := st.Exists(context.Background(), 42); exists {
		t.Error("a task the bot no longer follows must be deleted")
	}
}

func TestProcessRetireSurvivesUnsubscribeFailure(t *testing.T) {
	st := newTestStore(t)
	api := healthyAPI()
	api.closed = true
	api.removeBotErr = errors.New("pyrus is down")
	lockTask(t, st, 42, 1)

	if err := newWorker(st, api).Process(context.Background(), 42, "token"); err != nil {
		t.Fatalf("unsubscribe failure must not fail the retire: %v", err)
	}
	if exists, _ := st.Exists(context.Background(), 42); exists {
		t.Error("row must be deleted even when the unsubscribe fails")
	}
}

func TestProcessNudgeAdvancesStep(t *testing.T) {
	st := newTestStore(t)
	api := healthyAPI()
	lockTask(t, st, 42, 2)

	if err := newWorker(st, api).Process(context.Background(), 42, "token"); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if len(api.comments) != 1 {
		t.Fatalf("comment count = %d, want 1", len(api.comments))
	}
	c := api.comments[0]
	if c.members.User.ID != 77 || len(c.members.Managers) != 0 {
		t.Errorf("nudge must mention only the responsible, got %+v", c.members)
	}

	row, err := st.GetRow(context.Background(), 42)
	if err != nil {
		t.Fatalf("row must survive a nudge: %v", err)
	}
	if row.Step != 3 {
		t.Errorf("step = %d, want 3", row.Step)
	}
	if row.Processing || row.LockedAt != nil {
		t.Errorf("row must be unlocked after a nudge, got %+v", row)
	}
	next, err := timeutil.ParseISOToUTC(row.NextRunAt)
	if err != nil {
		t.Fatalf("next_run_at %q must be parseable: %v", row.NextRunAt, err)
	}
	if hh, mm := next.Hour(), next.Minute(); hh != 10 || mm != 40 {
		t.Errorf("next_run_at = %q, want the 10:40 UTC slot", row.NextRunAt)
	}
}

func TestProcessFinalStepEscalatesAndRetires(t *testing.T) {
	st := newTestStore(t)
	api := healthyAPI()
	lockTask(t, st, 42, 4)

	if err := newWorker(st, api).Process(context.Background(), 42, "token"); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if len(api.comments) != 1 {
		t.Fatalf("comment count = %d, want 1", len(api.comments))
	}
	c := api.comments[0]
	if len(c.members.Managers) != 2 {
		t.Fatalf("managers mentioned = %d, want 2", len(c.members.Managers))
	}
	if c.members.Managers[0].ID != testFirstManager || c.members.Managers[1].ID != testSecondManager {
		t.Errorf("managers = %+v, want the configured pair in order", c.members.Managers)
	}
	if api.removeBots != 1 {
		t.Errorf("unsubscribe count = %d, want exactly 1", api.removeBots)
	}
	if exists, _ := st.Exists(context.Background(), 42); exists {
		t.Error("the row must be deleted after the final escalation")
	}
}

func TestProcessFinalStepManagerLookupFailure(t *testing.T) {
	st := newTestStore(t)
	api := healthyAPI()
	api.memberErr = &pyrus.APIError{Message: "empty manager"}
	lockTask(t, st, 42, 4)

	err := newWorker(st, api).Process(context.Background(), 42, "token")
	if err == nil {
		t.Fatal("expected a manager lookup error")
	}
	var apiErr *pyrus.APIError
	if !errors.As(err, &apiErr) {
		t.Errorf("error %v should carry the APIError", err)
	}
	if len(api.comments) != 0 {
		t.Error("no comment may be posted when a manager lookup fails")
	}
	if exists, _ := st.Exists(context.Background(), 42); !exists {
		t.Error("the row must survive a failed escalation")
	}
}

func TestProcessCommentFailureKeepsStep(t *testing.T) {
	st := newTestStore(t)
	api := healthyAPI()
	api.commentErr = errors.New("pyrus is down")
	lockTask(t, st, 42, 2)

	if err := newWorker(st, api).Process(context.Background(), 42, "token"); err == nil {
		t.Fatal("expected the comment failure to propagate")
	}
	row, err := st.GetRow(context.Background(), 42)
	if err != nil {
		t.Fatalf("row must survive a failed nudge: %v", err)
	}
	if row.Step != 2 {
		t.Errorf("step = %d, want unchanged 2", row.Step)
	}
}

func TestProcessInvalidStepIsReset(t *testing.T) {
	st := newTestStore(t)
	api := healthyAPI()
	lockTask(t, st, 42, 0)

	if err := newWorker(st, api).Process(context.Background(), 42, "token"); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	row, err := st.GetRow(context.Background(), 42)
	if err != nil {
		t.Fatalf("row must survive the reset: %v", err)
	}
	if row.Step != 1 || row.Processing {
		t.Errorf("row = %+v, want step 1 and unlocked", row)
	}
	if len(api.comments) != 0 {
		t.Error("no comment is posted while resetting an invalid step")
	}
}

func TestProcessClosedCheckFailurePropagates(t *testing.T) {
	st := newTestStore(t)
	api := healthyAPI()
	api.closedErr = errors.New("pyrus is down")
	lockTask(t, st, 42, 1)

	err := newWorker(st, api).Process(context.Background(), 42, "token")
	if err == nil || !strings.Contains(err.Error(), "check task closed") {
		t.Fatalf("err = %v, want the closed-check failure", err)
	}
}
