package pyrus

import (
	"encoding/json"

	"github.com/taskops/nudged/internal/timeutil"
)

// HasClientField reports whether the fields contain a form field with the
// given id whose value carries a non-empty task_id, meaning the task is
// already linked to a client task.
func HasClientField(fields []FormField, clientFieldID uint64) bool {
	for _, f := range fields {
		if f.ID != clientFieldID || len(f.Value) == 0 {
			continue
		}
		var v struct {
			TaskID uint64 `json:"task_id"`
		}
		if err := json.Unmarshal(f.Value, &v); err != nil {
			continue
		}
		if v.TaskID != 0 {
			return true
		}
	}
	return false
}

// DueDiffers reports whether a task's current due differs from the stored
// one. Parse failures and missing values are treated as "no change" so a
// malformed date never triggers a reschedule; failures are logged.
func (c *Client) DueDiffers(taskID uint64, newDue, storedDue string) bool {
	if newDue == "" || storedDue == "" {
		return false
	}
	newT, err := timeutil.ParseISOToUTC(newDue)
	if err != nil {
		c.Log.Error("invalid due format", "task_id", taskID, "due", newDue, "error", err)
		return false
	}
	storedT, err := timeutil.ParseISOToUTC(storedDue)
	if err != nil {
		c.Log.Error("invalid due format", "task_id", taskID, "due", storedDue, "error", err)
		return false
	}
	if !newT.Equal(storedT) {
		c.Log.Info("due date differs", "task_id", taskID)
		return true
	}
	return false
}
