// Package webhook receives task notifications from Pyrus and decides which
// tasks enter the reminder table. Every request is authenticated with the
// HMAC-SHA1 scheme Pyrus signs webhook deliveries with.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/taskops/nudged/internal/store"
	"github.com/taskops/nudged/internal/timeutil"
)

// TaskStore is the slice of the store the admission path needs.
type TaskStore interface {
	Insert(ctx context.Context, taskID uint64, due, nextRunAt string) error
	Exists(ctx context.Context, taskID uint64) (bool, error)
}

// Server handles HTTP requests for Pyrus webhook deliveries.
type Server struct {
	store      TaskStore
	secret     []byte
	botID      uint64
	log        *slog.Logger
	mux        *http.ServeMux
	httpServer *http.Server
}

// ServerConfig holds configuration for the webhook server.
type ServerConfig struct {
	Store  TaskStore
	Secret []byte // HMAC secret Pyrus signs deliveries with
	BotID  uint64 // subscriber id by which the engine recognizes itself
	Logger *slog.Logger
}

// NewServer creates a new webhook server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		store:  cfg.Store,
		secret: cfg.Secret,
		botID:  cfg.BotID,
		log:    cfg.Logger,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("/webhook", s.handleWebhook)
	s.mux.HandleFunc("/health", s.handleHealth)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the HTTP handler for use with custom servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// webhookTask is the slice of the task object the admission decision reads.
type webhookTask struct {
	ID               uint64          `json:"id"`
	Due              string          `json:"due"`
	DueDate          string          `json:"due_date"`
	Duration         json.RawMessage `json:"duration"`
	CreateDate       string          `json:"create_date"`
	LastModifiedDate string          `json:"last_modified_date"`
	Comments         []struct {
		SubscribersAdded []struct {
			ID uint64 `json:"id"`
		} `json:"subscribers_added"`
	} `json:"comments"`
}

// webhookPayload is the delivery body. The task id may arrive at the top
// level or inside the task object.
type webhookPayload struct {
	TaskID uint64       `json:"task_id"`
	Task   *webhookTask `json:"task"`
}

// handleWebhook handles POST /webhook.
//
// Flow: authenticate the delivery, resolve the task id and deadline, then
// admit the task iff this is the creation event (create_date equals
// last_modified_date) or the final comment just subscribed the bot. Anything
// else is a deliberate no-op 200 so Pyrus stops redelivering.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}
	defer func() { _ = r.Body.Close() }()

	log := s.log.With("request_id", uuid.NewString())

	body, err := VerifyRequest(r, s.secret)
	if err != nil {
		log.Warn("rejected webhook delivery", "error", err)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Task == nil {
		s.writeError(w, http.StatusBadRequest, "missing task object")
		return
	}
	taskID := payload.TaskID
	if taskID == 0 {
		taskID = payload.Task.ID
	}
	if taskID == 0 {
		s.writeError(w, http.StatusBadRequest, "missing task_id")
		return
	}
	log = log.With("task_id", taskID)

	due, err := resolveDue(payload.Task)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := timeutil.ParseISOToUTC(payload.Task.CreateDate)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid create_date")
		return
	}
	modified, err := timeutil.ParseISOToUTC(payload.Task.LastModifiedDate)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid last_modified_date")
		return
	}

	if !created.Equal(modified) && !s.lastCommentAddedBot(payload.Task) {
		log.Debug("webhook delivery is not an admission event")
		w.WriteHeader(http.StatusOK)
		return
	}

	err = s.store.Insert(r.Context(), taskID, due, due)
	switch {
	case errors.Is(err, store.ErrExists):
		log.Info("task is already tracked")
	case err != nil:
		log.Error("failed to insert task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "store failure")
		return
	default:
		log.Info("task admitted", "due", due)
	}
	w.WriteHeader(http.StatusOK)
}

// resolveDue extracts the deadline from a webhook task: due wins over
// due_date, and an integer duration (minutes) shifts the deadline by that
// much. A duration of any other JSON shape is ignored.
func resolveDue(task *webhookTask) (string, error) {
	raw := task.Due
	if raw == "" {
		raw = task.DueDate
	}
	if raw == "" {
		return "", errors.New("the task does not carry a due date")
	}

	if len(task.Duration) > 0 {
		var minutes int
		if err := json.Unmarshal(task.Duration, &minutes); err == nil {
			due, err := timeutil.AddMinutes(raw, minutes)
			if err != nil {
				return "", errors.New("invalid due date")
			}
			return due, nil
		}
	}

	due, err := timeutil.NormalizeDue(raw)
	if err != nil {
		return "", errors.New("invalid due date")
	}
	return due, nil
}

// lastCommentAddedBot reports whether the final comment of the delivery
// subscribed the bot, which Pyrus sends when someone invites the bot to an
// existing task.
func (s *Server) lastCommentAddedBot(task *webhookTask) bool {
	if len(task.Comments) == 0 {
		return false
	}
	last := task.Comments[len(task.Comments)-1]
	for _, p := range last.SubscribersAdded {
		if p.ID == s.botID {
			return true
		}
	}
	return false
}

// handleHealth handles GET /health for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
