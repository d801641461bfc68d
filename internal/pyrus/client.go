// Package pyrus implements the slice of the Pyrus v4 API the nudge engine
// uses: authentication, task retrieval and existence probes, member lookups,
// comment posting with mention markup, and subscriber management. Every
// remote interaction of the engine goes through this package; retry policy
// is layered on top by Retrier and RetryingClient.
package pyrus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds each HTTP round trip.
	DefaultTimeout = 30 * time.Second

	DefaultAuthURL = "https://accounts.pyrus.com/api/v4/auth"
	DefaultBaseURL = "https://api.pyrus.com/v4"
)

// Config carries the endpoints and identifiers the client needs. Empty URL
// fields fall back to production Pyrus; a zero timeout falls back to
// DefaultTimeout.
type Config struct {
	AuthURL       string
	BaseURL       string
	BotID         uint64
	ClientFieldID uint64
	Timeout       time.Duration
}

// Client is the raw Pyrus API client. Each method performs a single attempt;
// wrap it in a RetryingClient for retry semantics.
type Client struct {
	AuthURL       string
	BaseURL       string
	BotID         uint64
	ClientFieldID uint64
	HTTPClient    *http.Client
	Log           *slog.Logger
}

// NewClient creates a Pyrus client from cfg.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		AuthURL:       cfg.AuthURL,
		BaseURL:       cfg.BaseURL,
		BotID:         cfg.BotID,
		ClientFieldID: cfg.ClientFieldID,
		HTTPClient:    &http.Client{Timeout: cfg.Timeout},
		Log:           logger,
	}
}

func (c *Client) taskURL(taskID uint64) string {
	return fmt.Sprintf("%s/tasks/%d", c.BaseURL, taskID)
}

func (c *Client) commentsURL(taskID uint64) string {
	return fmt.Sprintf("%s/tasks/%d/comments", c.BaseURL, taskID)
}

func (c *Client) memberURL(memberID uint64) string {
	return fmt.Sprintf("%s/members/%d", c.BaseURL, memberID)
}

// request performs one HTTP round trip. Network failures come back as
// TransportError; the status code is returned for the caller to interpret.
func (c *Client) request(ctx context.Context, method, url, token string, body any) ([]byte, int, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, &TransportError{Err: err}
	}
	respBody, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, 0, &TransportError{Err: err}
	}
	return respBody, resp.StatusCode, nil
}

// snippet flattens and truncates a response body for error messages.
func snippet(body []byte) string {
	s := strings.ReplaceAll(string(body), "\n", " ")
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}

// parseEnvelope decodes a task-endpoint reply into the task envelope.
func parseEnvelope(body []byte, context string) (*taskEnvelope, error) {
	var env taskEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ProtocolError{
			Message: fmt.Sprintf("could not parse the %s response: %s", context, snippet(body)),
			Err:     err,
		}
	}
	return &env, nil
}

// Authenticate exchanges credentials for a bearer token.
func (c *Client) Authenticate(ctx context.Context, login, securityKey string) (string, error) {
	payload := map[string]string{"login": login, "security_key": securityKey}
	body, status, err := c.request(ctx, http.MethodPost, c.AuthURL, "", payload)
	if err != nil {
		return "", fmt.Errorf("could not get a token: %w", err)
	}
	if status < 200 || status >= 300 {
		return "", apiErrorf("could not get a token: status %d: %s", status, snippet(body))
	}
	var auth authResponse
	if err := json.Unmarshal(body, &auth); err != nil {
		return "", &ProtocolError{Message: "could not parse the auth response: " + snippet(body), Err: err}
	}
	if auth.AccessToken == "" {
		return "", apiErrorf("the auth response does not contain a token: %s", snippet(body))
	}
	return auth.AccessToken, nil
}

// GetTask retrieves the full task object. An HTTP 403 or an explicit
// access_denied_task reply comes back as ErrAccessDenied, which the retry
// layer treats as permanent.
func (c *Client) GetTask(ctx context.Context, taskID uint64, token string) (*Task, error) {
	body, status, err := c.request(ctx, http.MethodGet, c.taskURL(taskID), token, nil)
	if err != nil {
		return nil, fmt.Errorf("could not get task #%d: %w", taskID, err)
	}
	if status == http.StatusForbidden {
		return nil, fmt.Errorf("task #%d: %w", taskID, ErrAccessDenied)
	}
	if status < 200 || status >= 300 {
		return nil, apiErrorf("could not get task #%d: status %d: %s", taskID, status, snippet(body))
	}
	env, err := parseEnvelope(body, "task")
	if err != nil {
		return nil, err
	}
	if env.Task == nil {
		if strings.Contains(strings.ToLower(env.Error), "access_denied_task") {
			return nil, fmt.Errorf("task #%d: %w", taskID, ErrAccessDenied)
		}
		return nil, &ProtocolError{Message: fmt.Sprintf("task #%d reply lacks the task envelope: %s", taskID, snippet(body))}
	}
	return env.Task, nil
}

// CheckTask probes whether a task still exists and is accessible. The probe
// is total: access denial and remote deletion map to PresenceAbsent, and any
// other failure maps to PresenceUnknown so the caller can release the task
// and let a later scan retry.
func (c *Client) CheckTask(ctx context.Context, taskID uint64, token string) Presence {
	_, err := c.GetTask(ctx, taskID, token)
	switch {
	case err == nil:
		return PresencePresent
	case errors.Is(err, ErrAccessDenied):
		return PresenceAbsent
	default:
		c.Log.Warn("task existence probe failed", "task_id", taskID, "error", err)
		return PresenceUnknown
	}
}

// IsTaskClosed reports whether the task carries a close timestamp or the
// closed flag.
func (c *Client) IsTaskClosed(ctx context.Context, taskID uint64, token string) (bool, error) {
	task, err := c.GetTask(ctx, taskID, token)
	if err != nil {
		return false, err
	}
	return task.CloseDate != "" || task.IsClosed, nil
}

// BotIsSubscriber reports whether the configured bot id appears among the
// task's subscribers. A reply without any subscribers is an APIError: every
// tracked task has at least the bot itself.
func (c *Client) BotIsSubscriber(ctx context.Context, taskID uint64, token string) (bool, error) {
	task, err := c.GetTask(ctx, taskID, token)
	if err != nil {
		return false, err
	}
	if len(task.Subscribers) == 0 {
		return false, apiErrorf("task #%d reply does not contain subscribers", taskID)
	}
	for _, sub := range task.Subscribers {
		if sub.Person.ID == c.BotID {
			return true, nil
		}
	}
	return false, nil
}

// GetResponsible resolves the task's assignee to a mentionable identity.
func (c *Client) GetResponsible(ctx context.Context, taskID uint64, token string) (MemberInfo, error) {
	task, err := c.GetTask(ctx, taskID, token)
	if err != nil {
		return MemberInfo{}, err
	}
	if task.Responsible == nil {
		return MemberInfo{}, apiErrorf("task #%d reply does not contain a responsible", taskID)
	}
	return personToMember(*task.Responsible, fmt.Sprintf("task #%d responsible", taskID))
}

// GetMember looks a person up in the member directory.
func (c *Client) GetMember(ctx context.Context, memberID uint64, token string) (MemberInfo, error) {
	body, status, err := c.request(ctx, http.MethodGet, c.memberURL(memberID), token, nil)
	if err != nil {
		return MemberInfo{}, fmt.Errorf("could not get member #%d: %w", memberID, err)
	}
	if status < 200 || status >= 300 {
		return MemberInfo{}, apiErrorf("could not get member #%d: status %d: %s", memberID, status, snippet(body))
	}
	var person Person
	if err := json.Unmarshal(body, &person); err != nil {
		return MemberInfo{}, &ProtocolError{
			Message: fmt.Sprintf("could not parse the member response for #%d: %s", memberID, snippet(body)),
			Err:     err,
		}
	}
	return personToMember(person, fmt.Sprintf("member #%d", memberID))
}

// GetDue returns the task's due string.
func (c *Client) GetDue(ctx context.Context, taskID uint64, token string) (string, error) {
	task, err := c.GetTask(ctx, taskID, token)
	if err != nil {
		return "", err
	}
	if task.Due == "" {
		return "", apiErrorf("task #%d does not have a due date", taskID)
	}
	return task.Due, nil
}

// SendComment posts a nudge comment mentioning the user and, when managers
// are supplied, subscribes and mentions them too. The final body reads
// "{user}[, {manager}...], {text}" where every name is a mention span.
func (c *Client) SendComment(ctx context.Context, token string, taskID uint64, text string, members MembersInfo) error {
	var managerMentions []string
	if len(members.Managers) > 0 {
		ids := collectManagerIDs(members.Managers)
		if len(ids) == 0 {
			return apiErrorf("manager ids are missing for task #%d", taskID)
		}
		if err := c.AddSubscribers(ctx, taskID, token, ids); err != nil {
			return err
		}
		managerMentions = collectManagerMentions(members.Managers)
	}

	if members.User.ID == 0 || members.User.Fullname == "" {
		return apiErrorf("the user identity is missing for task #%d", taskID)
	}
	mentions := append([]string{BuildMentionSpan(members.User.ID, members.User.Fullname)}, managerMentions...)
	formatted := strings.Join(mentions, ", ") + ", " + text

	return c.postComment(ctx, taskID, token, map[string]string{"formatted_text": formatted}, "send a comment")
}

type personRef struct {
	ID uint64 `json:"id"`
}

type fieldUpdate struct {
	ID    uint64 `json:"id"`
	Value uint64 `json:"value"`
}

// AddSubscribers subscribes the given people to a task.
func (c *Client) AddSubscribers(ctx context.Context, taskID uint64, token string, memberIDs []uint64) error {
	refs := make([]personRef, 0, len(memberIDs))
	for _, id := range memberIDs {
		refs = append(refs, personRef{ID: id})
	}
	payload := map[string]any{"subscribers_added": refs}
	return c.postComment(ctx, taskID, token, payload, "add subscribers")
}

// RemoveBotFromSubscribers drops the bot from the task's subscriber list so
// a finished or abandoned task stops feeding events back.
func (c *Client) RemoveBotFromSubscribers(ctx context.Context, taskID uint64, token string) error {
	payload := map[string]any{"subscribers_removed": []personRef{{ID: c.BotID}}}
	return c.postComment(ctx, taskID, token, payload, "remove the bot from subscribers")
}

// UpdateClientField points the configured client form field of a task at its
// parent task.
func (c *Client) UpdateClientField(ctx context.Context, parentTaskID uint64, token string, taskID uint64) error {
	payload := map[string]any{
		"field_updates": []fieldUpdate{{ID: c.ClientFieldID, Value: parentTaskID}},
	}
	return c.postComment(ctx, taskID, token, payload, "update the client field")
}

// SetTaskClient runs the admin flow: authenticate with the admin credentials,
// then point the task's client field at the parent task.
func (c *Client) SetTaskClient(ctx context.Context, parentTaskID, taskID uint64, adminLogin, adminKey string) error {
	token, err := c.Authenticate(ctx, adminLogin, adminKey)
	if err != nil {
		return err
	}
	return c.UpdateClientField(ctx, parentTaskID, token, taskID)
}

// postComment posts a payload to the task's comments endpoint and verifies
// the reply carries the task envelope back.
func (c *Client) postComment(ctx context.Context, taskID uint64, token string, payload any, op string) error {
	body, status, err := c.request(ctx, http.MethodPost, c.commentsURL(taskID), token, payload)
	if err != nil {
		return fmt.Errorf("could not %s for task #%d: %w", op, taskID, err)
	}
	if status < 200 || status >= 300 {
		return apiErrorf("could not %s for task #%d: status %d: %s", op, taskID, status, snippet(body))
	}
	env, err := parseEnvelope(body, "comments")
	if err != nil {
		return err
	}
	if env.Task == nil {
		return apiErrorf("could not %s: invalid reply for task #%d: %s", op, taskID, snippet(body))
	}
	return nil
}

func joinName(first, last string) string {
	parts := make([]string, 0, 2)
	if first != "" {
		parts = append(parts, first)
	}
	if last != "" {
		parts = append(parts, last)
	}
	return strings.Join(parts, " ")
}

func personToMember(p Person, where string) (MemberInfo, error) {
	if p.ID == 0 {
		return MemberInfo{}, apiErrorf("the %s reply does not contain the member id", where)
	}
	name := joinName(p.FirstName, p.LastName)
	if name == "" {
		return MemberInfo{}, apiErrorf("the %s reply does not contain the member name", where)
	}
	return MemberInfo{ID: p.ID, Fullname: name}, nil
}
