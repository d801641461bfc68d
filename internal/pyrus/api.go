package pyrus

import "context"

// API abstracts the Pyrus operations the engine calls. This allows tests to
// substitute a fake implementation without a live Pyrus connection, and lets
// RetryingClient layer the retry policy over the raw client.
type API interface {
	Authenticate(ctx context.Context, login, securityKey string) (string, error)

	// Task inspection
	GetTask(ctx context.Context, taskID uint64, token string) (*Task, error)
	CheckTask(ctx context.Context, taskID uint64, token string) Presence
	GetDue(ctx context.Context, taskID uint64, token string) (string, error)
	IsTaskClosed(ctx context.Context, taskID uint64, token string) (bool, error)
	BotIsSubscriber(ctx context.Context, taskID uint64, token string) (bool, error)

	// People
	GetResponsible(ctx context.Context, taskID uint64, token string) (MemberInfo, error)
	GetMember(ctx context.Context, memberID uint64, token string) (MemberInfo, error)

	// Mutations
	SendComment(ctx context.Context, token string, taskID uint64, text string, members MembersInfo) error
	AddSubscribers(ctx context.Context, taskID uint64, token string, memberIDs []uint64) error
	RemoveBotFromSubscribers(ctx context.Context, taskID uint64, token string) error
	UpdateClientField(ctx context.Context, parentTaskID uint64, token string, taskID uint64) error
}

var (
	_ API = (*Client)(nil)
	_ API = (*RetryingClient)(nil)
)

// RetryingClient decorates an API with the Retrier's policy, mirroring how
// callers are expected to reach Pyrus. Operations tied to a locked task row
// go through DoTask so a terminal failure releases the row; the existence
// probe and raw task fetch stay single-attempt, since their callers handle
// failure themselves.
type RetryingClient struct {
	api API
	r   *Retrier
}

// NewRetryingClient wraps api with the retry policy of r.
func NewRetryingClient(api API, r *Retrier) *RetryingClient {
	return &RetryingClient{api: api, r: r}
}

func (rc *RetryingClient) Authenticate(ctx context.Context, login, securityKey string) (string, error) {
	var token string
	err := rc.r.Do(ctx, "authenticate", func(ctx context.Context) error {
		var err error
		token, err = rc.api.Authenticate(ctx, login, securityKey)
		return err
	})
	return token, err
}

func (rc *RetryingClient) GetTask(ctx context.Context, taskID uint64, token string) (*Task, error) {
	return rc.api.GetTask(ctx, taskID, token)
}

func (rc *RetryingClient) CheckTask(ctx context.Context, taskID uint64, token string) Presence {
	return rc.api.CheckTask(ctx, taskID, token)
}

func (rc *RetryingClient) GetDue(ctx context.Context, taskID uint64, token string) (string, error) {
	var due string
	err := rc.r.DoTask(ctx, taskID, "get due", func(ctx context.Context) error {
		var err error
		due, err = rc.api.GetDue(ctx, taskID, token)
		return err
	})
	return due, err
}

func (rc *RetryingClient) IsTaskClosed(ctx context.Context, taskID uint64, token string) (bool, error) {
	var closed bool
	err := rc.r.DoTask(ctx, taskID, "is task closed", func(ctx context.Context) error {
		var err error
		closed, err = rc.api.IsTaskClosed(ctx, taskID, token)
		return err
	})
	return closed, err
}

func (rc *RetryingClient) BotIsSubscriber(ctx context.Context, taskID uint64, token string) (bool, error) {
	var subscribed bool
	err := rc.r.DoTask(ctx, taskID, "bot is subscriber", func(ctx context.Context) error {
		var err error
		subscribed, err = rc.api.BotIsSubscriber(ctx, taskID, token)
		return err
	})
	return subscribed, err
}

func (rc *RetryingClient) GetResponsible(ctx context.Context, taskID uint64, token string) (MemberInfo, error) {
	var member MemberInfo
	err := rc.r.DoTask(ctx, taskID, "get responsible", func(ctx context.Context) error {
		var err error
		member, err = rc.api.GetResponsible(ctx, taskID, token)
		return err
	})
	return member, err
}

func (rc *RetryingClient) GetMember(ctx context.Context, memberID uint64, token string) (MemberInfo, error) {
	var member MemberInfo
	err := rc.r.DoTask(ctx, memberID, "get member", func(ctx context.Context) error {
		var err error
		member, err = rc.api.GetMember(ctx, memberID, token)
		return err
	})
	return member, err
}

func (rc *RetryingClient) SendComment(ctx context.Context, token string, taskID uint64, text string, members MembersInfo) error {
	return rc.r.DoTask(ctx, taskID, "send comment", func(ctx context.Context) error {
		return rc.api.SendComment(ctx, token, taskID, text, members)
	})
}

func (rc *RetryingClient) AddSubscribers(ctx context.Context, taskID uint64, token string, memberIDs []uint64) error {
	return rc.r.DoTask(ctx, taskID, "add subscribers", func(ctx context.Context) error {
		return rc.api.AddSubscribers(ctx, taskID, token, memberIDs)
	})
}

func (rc *RetryingClient) RemoveBotFromSubscribers(ctx context.Context, taskID uint64, token string) error {
	return rc.r.DoTask(ctx, taskID, "remove bot from subscribers", func(ctx context.Context) error {
		return rc.api.RemoveBotFromSubscribers(ctx, taskID, token)
	})
}

func (rc *RetryingClient) UpdateClientField(ctx context.Context, parentTaskID uint64, token string, taskID uint64) error {
	return rc.r.DoTask(ctx, parentTaskID, "update client field", func(ctx context.Context) error {
		return rc.api.UpdateClientField(ctx, parentTaskID, token, taskID)
	})
}
