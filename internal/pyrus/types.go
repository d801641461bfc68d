package pyrus

import "encoding/json"

// Person is the identity shape Pyrus embeds for responsibles, subscribers,
// and directory members.
type Person struct {
	ID        uint64 `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Subscriber is one entry of a task's subscriber list.
type Subscriber struct {
	Person Person `json:"person"`
}

// Comment carries the slice of a task comment the engine inspects: the list
// of people the comment subscribed.
type Comment struct {
	SubscribersAdded []Person `json:"subscribers_added"`
}

// FormField is one form field of a task. Value shapes vary per field type,
// so it stays raw until a caller knows what to expect.
type FormField struct {
	ID    uint64          `json:"id"`
	Value json.RawMessage `json:"value"`
}

// Task is the task object Pyrus returns under the "task" envelope. Only the
// fields the engine reads are mapped.
type Task struct {
	ID               uint64       `json:"id"`
	Due              string       `json:"due"`
	DueDate          string       `json:"due_date"`
	CloseDate        string       `json:"close_date"`
	IsClosed         bool         `json:"is_closed"`
	CreateDate       string       `json:"create_date"`
	LastModifiedDate string       `json:"last_modified_date"`
	Responsible      *Person      `json:"responsible"`
	Subscribers      []Subscriber `json:"subscribers"`
	Comments         []Comment    `json:"comments"`
	Fields           []FormField  `json:"fields"`
}

// MemberInfo is the resolved identity used for mentions: a person id plus the
// display name Pyrus renders inside a mention span.
type MemberInfo struct {
	ID       uint64
	Fullname string
}

// MembersInfo names everyone a comment should mention: the responsible user
// and, for the final escalation, the managers to subscribe and mention.
type MembersInfo struct {
	User     MemberInfo
	Managers []MemberInfo
}

// Presence is the tri-state result of a task existence probe.
type Presence int

const (
	// PresenceUnknown means the probe could not decide (network failure or
	// an undecodable reply); the caller should release the task and let a
	// later scan retry.
	PresenceUnknown Presence = iota
	// PresencePresent means the task exists and is accessible.
	PresencePresent
	// PresenceAbsent means the task is gone or access was revoked.
	PresenceAbsent
)

func (p Presence) String() string {
	switch p {
	case PresencePresent:
		return "present"
	case PresenceAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

// taskEnvelope is the outer shape of task-endpoint replies.
type taskEnvelope struct {
	Task  *Task  `json:"task"`
	Error string `json:"error"`
}

type authResponse struct {
	AccessToken string `json:"access_token"`
}
