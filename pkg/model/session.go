package model

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
)

type SessionID string

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// NewSessionID generates a new unique SessionID
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

// Valid reports whether the ID can be used as a storage key
func (x SessionID) Valid() bool {
	return sessionIDPattern.MatchString(string(x))
}

func (x SessionID) String() string { return string(x) }

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Title returns the role name with its first letter upper-cased, e.g. "User"
func (r Role) Title() string {
	if r == "" {
		return ""
	}
	s := []byte(r)
	if s[0] >= 'a' && s[0] <= 'z' {
		s[0] -= 'a' - 'A'
	}
	return string(s)
}

// Message is a single conversation entry. It is never modified after being appended.
type Message struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

func (x *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var raw struct {
		alias
		Timestamp lenientTime `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*x = Message(raw.alias)
	x.Timestamp = raw.Timestamp.Time
	return nil
}

// SessionMeta is the metadata block of a persisted session record
type SessionMeta struct {
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	UserID       string    `json:"user_id,omitempty"`
	MessageCount int       `json:"message_count"`
}

func (x *SessionMeta) UnmarshalJSON(data []byte) error {
	type alias SessionMeta
	var raw struct {
		alias
		CreatedAt lenientTime `json:"created_at"`
		UpdatedAt lenientTime `json:"updated_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*x = SessionMeta(raw.alias)
	x.CreatedAt = raw.CreatedAt.Time
	x.UpdatedAt = raw.UpdatedAt.Time
	return nil
}

// timestampLayouts are tried in order. Timestamps without a zone are read
// as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp reads an ISO-8601 timestamp with or without a zone. It
// returns the zero time if s matches no known layout.
func ParseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// lenientTime decodes any JSON value. Values that are not a parseable
// timestamp string become the zero time.
type lenientTime struct {
	time.Time
}

func (x *lenientTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		x.Time = time.Time{}
		return nil
	}
	x.Time = ParseTimestamp(s)
	return nil
}

// Session represents one conversation and is also the durable record format
type Session struct {
	ID       SessionID   `json:"session_id"`
	Meta     SessionMeta `json:"metadata"`
	Messages []*Message  `json:"messages"`
}

// Clone returns a copy whose message slice can be modified independently.
// Messages themselves are shared because they are immutable.
func (x *Session) Clone() *Session {
	c := *x
	c.Messages = append([]*Message(nil), x.Messages...)
	return &c
}

// SessionSummary is the statistical overview of a session
type SessionSummary struct {
	SessionID             SessionID   `json:"session_id"`
	Metadata              SessionMeta `json:"metadata"`
	MessageCount          int         `json:"message_count"`
	UserMessageCount      int         `json:"user_message_count"`
	AssistantMessageCount int         `json:"assistant_message_count"`
	Topics                []string    `json:"topics"`
	DurationMinutes       float64     `json:"duration_minutes"`
}
