// Package broker coordinates multiple worker processes sharing one
// workspace: file and git locks, a global budget on parallel LLM requests,
// and a message bus between workers and the user.
//
// The wire protocol is newline-delimited JSON frames over a local unix
// socket, request/response in both directions.
package broker

import (
	"time"

	"clio.dev/llm"
)

// Client → broker frame types.
const (
	TypeRegister        = "register"
	TypeHeartbeat       = "heartbeat"
	TypeRequestFileLock = "request_file_lock"
	TypeReleaseFileLock = "release_file_lock"
	TypeRequestGitLock  = "request_git_lock"
	TypeReleaseGitLock  = "release_git_lock"
	TypeRequestAPISlot  = "request_api_slot"
	TypeReleaseAPISlot  = "release_api_slot"
	TypeSendMessage     = "send_message"
	TypePollInbox       = "poll_inbox"
	TypePollUserInbox   = "poll_user_inbox"
	TypeAcknowledge     = "acknowledge_messages"
	TypeGetHistory      = "get_message_history"
	TypeGetStatus       = "get_status"
)

// Broker → client frame types.
const (
	TypeAck            = "ack"
	TypeLockGranted    = "lock_granted"
	TypeLockDenied     = "lock_denied"
	TypeGitLockGranted = "git_lock_granted"
	TypeGitLockDenied  = "git_lock_denied"
	TypeAPISlotGranted = "api_slot_granted"
	TypeAPISlotWait    = "api_slot_wait"
	TypeInbox          = "inbox"
	TypeUserInbox      = "user_inbox"
	TypeStatus         = "status"
	TypeError          = "error"
)

// UserRecipient is the distinguished message-bus recipient whose inbox is
// non-destructive and whose history persists for the session.
const UserRecipient = "user"

// Frame is one wire message. Which fields are meaningful depends on Type;
// everything is omitempty so frames stay small.
type Frame struct {
	Type string `json:"type"`

	// register / addressing
	AgentID string `json:"agent_id,omitempty"`
	Task    string `json:"task,omitempty"`

	// file and git locks
	Files  []string `json:"files,omitempty"`
	Mode   string   `json:"mode,omitempty"` // "read" or "write"
	LockID string   `json:"lock_id,omitempty"`

	// api slots
	Headers *llm.RateHeaders `json:"headers,omitempty"`
	Status  int              `json:"status,omitempty"` // http status of the released request

	// message bus
	To      string   `json:"to,omitempty"`
	MsgType string   `json:"msg_type,omitempty"`
	Content string   `json:"content,omitempty"`
	IDs     []string `json:"ids,omitempty"`
	All     bool     `json:"all,omitempty"`

	// responses
	RequestType string        `json:"request_type,omitempty"`
	Success     bool          `json:"success,omitempty"`
	Blocked     []BlockedFile `json:"blocked,omitempty"`
	HeldBy      string        `json:"held_by,omitempty"`
	DelayMS     int64         `json:"delay_ms,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	InFlight    int           `json:"in_flight,omitempty"`
	Messages    []BusMessage  `json:"messages,omitempty"`
	Message     string        `json:"message,omitempty"` // error text
	Info        *StatusInfo   `json:"info,omitempty"`
}

// Delay returns the advised wait as a duration.
func (f *Frame) Delay() time.Duration { return time.Duration(f.DelayMS) * time.Millisecond }

// BlockedFile names one path that prevented an all-or-nothing lock grant.
type BlockedFile struct {
	File   string `json:"file"`
	HeldBy string `json:"held_by"`
}

// BusMessage is one message-bus entry.
type BusMessage struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Type    string    `json:"type"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
	Read    bool      `json:"read,omitempty"` // user history only
}

// StatusInfo is the get_status snapshot.
type StatusInfo struct {
	Agents        []AgentInfo `json:"agents"`
	FileLocks     int         `json:"file_locks"`
	GitLockHolder string      `json:"git_lock_holder,omitempty"`
	InFlight      int         `json:"in_flight"`
	MaxParallel   int         `json:"max_parallel"`
}

// AgentInfo describes one registered worker.
type AgentInfo struct {
	AgentID  string    `json:"agent_id"`
	Task     string    `json:"task,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}
