package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"clio.dev/llm"
)

// ErrNotConnected is returned once the broker connection is gone. Callers
// degrade to uncoordinated mode: locks and slots then provide no
// cross-process safety.
var ErrNotConnected = errors.New("broker: not connected")

// HeartbeatInterval is how often a connected client pings the broker.
const HeartbeatInterval = 30 * time.Second

// LockDeniedError reports which files blocked an all-or-nothing grant.
type LockDeniedError struct {
	Blocked []BlockedFile
}

func (e *LockDeniedError) Error() string {
	parts := make([]string, len(e.Blocked))
	for i, b := range e.Blocked {
		parts[i] = fmt.Sprintf("%s (held by %s)", b.File, b.HeldBy)
	}
	return "file lock denied: " + strings.Join(parts, ", ")
}

// GitLockDeniedError reports the current git lock holder.
type GitLockDeniedError struct {
	HeldBy string
}

func (e *GitLockDeniedError) Error() string {
	return "git lock denied: held by " + e.HeldBy
}

// Client is one worker's connection to the broker. The protocol is strict
// request/response, so a mutex around each round trip is all the
// synchronization needed.
type Client struct {
	agentID string

	mu     sync.Mutex
	conn   net.Conn
	br     *bufio.Reader
	enc    *json.Encoder
	closed bool

	hbStop chan struct{}
	hbDone chan struct{}
}

// Dial connects to the broker socket and registers as agentID. A heartbeat
// loop keeps the registration alive until Close.
func Dial(socketPath, agentID, task string) (*Client, error) {
	nc, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("broker dial: %w", err)
	}
	c := &Client{
		agentID: agentID,
		conn:    nc,
		br:      bufio.NewReaderSize(nc, 64*1024),
		enc:     json.NewEncoder(nc),
		hbStop:  make(chan struct{}),
		hbDone:  make(chan struct{}),
	}
	resp, err := c.roundTrip(&Frame{Type: TypeRegister, AgentID: agentID, Task: task})
	if err != nil {
		nc.Close()
		return nil, err
	}
	if resp.Type != TypeAck || !resp.Success {
		nc.Close()
		return nil, fmt.Errorf("broker register: unexpected reply %s", resp.Type)
	}
	go c.heartbeatLoop()
	return c, nil
}

func (c *Client) AgentID() string { return c.agentID }

func (c *Client) heartbeatLoop() {
	defer close(c.hbDone)
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.hbStop:
			return
		case <-ticker.C:
			if _, err := c.roundTrip(&Frame{Type: TypeHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (c *Client) roundTrip(req *Frame) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrNotConnected
	}
	if err := c.enc.Encode(req); err != nil {
		c.closed = true
		return nil, ErrNotConnected
	}
	line, err := c.br.ReadBytes('\n')
	if err != nil {
		c.closed = true
		return nil, ErrNotConnected
	}
	var resp Frame
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("broker: bad reply: %w", err)
	}
	if resp.Type == TypeError {
		return nil, fmt.Errorf("broker: %s", resp.Message)
	}
	return &resp, nil
}

// RequestFileLock asks for all files at once; the grant is all-or-nothing.
func (c *Client) RequestFileLock(files []string, mode string) (string, error) {
	resp, err := c.roundTrip(&Frame{Type: TypeRequestFileLock, Files: files, Mode: mode})
	if err != nil {
		return "", err
	}
	switch resp.Type {
	case TypeLockGranted:
		return resp.LockID, nil
	case TypeLockDenied:
		return "", &LockDeniedError{Blocked: resp.Blocked}
	}
	return "", fmt.Errorf("broker: unexpected reply %s", resp.Type)
}

func (c *Client) ReleaseFileLock(files []string) error {
	_, err := c.roundTrip(&Frame{Type: TypeReleaseFileLock, Files: files})
	return err
}

func (c *Client) RequestGitLock() (string, error) {
	resp, err := c.roundTrip(&Frame{Type: TypeRequestGitLock})
	if err != nil {
		return "", err
	}
	switch resp.Type {
	case TypeGitLockGranted:
		return resp.LockID, nil
	case TypeGitLockDenied:
		return "", &GitLockDeniedError{HeldBy: resp.HeldBy}
	}
	return "", fmt.Errorf("broker: unexpected reply %s", resp.Type)
}

func (c *Client) ReleaseGitLock() error {
	_, err := c.roundTrip(&Frame{Type: TypeReleaseGitLock})
	return err
}

// AcquireAPISlot blocks until the broker grants an outbound request slot,
// sleeping whatever delay the broker advises between attempts.
func (c *Client) AcquireAPISlot(ctx context.Context) error {
	for {
		resp, err := c.roundTrip(&Frame{Type: TypeRequestAPISlot})
		if err != nil {
			return err
		}
		switch resp.Type {
		case TypeAPISlotGranted:
			return nil
		case TypeAPISlotWait:
			delay := resp.Delay()
			if delay <= 0 {
				delay = capacityPollDelay
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		default:
			return fmt.Errorf("broker: unexpected reply %s", resp.Type)
		}
	}
}

// ReleaseAPISlot returns the slot together with the rate headers and HTTP
// status observed on the response, feeding the scheduler.
func (c *Client) ReleaseAPISlot(headers *llm.RateHeaders, status int) error {
	_, err := c.roundTrip(&Frame{Type: TypeReleaseAPISlot, Headers: headers, Status: status})
	return err
}

// Send delivers a message to another agent, "all", or the user.
func (c *Client) Send(to, msgType, content string) error {
	_, err := c.roundTrip(&Frame{Type: TypeSendMessage, To: to, MsgType: msgType, Content: content})
	return err
}

// PollInbox drains this agent's inbox.
func (c *Client) PollInbox() ([]BusMessage, error) {
	resp, err := c.roundTrip(&Frame{Type: TypePollInbox})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// PollUserInbox returns unread user messages without consuming them.
func (c *Client) PollUserInbox() ([]BusMessage, error) {
	resp, err := c.roundTrip(&Frame{Type: TypePollUserInbox})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Acknowledge marks user messages read, by id or all at once.
func (c *Client) Acknowledge(ids []string, all bool) error {
	_, err := c.roundTrip(&Frame{Type: TypeAcknowledge, IDs: ids, All: all})
	return err
}

// MessageHistory returns the full persistent user history, read or not.
func (c *Client) MessageHistory() ([]BusMessage, error) {
	resp, err := c.roundTrip(&Frame{Type: TypeGetHistory})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Status fetches the broker's state snapshot.
func (c *Client) Status() (*StatusInfo, error) {
	resp, err := c.roundTrip(&Frame{Type: TypeGetStatus})
	if err != nil {
		return nil, err
	}
	if resp.Info == nil {
		return nil, fmt.Errorf("broker: empty status")
	}
	return resp.Info, nil
}

// Close tears the connection down; the broker releases everything we held.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.hbStop)
	err := c.conn.Close()
	<-c.hbDone
	return err
}
