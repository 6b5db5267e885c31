package broker

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clio.dev/llm"
)

func startBroker(t *testing.T, opts Options) *Server {
	t.Helper()
	s := NewServer(filepath.Join(t.TempDir(), "b.sock"), opts)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close() })
	return s
}

func dial(t *testing.T, s *Server, agentID string) *Client {
	t.Helper()
	c, err := Dial(s.SocketPath(), agentID, "test task")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRegisterAndStatus(t *testing.T) {
	s := startBroker(t, Options{})
	a := dial(t, s, "agent-a")
	dial(t, s, "agent-b")

	info, err := a.Status()
	require.NoError(t, err)
	assert.Len(t, info.Agents, 2)
	assert.Equal(t, DefaultMaxParallel, info.MaxParallel)

	// Duplicate agent ids are rejected.
	_, err = Dial(s.SocketPath(), "agent-a", "")
	assert.Error(t, err)
}

func TestFileLockAllOrNothing(t *testing.T) {
	s := startBroker(t, Options{})
	a := dial(t, s, "agent-a")
	b := dial(t, s, "agent-b")

	lockID, err := a.RequestFileLock([]string{"/ws/f1", "/ws/f2"}, "write")
	require.NoError(t, err)
	assert.NotEmpty(t, lockID)

	// Overlap on f2: denied with detail, and f3 must NOT be taken.
	_, err = b.RequestFileLock([]string{"/ws/f2", "/ws/f3"}, "write")
	var denied *LockDeniedError
	require.ErrorAs(t, err, &denied)
	require.Len(t, denied.Blocked, 1)
	assert.Equal(t, "/ws/f2", denied.Blocked[0].File)
	assert.Equal(t, "agent-a", denied.Blocked[0].HeldBy)

	// Denied request left no residue: f3 is still free.
	if _, err := b.RequestFileLock([]string{"/ws/f3"}, "write"); err != nil {
		t.Fatalf("f3 should be free after denied all-or-nothing request: %v", err)
	}

	// Non-reentrant: the holder cannot re-acquire its own lock.
	_, err = a.RequestFileLock([]string{"/ws/f1"}, "write")
	assert.ErrorAs(t, err, &denied)

	// Release, then the other agent can take it.
	require.NoError(t, a.ReleaseFileLock([]string{"/ws/f1", "/ws/f2"}))
	_, err = b.RequestFileLock([]string{"/ws/f1"}, "write")
	assert.NoError(t, err)
}

func TestDisconnectReleasesEverything(t *testing.T) {
	s := startBroker(t, Options{MaxParallel: 1})
	a := dial(t, s, "agent-a")
	b := dial(t, s, "agent-b")

	_, err := a.RequestFileLock([]string{"/ws/f1"}, "write")
	require.NoError(t, err)
	_, err = a.RequestGitLock()
	require.NoError(t, err)
	require.NoError(t, a.AcquireAPISlot(context.Background()))

	require.NoError(t, a.Close())

	// The disconnect path is asynchronous; poll until the resources free up.
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := b.Status()
		require.NoError(t, err)
		if len(info.Agents) == 1 && info.FileLocks == 0 && info.GitLockHolder == "" && info.InFlight == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("resources not released after disconnect: %+v", info)
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, err = b.RequestFileLock([]string{"/ws/f1"}, "write")
	assert.NoError(t, err)
	_, err = b.RequestGitLock()
	assert.NoError(t, err)
}

func TestGitLockSingleHolder(t *testing.T) {
	s := startBroker(t, Options{})
	a := dial(t, s, "agent-a")
	b := dial(t, s, "agent-b")

	_, err := a.RequestGitLock()
	require.NoError(t, err)

	_, err = b.RequestGitLock()
	var denied *GitLockDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "agent-a", denied.HeldBy)

	require.NoError(t, a.ReleaseGitLock())
	_, err = b.RequestGitLock()
	assert.NoError(t, err)
}

func TestAPISlotSerialization(t *testing.T) {
	s := startBroker(t, Options{MaxParallel: 1, MinDelay: 500 * time.Millisecond})
	a := dial(t, s, "agent-a")
	b := dial(t, s, "agent-b")

	require.NoError(t, a.AcquireAPISlot(context.Background()))

	// B is told to wait roughly the min inter-request delay.
	resp, err := b.roundTrip(&Frame{Type: TypeRequestAPISlot})
	require.NoError(t, err)
	require.Equal(t, TypeAPISlotWait, resp.Type)
	assert.InDelta(t, 500, resp.DelayMS, 200)
	assert.Equal(t, 1, resp.InFlight)

	order := make(chan string, 2)
	done := make(chan error, 1)
	go func() {
		err := b.AcquireAPISlot(context.Background())
		order <- "b"
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	order <- "a"
	require.NoError(t, a.ReleaseAPISlot(nil, 200))

	require.NoError(t, <-done)
	assert.Equal(t, "a", <-order)
	assert.Equal(t, "b", <-order)
}

func TestAPISlotWindowEmpty(t *testing.T) {
	s := startBroker(t, Options{MaxParallel: 2, MinDelay: time.Millisecond})
	a := dial(t, s, "agent-a")

	require.NoError(t, a.AcquireAPISlot(context.Background()))
	resetAt := time.Now().Add(2 * time.Second)
	require.NoError(t, a.ReleaseAPISlot(&llm.RateHeaders{Remaining: 0, ResetAt: resetAt}, 200))

	resp, err := a.roundTrip(&Frame{Type: TypeRequestAPISlot})
	require.NoError(t, err)
	require.Equal(t, TypeAPISlotWait, resp.Type)
	assert.Equal(t, "rate window empty", resp.Reason)
	assert.InDelta(t, 2000, resp.DelayMS, 300)
}

func TestAPISlotRetryAfterCooldown(t *testing.T) {
	s := startBroker(t, Options{MaxParallel: 2, MinDelay: time.Millisecond})
	a := dial(t, s, "agent-a")

	require.NoError(t, a.AcquireAPISlot(context.Background()))
	require.NoError(t, a.ReleaseAPISlot(&llm.RateHeaders{RetryAfter: time.Second}, 429))

	resp, err := a.roundTrip(&Frame{Type: TypeRequestAPISlot})
	require.NoError(t, err)
	require.Equal(t, TypeAPISlotWait, resp.Type)
	assert.Equal(t, "retry-after cooldown", resp.Reason)
	assert.InDelta(t, 1000, resp.DelayMS, 300)
}

func TestAPISlotQuotaPenalty(t *testing.T) {
	s := startBroker(t, Options{MaxParallel: 2, MinDelay: time.Millisecond})
	a := dial(t, s, "agent-a")

	require.NoError(t, a.AcquireAPISlot(context.Background()))
	require.NoError(t, a.ReleaseAPISlot(&llm.RateHeaders{Remaining: 100, QuotaUsedPct: 90}, 200))

	// 90% used with an 80% target: half the 5s cap, before decay.
	resp, err := a.roundTrip(&Frame{Type: TypeRequestAPISlot})
	require.NoError(t, err)
	require.Equal(t, TypeAPISlotWait, resp.Type)
	assert.Equal(t, "quota penalty", resp.Reason)
	assert.InDelta(t, 2500, resp.DelayMS, 400)
}

func TestMessageBus(t *testing.T) {
	s := startBroker(t, Options{})
	a := dial(t, s, "agent-a")
	b := dial(t, s, "agent-b")

	// Direct agent-to-agent, FIFO per pair.
	require.NoError(t, a.Send("agent-b", "info", "first"))
	require.NoError(t, a.Send("agent-b", "info", "second"))
	msgs, err := b.PollInbox()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, "agent-a", msgs[0].From)

	// Draining twice returns nothing the second time.
	msgs, err = b.PollInbox()
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Unknown recipients are an error.
	assert.Error(t, a.Send("agent-zz", "info", "x"))
}

func TestUserInboxNonDestructive(t *testing.T) {
	s := startBroker(t, Options{})
	a := dial(t, s, "agent-a")

	require.NoError(t, a.Send(UserRecipient, "question", "may I delete vendor/?"))
	require.NoError(t, a.Send(UserRecipient, "progress", "half done"))

	// Poll twice: both times the same unread messages.
	first, err := a.PollUserInbox()
	require.NoError(t, err)
	second, err := a.PollUserInbox()
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Len(t, second, 2)

	// Acknowledge one by id; only the other stays unread.
	require.NoError(t, a.Acknowledge([]string{first[0].ID}, false))
	unread, err := a.PollUserInbox()
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, first[1].ID, unread[0].ID)

	// History keeps everything, read or not.
	require.NoError(t, a.Acknowledge(nil, true))
	unread, err = a.PollUserInbox()
	require.NoError(t, err)
	assert.Empty(t, unread)
	history, err := a.MessageHistory()
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestBroadcast(t *testing.T) {
	s := startBroker(t, Options{})
	a := dial(t, s, "agent-a")
	b := dial(t, s, "agent-b")
	c := dial(t, s, "agent-c")

	require.NoError(t, a.Send("all", "announce", "rebasing main"))

	for _, cl := range []*Client{b, c} {
		msgs, err := cl.PollInbox()
		require.NoError(t, err)
		require.Len(t, msgs, 1, "agent %s", cl.AgentID())
		assert.Equal(t, "rebasing main", msgs[0].Content)
	}
	// The sender does not hear its own broadcast.
	msgs, err := a.PollInbox()
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	s := startBroker(t, Options{})

	nc, err := net.Dial("unix", s.SocketPath())
	require.NoError(t, err)
	defer nc.Close()

	_, err = nc.Write([]byte("{this is not json\n"))
	require.NoError(t, err)

	dec := json.NewDecoder(nc)
	var resp Frame
	require.NoError(t, dec.Decode(&resp))
	assert.Equal(t, TypeError, resp.Type)

	// The connection survived; a valid register still works.
	enc := json.NewEncoder(nc)
	require.NoError(t, enc.Encode(&Frame{Type: TypeRegister, AgentID: "raw-agent"}))
	require.NoError(t, dec.Decode(&resp))
	assert.Equal(t, TypeAck, resp.Type)
	assert.True(t, resp.Success)
}

func TestUnregisteredRequestsRejected(t *testing.T) {
	s := startBroker(t, Options{})

	nc, err := net.Dial("unix", s.SocketPath())
	require.NoError(t, err)
	defer nc.Close()

	enc := json.NewEncoder(nc)
	dec := json.NewDecoder(nc)
	require.NoError(t, enc.Encode(&Frame{Type: TypeRequestGitLock}))
	var resp Frame
	require.NoError(t, dec.Decode(&resp))
	assert.Equal(t, TypeError, resp.Type)
}

func TestHeartbeatTimeout(t *testing.T) {
	s := startBroker(t, Options{Liveness: 200 * time.Millisecond})
	b := dial(t, s, "agent-b")

	// A raw client that registers and then goes silent: no heartbeats, but
	// the connection stays open, so only the reaper can drop it.
	nc, err := net.Dial("unix", s.SocketPath())
	require.NoError(t, err)
	defer nc.Close()
	enc := json.NewEncoder(nc)
	dec := json.NewDecoder(nc)
	require.NoError(t, enc.Encode(&Frame{Type: TypeRegister, AgentID: "agent-silent"}))
	var resp Frame
	require.NoError(t, dec.Decode(&resp))
	require.True(t, resp.Success)

	deadline := time.Now().Add(3 * time.Second)
	for {
		info, err := b.Status()
		require.NoError(t, err)
		if len(info.Agents) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dead agent never reaped")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
