package broker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Defaults for the scheduler and liveness policy.
const (
	DefaultMaxParallel = 2
	DefaultMinDelay    = 500 * time.Millisecond
	DefaultLiveness    = 120 * time.Second

	// capacityPollDelay is advised when the only obstacle is max_parallel;
	// clients re-ask after it.
	capacityPollDelay = 100 * time.Millisecond

	quotaTarget      = 80.0 // percent
	maxQuotaPenalty  = 5 * time.Second
	quotaDecayWindow = 60 * time.Second
)

// Options tune a Server; zero values take the defaults above.
type Options struct {
	MaxParallel int
	MinDelay    time.Duration
	Liveness    time.Duration
	Logger      *slog.Logger
}

// Server is the coordination broker. All coordination state lives on the
// fields below the mutex-free marker and is touched only by the run
// goroutine; connection readers funnel requests through s.events.
type Server struct {
	socketPath  string
	maxParallel int
	minDelay    time.Duration
	liveness    time.Duration
	log         *slog.Logger

	ln     net.Listener
	events chan event
	quit   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	// State confined to the run goroutine.
	clients   map[string]*clientState
	fileLocks map[string]*fileLock
	gitHolder string
	gitLockID string
	api       apiState
	inboxes   map[string][]BusMessage
	userMsgs  []BusMessage
}

type clientState struct {
	conn     *conn
	task     string
	lastSeen time.Time
	inFlight int
}

type fileLock struct {
	owner  string
	mode   string
	lockID string
}

type apiState struct {
	totalInFlight  int
	lastRequestAt  time.Time
	retryUntil     time.Time
	remaining      int
	remainingKnown bool
	resetAt        time.Time
	quotaUsedPct   float64
	quotaSeenAt    time.Time
}

type conn struct {
	netConn    net.Conn
	agentID    string
	registered bool
}

type eventKind int

const (
	evRequest eventKind = iota
	evDisconnect
)

type event struct {
	kind  eventKind
	c     *conn
	frame *Frame
	reply chan *Frame
}

// NewServer builds a broker serving on the unix socket at socketPath.
func NewServer(socketPath string, opts Options) *Server {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if opts.MinDelay <= 0 {
		opts.MinDelay = DefaultMinDelay
	}
	if opts.Liveness <= 0 {
		opts.Liveness = DefaultLiveness
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		socketPath:  socketPath,
		maxParallel: opts.MaxParallel,
		minDelay:    opts.MinDelay,
		liveness:    opts.Liveness,
		log:         opts.Logger,
		events:      make(chan event),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		clients:     make(map[string]*clientState),
		fileLocks:   make(map[string]*fileLock),
		inboxes:     make(map[string][]BusMessage),
	}
}

func (s *Server) SocketPath() string { return s.socketPath }

// Start listens on the socket and spins up the event loop.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("broker socket dir: %w", err)
	}
	// A stale socket from a dead broker blocks the bind.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("broker listen: %w", err)
	}
	s.ln = ln

	go s.run()
	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info("broker listening", "socket", s.socketPath, "max_parallel", s.maxParallel)
	return nil
}

// Close stops the broker and drops every connection.
func (s *Server) Close() error {
	close(s.quit)
	if s.ln != nil {
		s.ln.Close()
	}
	<-s.done
	s.wg.Wait()
	os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return // listener closed
		}
		s.wg.Add(1)
		go s.serveConn(&conn{netConn: nc})
	}
}

// serveConn reads frames off one connection and funnels them to the event
// loop; each request gets exactly one reply, written back here.
func (s *Server) serveConn(c *conn) {
	defer s.wg.Done()
	enc := json.NewEncoder(c.netConn)
	sc := bufio.NewScanner(c.netConn)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			// Malformed frame: answer with error, keep the connection.
			if err := enc.Encode(errorFrame("bad frame: " + err.Error())); err != nil {
				break
			}
			continue
		}
		reply := make(chan *Frame, 1)
		select {
		case s.events <- event{kind: evRequest, c: c, frame: &f, reply: reply}:
		case <-s.quit:
			return
		}
		resp := <-reply
		if err := enc.Encode(resp); err != nil {
			break // broken pipe: fall through to the disconnect path
		}
	}

	select {
	case s.events <- event{kind: evDisconnect, c: c}:
	case <-s.quit:
	}
	c.netConn.Close()
}

// run is the single-threaded event loop owning all broker state.
func (s *Server) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.liveness / 4)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			for _, cs := range s.clients {
				cs.conn.netConn.Close()
			}
			return
		case ev := <-s.events:
			switch ev.kind {
			case evRequest:
				ev.reply <- s.handle(ev.c, ev.frame)
			case evDisconnect:
				s.dropConn(ev.c)
			}
		case now := <-ticker.C:
			s.reapDead(now)
		}
	}
}

func errorFrame(msg string) *Frame {
	return &Frame{Type: TypeError, Message: msg}
}

func ackFrame(requestType string, success bool) *Frame {
	return &Frame{Type: TypeAck, RequestType: requestType, Success: success}
}

// handle processes one request. Panics in handlers must not kill the
// broker; they become error frames.
func (s *Server) handle(c *conn, f *Frame) (resp *Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("broker handler panic", "type", f.Type, "panic", r)
			resp = errorFrame(fmt.Sprintf("internal error handling %s", f.Type))
		}
	}()

	if !c.registered && f.Type != TypeRegister {
		return errorFrame("not registered")
	}

	now := time.Now()
	// Any frame proves liveness, not just heartbeats.
	if cs, ok := s.clients[c.agentID]; ok && c.registered {
		cs.lastSeen = now
	}
	switch f.Type {
	case TypeRegister:
		return s.handleRegister(c, f, now)
	case TypeHeartbeat:
		return ackFrame(TypeHeartbeat, true)
	case TypeRequestFileLock:
		return s.handleRequestFileLock(c, f)
	case TypeReleaseFileLock:
		for _, file := range f.Files {
			p := filepath.Clean(file)
			if l, ok := s.fileLocks[p]; ok && l.owner == c.agentID {
				delete(s.fileLocks, p)
			}
		}
		return ackFrame(TypeReleaseFileLock, true)
	case TypeRequestGitLock:
		if s.gitHolder != "" {
			return &Frame{Type: TypeGitLockDenied, HeldBy: s.gitHolder}
		}
		s.gitHolder = c.agentID
		s.gitLockID = uuid.NewString()
		return &Frame{Type: TypeGitLockGranted, LockID: s.gitLockID}
	case TypeReleaseGitLock:
		if s.gitHolder != c.agentID {
			return ackFrame(TypeReleaseGitLock, false)
		}
		s.gitHolder, s.gitLockID = "", ""
		return ackFrame(TypeReleaseGitLock, true)
	case TypeRequestAPISlot:
		return s.handleRequestAPISlot(c, now)
	case TypeReleaseAPISlot:
		return s.handleReleaseAPISlot(c, f, now)
	case TypeSendMessage:
		return s.handleSendMessage(c, f, now)
	case TypePollInbox:
		msgs := s.inboxes[c.agentID]
		s.inboxes[c.agentID] = nil
		return &Frame{Type: TypeInbox, Messages: msgs}
	case TypePollUserInbox:
		var unread []BusMessage
		for _, m := range s.userMsgs {
			if !m.Read {
				unread = append(unread, m)
			}
		}
		return &Frame{Type: TypeUserInbox, Messages: unread}
	case TypeAcknowledge:
		s.acknowledge(f)
		return ackFrame(TypeAcknowledge, true)
	case TypeGetHistory:
		msgs := make([]BusMessage, len(s.userMsgs))
		copy(msgs, s.userMsgs)
		return &Frame{Type: TypeUserInbox, Messages: msgs}
	case TypeGetStatus:
		return &Frame{Type: TypeStatus, Info: s.statusInfo()}
	}
	return errorFrame("unknown message type " + f.Type)
}

func (s *Server) handleRegister(c *conn, f *Frame, now time.Time) *Frame {
	if c.registered {
		return errorFrame("already registered")
	}
	if f.AgentID == "" {
		return errorFrame("register needs agent_id")
	}
	if _, ok := s.clients[f.AgentID]; ok {
		return errorFrame(fmt.Sprintf("agent id %q already connected", f.AgentID))
	}
	c.agentID = f.AgentID
	c.registered = true
	s.clients[f.AgentID] = &clientState{conn: c, task: f.Task, lastSeen: now}
	s.inboxes[f.AgentID] = nil
	s.log.Info("agent registered", "agent_id", f.AgentID, "task", f.Task)
	return ackFrame(TypeRegister, true)
}

// handleRequestFileLock grants all files or none. Locks are non-reentrant:
// a path already held blocks the grant even when the requester holds it.
func (s *Server) handleRequestFileLock(c *conn, f *Frame) *Frame {
	if len(f.Files) == 0 {
		return errorFrame("request_file_lock needs files")
	}
	mode := f.Mode
	if mode == "" {
		mode = "write"
	}

	var blocked []BlockedFile
	for _, file := range f.Files {
		p := filepath.Clean(file)
		if l, ok := s.fileLocks[p]; ok {
			blocked = append(blocked, BlockedFile{File: p, HeldBy: l.owner})
		}
	}
	if len(blocked) > 0 {
		return &Frame{Type: TypeLockDenied, Blocked: blocked}
	}

	lockID := uuid.NewString()
	files := make([]string, 0, len(f.Files))
	for _, file := range f.Files {
		p := filepath.Clean(file)
		s.fileLocks[p] = &fileLock{owner: c.agentID, mode: mode, lockID: lockID}
		files = append(files, p)
	}
	return &Frame{Type: TypeLockGranted, LockID: lockID, Files: files}
}

func (s *Server) handleRequestAPISlot(c *conn, now time.Time) *Frame {
	delay, reason := s.slotDelay(now)
	if s.api.totalInFlight >= s.maxParallel {
		if delay < capacityPollDelay {
			delay, reason = capacityPollDelay, "max parallel requests in flight"
		}
		return &Frame{Type: TypeAPISlotWait, DelayMS: delay.Milliseconds(), Reason: reason, InFlight: s.api.totalInFlight}
	}
	if delay > 0 {
		return &Frame{Type: TypeAPISlotWait, DelayMS: delay.Milliseconds(), Reason: reason, InFlight: s.api.totalInFlight}
	}
	cs, ok := s.clients[c.agentID]
	if !ok {
		return errorFrame("not registered")
	}
	s.api.totalInFlight++
	s.api.lastRequestAt = now
	cs.inFlight++
	return &Frame{Type: TypeAPISlotGranted, DelayMS: 0}
}

func (s *Server) handleReleaseAPISlot(c *conn, f *Frame, now time.Time) *Frame {
	cs, ok := s.clients[c.agentID]
	if !ok {
		return errorFrame("not registered")
	}
	if cs.inFlight > 0 {
		cs.inFlight--
		s.api.totalInFlight--
	}
	if h := f.Headers; h != nil {
		if !h.ResetAt.IsZero() {
			s.api.resetAt = h.ResetAt
		}
		s.api.remaining = h.Remaining
		s.api.remainingKnown = true
		if h.QuotaUsedPct > 0 {
			s.api.quotaUsedPct = h.QuotaUsedPct
			s.api.quotaSeenAt = now
		}
	}
	if f.Status == 429 {
		cooldown := time.Second
		if f.Headers != nil && f.Headers.RetryAfter > 0 {
			cooldown = f.Headers.RetryAfter
		}
		s.api.retryUntil = now.Add(cooldown)
	}
	return ackFrame(TypeReleaseAPISlot, true)
}

// slotDelay computes the advised wait before the next outbound request:
// the max of the hard cooldown, the minimum inter-request spacing, the
// empty-window wait, and the soft quota penalty.
func (s *Server) slotDelay(now time.Time) (time.Duration, string) {
	var delay time.Duration
	reason := ""
	if d := s.api.retryUntil.Sub(now); d > delay {
		delay, reason = d, "retry-after cooldown"
	}
	if !s.api.lastRequestAt.IsZero() {
		if d := s.minDelay - now.Sub(s.api.lastRequestAt); d > delay {
			delay, reason = d, "min delay between requests"
		}
	}
	if s.api.remainingKnown && s.api.remaining <= s.api.totalInFlight && !s.api.resetAt.IsZero() {
		if d := s.api.resetAt.Sub(now); d > delay {
			delay, reason = d, "rate window empty"
		}
	}
	if d := s.quotaPenalty(now); d > delay {
		delay, reason = d, "quota penalty"
	}
	return delay, reason
}

// quotaPenalty rises linearly above the target quota, caps at
// maxQuotaPenalty, and decays linearly over quotaDecayWindow since the
// headers were last observed.
func (s *Server) quotaPenalty(now time.Time) time.Duration {
	if s.api.quotaSeenAt.IsZero() || s.api.quotaUsedPct <= quotaTarget {
		return 0
	}
	frac := (s.api.quotaUsedPct - quotaTarget) / (100 - quotaTarget)
	if frac > 1 {
		frac = 1
	}
	penalty := time.Duration(frac * float64(maxQuotaPenalty))
	age := now.Sub(s.api.quotaSeenAt)
	if age >= quotaDecayWindow {
		return 0
	}
	return time.Duration(float64(penalty) * (1 - float64(age)/float64(quotaDecayWindow)))
}

func (s *Server) handleSendMessage(c *conn, f *Frame, now time.Time) *Frame {
	if f.To == "" {
		return errorFrame("send_message needs to")
	}
	msg := BusMessage{
		ID:      uuid.NewString(),
		From:    c.agentID,
		To:      f.To,
		Type:    f.MsgType,
		Content: f.Content,
		SentAt:  now,
	}
	switch f.To {
	case UserRecipient:
		s.userMsgs = append(s.userMsgs, msg)
	case "all":
		for id := range s.clients {
			if id == c.agentID {
				continue
			}
			s.inboxes[id] = append(s.inboxes[id], msg)
		}
	default:
		if _, ok := s.clients[f.To]; !ok {
			return errorFrame(fmt.Sprintf("unknown recipient %q", f.To))
		}
		s.inboxes[f.To] = append(s.inboxes[f.To], msg)
	}
	return ackFrame(TypeSendMessage, true)
}

func (s *Server) acknowledge(f *Frame) {
	if f.All {
		for i := range s.userMsgs {
			s.userMsgs[i].Read = true
		}
		return
	}
	ids := make(map[string]bool, len(f.IDs))
	for _, id := range f.IDs {
		ids[id] = true
	}
	for i := range s.userMsgs {
		if ids[s.userMsgs[i].ID] {
			s.userMsgs[i].Read = true
		}
	}
}

func (s *Server) statusInfo() *StatusInfo {
	info := &StatusInfo{
		FileLocks:     len(s.fileLocks),
		GitLockHolder: s.gitHolder,
		InFlight:      s.api.totalInFlight,
		MaxParallel:   s.maxParallel,
	}
	for id, cs := range s.clients {
		info.Agents = append(info.Agents, AgentInfo{AgentID: id, Task: cs.task, LastSeen: cs.lastSeen})
	}
	return info
}

// dropConn runs the disconnect path: every resource owned by the client is
// released and its inbox removed.
func (s *Server) dropConn(c *conn) {
	if !c.registered {
		c.netConn.Close()
		return
	}
	cs, ok := s.clients[c.agentID]
	if !ok || cs.conn != c {
		return // already dropped, or the id was taken over
	}

	for p, l := range s.fileLocks {
		if l.owner == c.agentID {
			delete(s.fileLocks, p)
		}
	}
	if s.gitHolder == c.agentID {
		s.gitHolder, s.gitLockID = "", ""
	}
	s.api.totalInFlight -= cs.inFlight
	if s.api.totalInFlight < 0 {
		s.api.totalInFlight = 0
	}
	delete(s.inboxes, c.agentID)
	delete(s.clients, c.agentID)
	c.netConn.Close()
	s.log.Info("agent disconnected", "agent_id", c.agentID)
}

func (s *Server) reapDead(now time.Time) {
	for id, cs := range s.clients {
		if now.Sub(cs.lastSeen) > s.liveness {
			s.log.Warn("agent missed heartbeats, dropping", "agent_id", id)
			s.dropConn(cs.conn)
		}
	}
}
