// Package bridge supervises stdio destinations: it spawns the configured
// subprocess, speaks line-delimited JSON-RPC over its pipes, and exposes the
// conversation to the Streamable HTTP handler.
//
// One Bridge exists per stdio destination and is shared by every client
// session. Client request ids are rewritten to internal monotone integers on
// the way in and restored on the way out, so concurrent sessions cannot
// collide inside the single subprocess conversation.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/mithril-sec/mithril-proxy/internal/domain/audit"
	"github.com/mithril-sec/mithril-proxy/internal/domain/destination"
	"github.com/mithril-sec/mithril-proxy/internal/domain/session"
	"github.com/mithril-sec/mithril-proxy/pkg/mcp"
)

const (
	// DefaultMaxSessions bounds concurrent sessions per stdio destination.
	DefaultMaxSessions = 10
	// DefaultRPCTimeout bounds how long a call waits for its response line.
	DefaultRPCTimeout = 30 * time.Second
	// ShutdownGrace is how long a subprocess gets between SIGTERM and SIGKILL.
	ShutdownGrace = 5 * time.Second
	// maxLineBytes caps a single stdout line from the subprocess.
	maxLineBytes = 1 << 20
)

// RestartDelays drive the supervisor's restart backoff. The budget is the
// slice length: after that many restarts the bridge is marked unavailable.
var RestartDelays = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// Sentinel errors mapped to HTTP statuses by the handler.
var (
	ErrUnavailable     = errors.New("bridge unavailable")
	ErrCapacity        = errors.New("bridge at session capacity")
	ErrTimeout         = errors.New("bridge call timed out")
	ErrSessionNotFound = errors.New("bridge session not found")
)

type callResult struct {
	line []byte
	err  error
}

// pendingCall tracks one in-flight request awaiting its response line.
type pendingCall struct {
	originalID json.RawMessage
	ch         chan callResult
}

// Options configures a Bridge. Zero values pick the documented defaults.
type Options struct {
	MaxSessions int64
	RPCTimeout  time.Duration
	Logger      *slog.Logger
	// Sink receives one audit record per subprocess stderr line. Optional.
	Sink audit.Store
	// OnRestart fires once per supervised restart attempt. Optional.
	OnRestart func()
}

// Bridge multiplexes Streamable HTTP sessions onto one supervised stdio
// subprocess.
type Bridge struct {
	dest       *destination.Destination
	logger     *slog.Logger
	sink       audit.Store
	rpcTimeout time.Duration
	onRestart  func()
	slots      *semaphore.Weighted
	stop       chan struct{}

	writeMu sync.Mutex // serializes stdin writes

	mu          sync.Mutex
	proc        *process
	pending     map[int64]*pendingCall
	sessions    map[string]map[*Queue]struct{}
	nextID      int64
	restarts    int
	unavailable bool
	closed      bool
	wg          sync.WaitGroup
}

// New builds a bridge for a stdio destination. The subprocess is spawned
// lazily on the first session or call, not here.
func New(dest *destination.Destination, opts Options) *Bridge {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = DefaultRPCTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bridge{
		dest:       dest,
		logger:     opts.Logger.With("destination", dest.Name),
		sink:       opts.Sink,
		rpcTimeout: opts.RPCTimeout,
		onRestart:  opts.OnRestart,
		slots:      semaphore.NewWeighted(opts.MaxSessions),
		stop:       make(chan struct{}),
		pending:    make(map[int64]*pendingCall),
		sessions:   make(map[string]map[*Queue]struct{}),
	}
}

// Destination returns the destination this bridge serves.
func (b *Bridge) Destination() *destination.Destination { return b.dest }

// Restarts returns how many supervised restarts have happened.
func (b *Bridge) Restarts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.restarts
}

// Available reports whether the bridge can still serve requests.
func (b *Bridge) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.unavailable && !b.closed
}

// Sessions returns the number of open sessions.
func (b *Bridge) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// ensureStarted spawns the subprocess if it is not running.
func (b *Bridge) ensureStarted() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.unavailable {
		return ErrUnavailable
	}
	if b.proc != nil {
		return nil
	}
	return b.startLocked()
}

// startLocked spawns the subprocess and its three pipe goroutines.
// Caller holds b.mu.
func (b *Bridge) startLocked() error {
	p, err := spawnProcess(b.dest.Argv, BuildEnv(b.dest.Env))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	b.proc = p
	b.logger.Info("subprocess started", "pid", p.cmd.Process.Pid, "command", b.dest.Argv[0])

	b.wg.Add(3)
	go b.dispatch(p)
	go b.tailStderr(p)
	go b.supervise(p)
	return nil
}

// dispatch reads subprocess stdout line by line, routing responses to their
// pending calls and fanning notifications out to all session queues.
func (b *Bridge) dispatch(p *process) {
	defer b.wg.Done()
	defer close(p.stdoutDone)

	sc := bufio.NewScanner(p.stdout)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		line := append([]byte(nil), sc.Bytes()...)

		env, err := mcp.Parse(line)
		if err != nil {
			b.logger.Debug("discarding non-JSON stdout line", "error", err)
			continue
		}

		if env.IsNotification() {
			b.broadcast(line)
			continue
		}

		var internal int64
		if err := json.Unmarshal(env.ID, &internal); err != nil {
			b.logger.Debug("discarding response with unknown id", "id", string(env.ID))
			continue
		}
		b.mu.Lock()
		pc, ok := b.pending[internal]
		if ok {
			delete(b.pending, internal)
		}
		b.mu.Unlock()
		if !ok {
			// Stale reply, e.g. after a timeout already deregistered the call.
			b.logger.Debug("discarding response with no pending call", "internal_id", internal)
			continue
		}

		restored, err := mcp.RestoreID(line, pc.originalID)
		if err != nil {
			pc.ch <- callResult{err: fmt.Errorf("restore response id: %w", err)}
			continue
		}
		pc.ch <- callResult{line: restored}
	}
	if err := sc.Err(); err != nil {
		b.logger.Warn("subprocess stdout read failed", "error", err)
	}
}

// broadcast pushes a notification line onto every open queue.
func (b *Bridge) broadcast(line []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for _, queues := range b.sessions {
		for q := range queues {
			dropped += q.push(line)
		}
	}
	if dropped > 0 {
		b.logger.Warn("notification queue overflow, oldest entries dropped", "dropped", dropped)
	}
}

// tailStderr logs each subprocess stderr line and records it in the audit
// trail so operators can see server-side failures per destination.
func (b *Bridge) tailStderr(p *process) {
	defer b.wg.Done()
	defer close(p.stderrDone)

	sc := bufio.NewScanner(p.stderr)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		b.logger.Warn("subprocess stderr", "line", line)
		if b.sink != nil {
			b.sink.Log(audit.Record{
				Timestamp:   time.Now().UTC(),
				User:        "stdio",
				SourceIP:    "localhost",
				Destination: b.dest.Name,
				StderrLine:  line,
			})
		}
	}
}

// supervise waits for the subprocess to exit, fails whatever was in flight,
// and restarts within the budget. Exhausting the budget marks the bridge
// unavailable for good.
func (b *Bridge) supervise(p *process) {
	defer b.wg.Done()

	// Wait closes the pipes, so the readers must drain them first or a final
	// buffered response line would be lost on exit.
	<-p.stdoutDone
	<-p.stderrDone
	err := p.cmd.Wait()
	close(p.done)

	b.mu.Lock()
	if b.proc == p {
		b.proc = nil
	}
	failed := b.takePendingLocked()
	queues := b.takeQueuesLocked()
	closed := b.closed
	b.mu.Unlock()

	for _, pc := range failed {
		pc.ch <- callResult{err: ErrUnavailable}
	}
	for _, q := range queues {
		q.Close()
	}

	if closed {
		return
	}
	b.logger.Warn("subprocess exited", "error", err)

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		if b.restarts >= len(RestartDelays) {
			b.unavailable = true
			b.mu.Unlock()
			b.logger.Error("restart budget exhausted, destination unavailable",
				"restarts", len(RestartDelays))
			return
		}
		delay := RestartDelays[b.restarts]
		b.restarts++
		b.mu.Unlock()

		if b.onRestart != nil {
			b.onRestart()
		}

		select {
		case <-time.After(delay):
		case <-b.stop:
			return
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		startErr := b.startLocked()
		restarts := b.restarts
		b.mu.Unlock()

		if startErr == nil {
			b.logger.Info("subprocess restarted", "attempt", restarts)
			return
		}
		b.logger.Warn("subprocess restart failed", "attempt", restarts, "error", startErr)
	}
}

// takePendingLocked empties the pending table. Caller holds b.mu.
func (b *Bridge) takePendingLocked() []*pendingCall {
	out := make([]*pendingCall, 0, len(b.pending))
	for id, pc := range b.pending {
		out = append(out, pc)
		delete(b.pending, id)
	}
	return out
}

// takeQueuesLocked detaches every queue from its session, leaving the
// sessions themselves registered. Caller holds b.mu.
func (b *Bridge) takeQueuesLocked() []*Queue {
	var out []*Queue
	for id, queues := range b.sessions {
		for q := range queues {
			out = append(out, q)
		}
		b.sessions[id] = make(map[*Queue]struct{})
	}
	return out
}

// OpenSession mints a new session id, holding one of the destination's
// concurrency slots until CloseSession.
func (b *Bridge) OpenSession() (string, error) {
	if err := b.ensureStarted(); err != nil {
		return "", err
	}
	if !b.slots.TryAcquire(1) {
		return "", ErrCapacity
	}
	id := session.GenerateStreamableID()
	b.mu.Lock()
	b.sessions[id] = make(map[*Queue]struct{})
	b.mu.Unlock()
	return id, nil
}

// HasSession reports whether id is an open session on this bridge.
func (b *Bridge) HasSession(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[id]
	return ok
}

// CloseSession tears down a session: its queues close, its slot is released.
func (b *Bridge) CloseSession(id string) error {
	b.mu.Lock()
	queues, ok := b.sessions[id]
	if ok {
		delete(b.sessions, id)
	}
	b.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	for q := range queues {
		q.Close()
	}
	b.slots.Release(1)
	return nil
}

// Subscribe attaches a fresh notification queue to the session, one per
// active GET stream.
func (b *Bridge) Subscribe(sessionID string) (*Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	queues, ok := b.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	q := newQueue()
	queues[q] = struct{}{}
	return q, nil
}

// Unsubscribe detaches and closes a queue when its GET stream ends.
func (b *Bridge) Unsubscribe(sessionID string, q *Queue) {
	b.mu.Lock()
	if queues, ok := b.sessions[sessionID]; ok {
		delete(queues, q)
	}
	b.mu.Unlock()
	q.Close()
}

// Call sends a request through the subprocess and waits for its response
// line, already rewritten back to the caller's original id. Cancellation
// deregisters the call without touching the subprocess.
func (b *Bridge) Call(ctx context.Context, env *mcp.Envelope) ([]byte, error) {
	if err := b.ensureStarted(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	proc := b.proc
	if proc == nil {
		b.mu.Unlock()
		return nil, ErrUnavailable
	}
	b.nextID++
	internal := b.nextID
	pc := &pendingCall{originalID: env.ID, ch: make(chan callResult, 1)}
	b.pending[internal] = pc
	b.mu.Unlock()

	line, err := env.WithID(internal)
	if err != nil {
		b.deregister(internal)
		return nil, fmt.Errorf("rewrite request id: %w", err)
	}
	if err := b.writeLine(proc, line); err != nil {
		b.deregister(internal)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	timer := time.NewTimer(b.rpcTimeout)
	defer timer.Stop()
	select {
	case res := <-pc.ch:
		return res.line, res.err
	case <-timer.C:
		b.deregister(internal)
		return nil, ErrTimeout
	case <-ctx.Done():
		b.deregister(internal)
		return nil, ctx.Err()
	}
}

// Notify forwards a fire-and-forget message to the subprocess. No id
// rewriting: notifications carry none.
func (b *Bridge) Notify(raw []byte) error {
	if err := b.ensureStarted(); err != nil {
		return err
	}
	b.mu.Lock()
	proc := b.proc
	b.mu.Unlock()
	if proc == nil {
		return ErrUnavailable
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return fmt.Errorf("compact notification: %w", err)
	}
	if err := b.writeLine(proc, buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *Bridge) deregister(internal int64) {
	b.mu.Lock()
	delete(b.pending, internal)
	b.mu.Unlock()
}

// writeLine appends a newline and writes the framed message to stdin.
// Writes are serialized so concurrent calls cannot interleave frames.
func (b *Bridge) writeLine(p *process, line []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write to subprocess: %w", err)
	}
	return nil
}

// Shutdown stops the subprocess: SIGTERM, a grace period, then SIGKILL.
// Pending calls fail and all queues close.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	proc := b.proc
	failed := b.takePendingLocked()
	queues := b.takeQueuesLocked()
	b.sessions = make(map[string]map[*Queue]struct{})
	b.mu.Unlock()

	for _, pc := range failed {
		pc.ch <- callResult{err: ErrUnavailable}
	}
	for _, q := range queues {
		q.Close()
	}

	if proc != nil {
		proc.signal(unix.SIGTERM)
		select {
		case <-proc.done:
		case <-time.After(ShutdownGrace):
			b.logger.Warn("subprocess ignored SIGTERM, killing")
			proc.signal(unix.SIGKILL)
			<-proc.done
		case <-ctx.Done():
			proc.signal(unix.SIGKILL)
			<-proc.done
		}
	}

	b.wg.Wait()
	return nil
}
