package bridge

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mithril-sec/mithril-proxy/internal/domain/destination"
	"github.com/mithril-sec/mithril-proxy/pkg/mcp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func stdioDest(t *testing.T, command string) *destination.Destination {
	t.Helper()
	d := &destination.Destination{
		Name:    "test",
		Kind:    destination.KindStdio,
		Command: command,
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate(%q): %v", command, err)
	}
	return d
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("SECRET_PARENT_VAR", "leaked")

	env := BuildEnv(map[string]string{"API_KEY": "abc123"})

	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, "PATH=/usr/bin") {
		t.Errorf("PATH missing from env: %q", env)
	}
	if !strings.Contains(joined, "API_KEY=abc123") {
		t.Errorf("destination env missing: %q", env)
	}
	if strings.Contains(joined, "SECRET_PARENT_VAR") {
		t.Errorf("non-allowlisted parent var leaked into env: %q", env)
	}
}

func TestQueueDropOldest(t *testing.T) {
	t.Parallel()
	q := newQueue()
	for i := 0; i < NotificationQueueCap+1; i++ {
		q.push([]byte{byte(i)})
	}

	item, ok := q.Pop(context.Background())
	if !ok {
		t.Fatal("Pop returned closed")
	}
	if item[0] != 1 {
		t.Errorf("oldest entry not dropped: got first item %d, want 1", item[0])
	}
}

func TestQueuePopAfterClose(t *testing.T) {
	t.Parallel()
	q := newQueue()
	q.push([]byte("last"))
	q.Close()

	if item, ok := q.Pop(context.Background()); !ok || string(item) != "last" {
		t.Fatalf("Pop after close = %q, %v; want remaining item", item, ok)
	}
	if _, ok := q.Pop(context.Background()); ok {
		t.Error("Pop on drained closed queue reported an item")
	}
}

func TestQueuePopContextCancel(t *testing.T) {
	t.Parallel()
	q := newQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, ok := q.Pop(ctx); ok {
		t.Error("Pop returned an item from an empty queue")
	}
}

func TestCallRoundTrip(t *testing.T) {
	t.Parallel()
	// cat echoes each request line back unchanged: the echoed internal id
	// matches the pending call and the original id must be restored.
	b := New(stdioDest(t, "cat"), Options{Logger: testLogger()})
	defer b.Shutdown(context.Background())

	env, err := mcp.Parse([]byte(`{"jsonrpc":"2.0","id":"client-7","method":"ping"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	resp, err := b.Call(context.Background(), env)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !strings.Contains(string(resp), `"client-7"`) {
		t.Errorf("original id not restored: %s", resp)
	}
	if strings.Contains(string(resp), `"id":1,`) {
		t.Errorf("internal id leaked to client: %s", resp)
	}
}

func TestCallConcurrentIDsIsolated(t *testing.T) {
	t.Parallel()
	b := New(stdioDest(t, "cat"), Options{Logger: testLogger()})
	defer b.Shutdown(context.Background())

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			id := string(rune('a' + i))
			env, err := mcp.Parse([]byte(`{"jsonrpc":"2.0","id":"` + id + `","method":"ping"}`))
			if err != nil {
				errs <- err
				return
			}
			resp, err := b.Call(context.Background(), env)
			if err != nil {
				errs <- err
				return
			}
			if !strings.Contains(string(resp), `"`+id+`"`) {
				errs <- errSessionMismatch(id, string(resp))
				return
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}

func errSessionMismatch(id, resp string) error {
	return &mismatchError{id: id, resp: resp}
}

type mismatchError struct{ id, resp string }

func (e *mismatchError) Error() string {
	return "response for id " + e.id + " carried wrong id: " + e.resp
}

func TestNotificationFanout(t *testing.T) {
	t.Parallel()
	b := New(stdioDest(t, "cat"), Options{Logger: testLogger()})
	defer b.Shutdown(context.Background())

	sid, err := b.OpenSession()
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	q, err := b.Subscribe(sid)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// cat echoes the id-less line back, which must land on the queue.
	note := []byte(`{"jsonrpc":"2.0","method":"notifications/progress"}`)
	if err := b.Notify(note); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	item, ok := q.Pop(ctx)
	if !ok {
		t.Fatal("queue closed before notification arrived")
	}
	if !strings.Contains(string(item), "notifications/progress") {
		t.Errorf("unexpected queue item: %s", item)
	}
}

func TestCallTimeout(t *testing.T) {
	t.Parallel()
	// sleep never answers, so the call must hit the RPC timeout.
	b := New(stdioDest(t, "sleep 60"), Options{
		Logger:     testLogger(),
		RPCTimeout: 50 * time.Millisecond,
	})
	defer b.Shutdown(context.Background())

	env, err := mcp.Parse([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := b.Call(context.Background(), env); err != ErrTimeout {
		t.Fatalf("Call error = %v, want ErrTimeout", err)
	}

	// The timed-out call must leave no pending entry behind.
	b.mu.Lock()
	n := len(b.pending)
	b.mu.Unlock()
	if n != 0 {
		t.Errorf("pending table has %d entries after timeout, want 0", n)
	}
}

func TestCallCancellation(t *testing.T) {
	t.Parallel()
	b := New(stdioDest(t, "sleep 60"), Options{Logger: testLogger()})
	defer b.Shutdown(context.Background())

	env, err := mcp.Parse([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := b.Call(ctx, env); err != context.Canceled {
		t.Fatalf("Call error = %v, want context.Canceled", err)
	}

	// Cancellation deregisters the call but leaves the subprocess running.
	if !b.Available() {
		t.Error("bridge unavailable after client cancellation")
	}
}

func TestSessionCapacity(t *testing.T) {
	t.Parallel()
	b := New(stdioDest(t, "cat"), Options{Logger: testLogger(), MaxSessions: 1})
	defer b.Shutdown(context.Background())

	first, err := b.OpenSession()
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if _, err := b.OpenSession(); err != ErrCapacity {
		t.Fatalf("second OpenSession error = %v, want ErrCapacity", err)
	}

	// Closing the first session frees the slot.
	if err := b.CloseSession(first); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if _, err := b.OpenSession(); err != nil {
		t.Fatalf("OpenSession after close: %v", err)
	}
}

func TestCloseSessionUnknown(t *testing.T) {
	t.Parallel()
	b := New(stdioDest(t, "cat"), Options{Logger: testLogger()})
	defer b.Shutdown(context.Background())

	if err := b.CloseSession("nope"); err != ErrSessionNotFound {
		t.Fatalf("CloseSession error = %v, want ErrSessionNotFound", err)
	}
}

func TestCallResponseDeliveredOnExit(t *testing.T) {
	saved := RestartDelays
	RestartDelays = []time.Duration{time.Millisecond}
	defer func() { RestartDelays = saved }()

	// head echoes exactly one line and exits immediately. The response must
	// still reach the caller: the supervisor drains stdout before reaping.
	b := New(stdioDest(t, "head -n 1"), Options{Logger: testLogger()})
	defer b.Shutdown(context.Background())

	resp, err := b.Call(context.Background(), mustParse(t, `{"jsonrpc":"2.0","id":"h1","method":"ping"}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !strings.Contains(string(resp), `"h1"`) {
		t.Errorf("original id not restored: %s", resp)
	}
}

func TestRestartBudgetExhaustion(t *testing.T) {
	saved := RestartDelays
	RestartDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { RestartDelays = saved }()

	restarts := 0
	// true exits immediately, burning through the whole restart budget.
	b := New(stdioDest(t, "true"), Options{
		Logger:    testLogger(),
		OnRestart: func() { restarts++ },
	})
	defer b.Shutdown(context.Background())

	if _, err := b.OpenSession(); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for b.Available() {
		if time.Now().After(deadline) {
			t.Fatal("bridge still available after restart budget should be exhausted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if restarts != len(RestartDelays) {
		t.Errorf("restart attempts = %d, want %d", restarts, len(RestartDelays))
	}
	if _, err := b.Call(context.Background(), mustParse(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)); err != ErrUnavailable {
		t.Errorf("Call on unavailable bridge = %v, want ErrUnavailable", err)
	}
}

func TestShutdownClosesQueues(t *testing.T) {
	t.Parallel()
	b := New(stdioDest(t, "cat"), Options{Logger: testLogger()})

	sid, err := b.OpenSession()
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	q, err := b.Subscribe(sid)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, ok := q.Pop(context.Background()); ok {
		t.Error("queue still open after shutdown")
	}
	if b.Available() {
		t.Error("bridge reports available after shutdown")
	}
}

func mustParse(t *testing.T, s string) *mcp.Envelope {
	t.Helper()
	env, err := mcp.Parse([]byte(s))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return env
}
