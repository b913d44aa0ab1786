package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"lcm-console/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeConn delivers frames pushed with send until closed remotely.
type fakeConn struct {
	frames chan []byte
	remote chan struct{}
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), remote: make(chan struct{})}
}

func (c *fakeConn) send(s string) { c.frames <- []byte(s) }

// drop simulates the server closing the connection.
func (c *fakeConn) drop() { c.once.Do(func() { close(c.remote) }) }

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.frames:
		return msg, nil
	case <-c.remote:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer hands out the queued results in order; once exhausted every
// dial fails.
type fakeDialer struct {
	mu      sync.Mutex
	results []any // *fakeConn or error
	dials   int
}

func (d *fakeDialer) push(r any) {
	d.mu.Lock()
	d.results = append(d.results, r)
	d.mu.Unlock()
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	if err, ok := r.(error); ok {
		return nil, err
	}
	return r.(*fakeConn), nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *fakeReporter) SetError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *fakeReporter) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// recorder collects frames delivered to the handler.
type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) handle(msg []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, string(msg))
	r.mu.Unlock()
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig(retries int) Config {
	return Config{URL: "ws://test/realtime", MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func stateHistory(bus *events.Bus) func() []string {
	var mu sync.Mutex
	var states []string
	bus.On(events.EventChannelState, func(e events.Event) {
		mu.Lock()
		states = append(states, e.Data.(map[string]any)["state"].(string))
		mu.Unlock()
	})
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), states...)
	}
}

func TestConnectDeliversInOrder(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{}
	d.push(conn)
	ch := New(testConfig(3), d, nil, nil, testLogger())
	rec := &recorder{}

	if err := ch.Connect(rec.handle); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected", func() bool { return ch.State() == StateConnected })

	for _, m := range []string{"1", "2", "3", "4"} {
		conn.send(m)
	}
	waitFor(t, "four frames", func() bool { return len(rec.got()) == 4 })

	got := rec.got()
	for i, want := range []string{"1", "2", "3", "4"} {
		if got[i] != want {
			t.Errorf("frame %d = %q, want %q", i, got[i], want)
		}
	}

	ch.Disconnect()
	ch.wg.Wait()
}

func TestScenarioExhaustedAfterRetryBound(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{}
	d.push(conn) // every later dial fails
	rep := &fakeReporter{}
	bus := events.NewBus(testLogger())
	history := stateHistory(bus)
	ch := New(testConfig(2), d, rep, bus, testLogger())

	ch.Connect(nil)
	waitFor(t, "connected", func() bool { return ch.State() == StateConnected })

	conn.drop()
	waitFor(t, "failed", func() bool { return ch.State() == StateFailed })
	ch.wg.Wait()

	if got := d.count(); got != 3 {
		t.Errorf("dials = %d, want 3 (initial + 2 reconnects)", got)
	}
	errs := rep.all()
	if len(errs) != 1 {
		t.Fatalf("reported errors = %d, want 1", len(errs))
	}
	if !errors.Is(errs[0], ErrChannelExhausted) {
		t.Errorf("err = %v, want ErrChannelExhausted", errs[0])
	}

	want := []string{"CONNECTING", "CONNECTED", "RECONNECTING", "RECONNECTING", "FAILED"}
	got := history()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("state %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestReconnectReachesConnectedAgain(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	d := &fakeDialer{}
	d.push(first)
	d.push(errors.New("refused"))
	d.push(second)
	rep := &fakeReporter{}
	bus := events.NewBus(testLogger())
	history := stateHistory(bus)
	ch := New(testConfig(3), d, rep, bus, testLogger())
	rec := &recorder{}

	ch.Connect(rec.handle)
	waitFor(t, "connected", func() bool { return ch.State() == StateConnected })
	first.drop()

	waitFor(t, "second connection", func() bool { return d.count() == 3 && ch.State() == StateConnected })
	if ch.Info().Attempts != 0 {
		t.Errorf("attempts = %d, want reset to 0", ch.Info().Attempts)
	}

	second.send("after")
	waitFor(t, "frame on new connection", func() bool { return len(rec.got()) == 1 })

	if len(rep.all()) != 0 {
		t.Errorf("reported errors = %v, want none", rep.all())
	}
	if !first.isClosed() {
		t.Error("first connection not closed")
	}

	seen := map[string]bool{}
	for _, s := range history() {
		seen[s] = true
	}
	if !seen["RECONNECTING"] {
		t.Errorf("history %v lacks RECONNECTING", history())
	}
	if seen["DISCONNECTED"] {
		t.Errorf("history %v contains DISCONNECTED without Disconnect", history())
	}

	ch.Disconnect()
	ch.wg.Wait()
}

func TestRetryCounterResetsOnSuccess(t *testing.T) {
	// Bound 1: each drop is followed by one successful reconnect, so the
	// channel never fails even across several drops.
	conns := []*fakeConn{newFakeConn(), newFakeConn(), newFakeConn()}
	d := &fakeDialer{}
	for _, c := range conns {
		d.push(c)
	}
	ch := New(testConfig(1), d, nil, nil, testLogger())
	ch.Connect(nil)

	for i, c := range conns[:2] {
		waitFor(t, "connected", func() bool { return ch.State() == StateConnected && d.count() == i+1 })
		c.drop()
	}
	waitFor(t, "third connection", func() bool { return ch.State() == StateConnected && d.count() == 3 })

	ch.Disconnect()
	ch.wg.Wait()
}

func TestInitialDialFailureReconnects(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{}
	d.push(errors.New("refused"))
	d.push(conn)
	ch := New(testConfig(2), d, nil, nil, testLogger())

	ch.Connect(nil)
	waitFor(t, "connected", func() bool { return ch.State() == StateConnected })
	if d.count() != 2 {
		t.Errorf("dials = %d, want 2", d.count())
	}
	ch.Disconnect()
	ch.wg.Wait()
}

func TestNoDeliveryAfterDisconnect(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{}
	d.push(conn)
	ch := New(testConfig(3), d, nil, nil, testLogger())

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var delivered []string
	ch.Connect(func(msg []byte) {
		mu.Lock()
		delivered = append(delivered, string(msg))
		first := len(delivered) == 1
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
	})
	waitFor(t, "connected", func() bool { return ch.State() == StateConnected })

	conn.send("1")
	conn.send("2")
	conn.send("3")
	<-entered

	done := make(chan struct{})
	go func() {
		ch.Disconnect()
		close(done)
	}()
	waitFor(t, "disconnected state", func() bool { return ch.State() == StateDisconnected })

	select {
	case <-done:
		t.Fatal("Disconnect returned while handler was still running")
	default:
	}
	close(release)
	<-done
	ch.wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != "1" {
		t.Errorf("delivered = %v, want [1]", delivered)
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{}
	d.push(conn)
	cfg := testConfig(5)
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	ch := New(cfg, d, nil, nil, testLogger())

	ch.Connect(nil)
	waitFor(t, "connected", func() bool { return ch.State() == StateConnected })
	conn.drop()
	waitFor(t, "reconnecting", func() bool { return ch.State() == StateReconnecting })

	ch.Disconnect()
	if ch.State() != StateDisconnected {
		t.Fatalf("state = %s, want DISCONNECTED", ch.State())
	}
	ch.wg.Wait()
	if d.count() != 1 {
		t.Errorf("dials = %d, want 1", d.count())
	}
}

// blockingDialer never completes until ctx is cancelled.
type blockingDialer struct {
	started chan struct{}
}

func (d *blockingDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	close(d.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestDisconnectDuringDial(t *testing.T) {
	d := &blockingDialer{started: make(chan struct{})}
	rep := &fakeReporter{}
	ch := New(testConfig(3), d, rep, nil, testLogger())

	ch.Connect(nil)
	<-d.started
	ch.Disconnect()

	if ch.State() != StateDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", ch.State())
	}
	ch.wg.Wait()
	if ch.State() != StateDisconnected {
		t.Errorf("state after dial returned = %s, want DISCONNECTED", ch.State())
	}
	if len(rep.all()) != 0 {
		t.Errorf("reported errors = %v, want none", rep.all())
	}
}

func TestConnectLifecycleErrors(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{}
	d.push(conn)
	ch := New(testConfig(1), d, nil, nil, testLogger())

	if err := ch.Connect(nil); err != nil {
		t.Fatal(err)
	}
	if err := ch.Connect(nil); !errors.Is(err, ErrActive) {
		t.Errorf("second Connect err = %v, want ErrActive", err)
	}

	ch.Disconnect()
	ch.Disconnect() // idempotent
	if err := ch.Connect(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Disconnect err = %v, want ErrClosed", err)
	}
	ch.wg.Wait()
}

func TestConnectFromFailed(t *testing.T) {
	d := &fakeDialer{}
	ch := New(testConfig(0), d, nil, nil, testLogger())

	ch.Connect(nil)
	waitFor(t, "failed", func() bool { return ch.State() == StateFailed })

	conn := newFakeConn()
	d.push(conn)
	if err := ch.Connect(nil); err != nil {
		t.Fatalf("explicit reconnect: %v", err)
	}
	waitFor(t, "connected", func() bool { return ch.State() == StateConnected })
	ch.Disconnect()
	ch.wg.Wait()
}

func TestSupersededGenerationNotDelivered(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{}
	d.push(conn)
	ch := New(testConfig(1), d, nil, nil, testLogger())
	rec := &recorder{}
	ch.Connect(rec.handle)
	waitFor(t, "connected", func() bool { return ch.State() == StateConnected })

	ch.mu.Lock()
	stale := ch.gen - 1
	current := ch.gen
	ch.mu.Unlock()

	if ch.dispatch(stale, []byte("old")) {
		t.Error("dispatch from superseded connection reported delivered")
	}
	if !ch.dispatch(current, []byte("new")) {
		t.Error("dispatch from current connection not delivered")
	}
	if got := rec.got(); len(got) != 1 || got[0] != "new" {
		t.Errorf("delivered = %v, want [new]", got)
	}
	ch.Disconnect()
	ch.wg.Wait()
}

func TestStaleStateNotPublishedAfterDisconnect(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{}
	d.push(conn)
	bus := events.NewBus(testLogger())
	history := stateHistory(bus)
	ch := New(testConfig(1), d, nil, bus, testLogger())
	ch.Connect(nil)
	waitFor(t, "connected", func() bool { return ch.State() == StateConnected })

	ch.mu.Lock()
	g := ch.gen
	ch.mu.Unlock()

	ch.Disconnect()
	ch.wg.Wait()

	// An attempt that lost the race to Disconnect tries to publish late.
	if ch.emitCurrent(g, StateConnected, 0, nil) {
		t.Error("superseded attempt published a state event")
	}
	got := history()
	if len(got) == 0 || got[len(got)-1] != "DISCONNECTED" {
		t.Errorf("states = %v, want DISCONNECTED last", got)
	}
	if n := len(got); n != 3 {
		t.Errorf("states = %v, want CONNECTING, CONNECTED, DISCONNECTED", got)
	}
}

func TestHandlerPanicDoesNotKillChannel(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{}
	d.push(conn)
	ch := New(testConfig(1), d, nil, nil, testLogger())
	rec := &recorder{}
	ch.Connect(func(msg []byte) {
		if string(msg) == "boom" {
			panic("bad frame")
		}
		rec.handle(msg)
	})
	waitFor(t, "connected", func() bool { return ch.State() == StateConnected })

	conn.send("boom")
	conn.send("ok")
	waitFor(t, "frame after panic", func() bool { return len(rec.got()) == 1 })
	if ch.State() != StateConnected {
		t.Errorf("state = %s, want CONNECTED", ch.State())
	}
	ch.Disconnect()
	ch.wg.Wait()
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := time.Second
	tests := []struct {
		n        int
		min, max time.Duration
	}{
		{1, 100 * time.Millisecond, 120 * time.Millisecond},
		{2, 200 * time.Millisecond, 240 * time.Millisecond},
		{3, 400 * time.Millisecond, 480 * time.Millisecond},
		{5, time.Second, 1200 * time.Millisecond},
		{10, time.Second, 1200 * time.Millisecond},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := backoffDelay(tt.n, base, maxDelay)
			if d < tt.min || d > tt.max {
				t.Errorf("backoffDelay(%d) = %v, want [%v, %v]", tt.n, d, tt.min, tt.max)
			}
		}
	}
	if d := backoffDelay(3, 0, time.Second); d != 0 {
		t.Errorf("zero base = %v, want 0", d)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateDisconnected: "DISCONNECTED",
		StateConnecting:   "CONNECTING",
		StateConnected:    "CONNECTED",
		StateReconnecting: "RECONNECTING",
		StateFailed:       "FAILED",
		State(99):         "UNKNOWN",
	} {
		if s.String() != want {
			t.Errorf("State(%d) = %s, want %s", int(s), s, want)
		}
	}
}

func TestStateTextRoundTrip(t *testing.T) {
	for s := StateDisconnected; s <= StateFailed; s++ {
		b, _ := s.MarshalText()
		var got State
		if err := got.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%s): %v", b, err)
		}
		if got != s {
			t.Errorf("round trip %s = %s", s, got)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("BOGUS")); err == nil {
		t.Error("expected error for unknown state")
	}
}
