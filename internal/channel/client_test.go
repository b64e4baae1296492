package channel

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	writes      [][]byte
	normalClose bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Write(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, b)
	return nil
}

func (c *fakeConn) Close(normal bool) error {
	c.mu.Lock()
	c.normalClose = c.normalClose || normal
	c.mu.Unlock()
	c.drop()
	return nil
}

// drop simulates the server going away.
func (c *fakeConn) drop() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *fakeConn) closedNormally() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.normalClose
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

type dialResult struct {
	conn *fakeConn
	err  error
}

type fakeDialer struct {
	mu      sync.Mutex
	targets []string
	results []dialResult
}

func (d *fakeDialer) Dial(_ context.Context, target string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, target)
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	if r.conn == nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *fakeDialer) dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.targets...)
}

type fakeTimer struct {
	f       func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

type fakeScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	timers []*fakeTimer
}

func (s *fakeScheduler) schedule(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{f: f}
	s.delays = append(s.delays, d)
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delays)
}

func (s *fakeScheduler) scheduled() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func (s *fakeScheduler) fireLast() {
	s.mu.Lock()
	t := s.timers[len(s.timers)-1]
	s.mu.Unlock()
	if t.stopped.CompareAndSwap(false, true) {
		t.f()
	}
}

func (s *fakeScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped.Load() {
			n++
		}
	}
	return n
}

func testConfig(maxAttempts int) Config {
	return Config{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: maxAttempts,
		DialTimeout: time.Second,
	}
}

func newTestClient(t *testing.T, cfg Config, d *fakeDialer, s *fakeScheduler, h Handlers) *Client {
	t.Helper()
	c, err := NewClient(cfg, d, WithScheduler(s.schedule), WithHandlers(h))
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestBackoffSequence(t *testing.T) {
	cfg := testConfig(5)
	var got []time.Duration
	for attempt := 0; attempt < 7; attempt++ {
		got = append(got, cfg.Backoff(attempt))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)
}

func TestReconnectDelaysFollowBackoff(t *testing.T) {
	d := &fakeDialer{}
	s := &fakeScheduler{}
	c := newTestClient(t, testConfig(7), d, s, Handlers{})

	c.SetTarget("ws://hub/ws")
	for i := 1; i <= 6; i++ {
		waitFor(t, func() bool { return s.count() == i })
		s.fireLast()
	}
	waitFor(t, func() bool { return c.Err() != nil })

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second,
	}, s.scheduled())
	assert.Len(t, d.dials(), 7)
}

func TestNoReconnectAfterMaxAttemptsUntilTargetChanges(t *testing.T) {
	d := &fakeDialer{}
	s := &fakeScheduler{}
	terminal := make(chan error, 2)
	c := newTestClient(t, testConfig(5), d, s, Handlers{OnTerminal: func(err error) { terminal <- err }})

	c.SetTarget("ws://a/ws")
	for i := 1; i <= 4; i++ {
		waitFor(t, func() bool { return s.count() == i })
		s.fireLast()
	}

	select {
	case err := <-terminal:
		assert.True(t, errors.Is(err, ErrReconnectExhausted))
	case <-time.After(2 * time.Second):
		t.Fatal("terminal error not surfaced")
	}
	assert.True(t, errors.Is(c.Err(), ErrReconnectExhausted))
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 0, s.pending())
	assert.Len(t, d.dials(), 5)

	c.SetTarget("ws://a/ws")
	waitFor(t, func() bool { return len(d.dials()) == 6 })

	c.SetTarget("ws://b/ws")
	waitFor(t, func() bool { return len(d.dials()) == 7 })
	assert.Equal(t, "ws://b/ws", d.dials()[6])
	waitFor(t, func() bool { return c.Attempt() == 1 })
}

func TestDefaultConfigGivesUpAfterFiveDials(t *testing.T) {
	for _, key := range []string{
		"TESTPULSE_CHANNEL_BASE_DELAY", "TESTPULSE_CHANNEL_MAX_DELAY", "TESTPULSE_CHANNEL_MAX_ATTEMPTS",
		"TESTPULSE_CHANNEL_PING_INTERVAL", "TESTPULSE_CHANNEL_DIAL_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)

	d := &fakeDialer{}
	s := &fakeScheduler{}
	c := newTestClient(t, cfg, d, s, Handlers{})
	c.SetTarget("ws://hub/ws")
	for i := 1; i <= cfg.MaxAttempts-1; i++ {
		waitFor(t, func() bool { return s.count() == i })
		s.fireLast()
	}
	waitFor(t, func() bool { return errors.Is(c.Err(), ErrReconnectExhausted) })

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, s.scheduled())
	assert.Len(t, d.dials(), 5)
	assert.Equal(t, 0, s.pending())
}

func TestAttemptResetsAfterSuccessfulOpen(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []dialResult{
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		{conn: conn},
	}}
	s := &fakeScheduler{}
	c := newTestClient(t, testConfig(5), d, s, Handlers{})

	c.SetTarget("ws://hub/ws")
	waitFor(t, func() bool { return s.count() == 1 })
	s.fireLast()
	waitFor(t, func() bool { return s.count() == 2 })
	s.fireLast()
	waitFor(t, func() bool { return c.State() == StateConnected })
	assert.Equal(t, 0, c.Attempt())

	conn.drop()
	waitFor(t, func() bool { return s.count() == 3 })
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second}, s.scheduled())
	assert.False(t, conn.closedNormally())
}

func TestDisconnectUsesNormalClosureAndDoesNotReconnect(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []dialResult{{conn: conn}}}
	s := &fakeScheduler{}
	c := newTestClient(t, testConfig(5), d, s, Handlers{})

	c.SetTarget("ws://hub/ws")
	waitFor(t, func() bool { return c.State() == StateConnected })

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, conn.closedNormally())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, s.count())
	assert.Len(t, d.dials(), 1)
}

func TestEmptyTargetDisconnects(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []dialResult{{conn: conn}}}
	s := &fakeScheduler{}
	c := newTestClient(t, testConfig(5), d, s, Handlers{})

	c.SetTarget("ws://hub/ws")
	waitFor(t, func() bool { return c.State() == StateConnected })

	c.SetTarget("")
	assert.True(t, conn.closedNormally())
	assert.Equal(t, "", c.Target())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, s.count())
}

func TestSendIsNoopUnlessConnected(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []dialResult{{conn: conn}}}
	s := &fakeScheduler{}
	c := newTestClient(t, testConfig(5), d, s, Handlers{})

	assert.False(t, c.Send(Message{Type: TypePing}))

	c.SetTarget("ws://hub/ws")
	waitFor(t, func() bool { return c.State() == StateConnected })
	assert.True(t, c.Send(Message{Type: TypePing}))

	writes := conn.written()
	require.Len(t, writes, 1)
	assert.JSONEq(t, `{"type":"ping"}`, string(writes[0]))

	c.Disconnect()
	assert.False(t, c.Send(Message{Type: TypePing}))
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []dialResult{{conn: conn}}}
	s := &fakeScheduler{}
	got := make(chan Message, 4)
	c := newTestClient(t, testConfig(5), d, s, Handlers{OnMessage: func(m Message, _ View) { got <- m }})

	c.SetTarget("ws://hub/ws")
	waitFor(t, func() bool { return c.State() == StateConnected })

	conn.in <- []byte("not json")
	conn.in <- []byte(`{"type":"bogus"}`)
	conn.in <- []byte(`{"type":"run:started","data":"oops"}`)
	conn.in <- []byte(`{"type":"run:started","data":{"runId":"r1","kind":"run_all","scopeKey":"*"}}`)

	select {
	case m := <-got:
		assert.Equal(t, TypeRunStarted, m.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("valid message not delivered")
	}
	assert.Equal(t, StateConnected, c.State())
	assert.True(t, c.View().IsRunning)
	assert.Len(t, got, 0)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig(5).Validate())

	cfg := testConfig(5)
	cfg.MaxDelay = time.Millisecond
	assert.Error(t, cfg.Validate())

	cfg = testConfig(0)
	assert.Error(t, cfg.Validate())
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("TESTPULSE_CHANNEL_MAX_ATTEMPTS", "7")
	t.Setenv("TESTPULSE_CHANNEL_BASE_DELAY", "")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.BaseDelay)

	t.Setenv("TESTPULSE_CHANNEL_MAX_DELAY", "soon")
	_, err = ConfigFromEnv()
	assert.Error(t, err)
}
