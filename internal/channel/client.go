package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/testpulse/testpulse/internal/platform/env"
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrReconnectExhausted = errors.New("live updates unavailable: reconnect attempts exhausted")

// Conn is one transport connection to the hub.
type Conn interface {
	Read() ([]byte, error)
	Write(data []byte) error
	// Close tears the connection down. normal sends a normal-closure frame first.
	Close(normal bool) error
}

type Dialer interface {
	Dial(ctx context.Context, target string) (Conn, error)
}

// Timer is the part of *time.Timer the client needs.
type Timer interface {
	Stop() bool
}

type Config struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	// MaxAttempts counts dials per outage, the first included. The client
	// waits Backoff(0) through Backoff(MaxAttempts-2) between them, so the
	// defaults give 5 dials spaced 1s, 2s, 4s and 8s apart.
	MaxAttempts  int
	PingInterval time.Duration
	DialTimeout  time.Duration
}

func ConfigFromEnv() (Config, error) {
	baseDelay, err := env.Duration("TESTPULSE_CHANNEL_BASE_DELAY", time.Second)
	if err != nil {
		return Config{}, err
	}
	maxDelay, err := env.Duration("TESTPULSE_CHANNEL_MAX_DELAY", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxAttempts, err := env.Int("TESTPULSE_CHANNEL_MAX_ATTEMPTS", 5)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := env.Duration("TESTPULSE_CHANNEL_PING_INTERVAL", 25*time.Second)
	if err != nil {
		return Config{}, err
	}
	dialTimeout, err := env.Duration("TESTPULSE_CHANNEL_DIAL_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		BaseDelay:    baseDelay,
		MaxDelay:     maxDelay,
		MaxAttempts:  maxAttempts,
		PingInterval: pingInterval,
		DialTimeout:  dialTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.BaseDelay <= 0 {
		return errors.New("base delay must be positive")
	}
	if c.MaxDelay < c.BaseDelay {
		return errors.New("max delay must be at least the base delay")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("max attempts must be positive")
	}
	if c.PingInterval < 0 {
		return errors.New("ping interval must be >= 0")
	}
	if c.DialTimeout <= 0 {
		return errors.New("dial timeout must be positive")
	}
	return nil
}

// Backoff returns min(base * 2^attempt, max).
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := c.BaseDelay
	for i := 0; i < attempt; i++ {
		if d >= c.MaxDelay/2 {
			return c.MaxDelay
		}
		d *= 2
	}
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// Handlers are invoked from the client's read goroutine. They must not block
// for long; a slow handler delays the next message on the same connection.
type Handlers struct {
	OnMessage  func(Message, View)
	OnTerminal func(error)
}

// Client keeps one logical channel to the hub alive across transport
// failures and reduces inbound messages into a View.
type Client struct {
	cfg      Config
	dialer   Dialer
	logger   *slog.Logger
	handlers Handlers
	schedule func(time.Duration, func()) Timer

	mu       sync.Mutex
	state    State
	target   string
	attempt  int
	gen      uint64
	timer    Timer
	conn     Conn
	connDone chan struct{}
	lastErr  error
	view     View
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithHandlers(h Handlers) Option {
	return func(c *Client) { c.handlers = h }
}

// WithScheduler replaces time.AfterFunc for reconnect timers.
func WithScheduler(schedule func(time.Duration, func()) Timer) Option {
	return func(c *Client) {
		if schedule != nil {
			c.schedule = schedule
		}
	}
}

func NewClient(cfg Config, dialer Dialer, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		return nil, errors.New("dialer is required")
	}
	c := &Client{
		cfg:    cfg,
		dialer: dialer,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		schedule: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		view: NewView(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Client) Target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Err is ErrReconnectExhausted (wrapped) once the client has given up, and nil
// otherwise.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Client) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.Clone()
}

// SetTarget points the client at a new hub address. An empty target is an
// intentional disconnect. A changed target resets the attempt counter, even
// after the client has given up.
func (c *Client) SetTarget(target string) {
	c.mu.Lock()
	if target == "" {
		c.target = ""
		c.closeLocked()
		c.mu.Unlock()
		return
	}
	if target == c.target && c.lastErr == nil && c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.closeLocked()
	c.target = target
	c.attempt = 0
	c.lastErr = nil
	c.connectLocked()
	c.mu.Unlock()
}

// Disconnect closes the current connection with a normal closure and cancels
// any pending reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

// Send writes msg if the client is connected and drops it otherwise.
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	c.mu.Unlock()

	raw, err := Encode(msg)
	if err != nil {
		c.logger.Warn("channel encode failed", "type", msg.Type, "error", err)
		return false
	}
	if err := conn.Write(raw); err != nil {
		c.logger.Debug("channel write failed", "type", msg.Type, "error", err)
		return false
	}
	return true
}

// connectLocked starts a dial for the current target. Every transition bumps
// gen so callbacks from earlier dials, reads and timers are ignored.
func (c *Client) connectLocked() {
	c.stopTimerLocked()
	c.gen++
	gen := c.gen
	target := c.target
	c.state = StateConnecting
	go c.dial(gen, target)
}

func (c *Client) closeLocked() {
	c.stopTimerLocked()
	c.gen++
	c.attempt = 0
	if c.conn != nil {
		c.state = StateClosing
		conn := c.conn
		c.detachLocked()
		if err := conn.Close(true); err != nil {
			c.logger.Debug("channel close failed", "error", err)
		}
	}
	c.state = StateDisconnected
}

func (c *Client) detachLocked() {
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	c.conn = nil
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) dial(gen uint64, target string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	conn, err := c.dialer.Dial(ctx, target)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(true)
		}
		return
	}
	if err != nil {
		notify := c.failLocked(gen, err)
		c.mu.Unlock()
		notify()
		return
	}
	c.state = StateConnected
	c.attempt = 0
	c.conn = conn
	done := make(chan struct{})
	c.connDone = done
	c.mu.Unlock()

	c.logger.Info("channel connected", "target", target)
	go c.readLoop(gen, conn)
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(done)
	}
}

// failLocked records a failed dial or a dropped connection and either
// schedules the next attempt or gives up. The returned func must be called
// after the lock is released.
func (c *Client) failLocked(gen uint64, cause error) func() {
	c.state = StateDisconnected
	c.attempt++
	if c.attempt >= c.cfg.MaxAttempts {
		c.stopTimerLocked()
		c.lastErr = fmt.Errorf("%w: %v", ErrReconnectExhausted, cause)
		err := c.lastErr
		attempts := c.attempt
		onTerminal := c.handlers.OnTerminal
		return func() {
			c.logger.Error("channel giving up", "attempts", attempts, "error", cause)
			if onTerminal != nil {
				onTerminal(err)
			}
		}
	}

	delay := c.cfg.Backoff(c.attempt - 1)
	c.stopTimerLocked()
	c.timer = c.schedule(delay, func() { c.retry(gen) })
	attempt := c.attempt
	return func() {
		c.logger.Warn("channel reconnect scheduled", "attempt", attempt, "delay", delay, "error", cause)
	}
}

func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateDisconnected || c.target == "" {
		return
	}
	c.timer = nil
	c.connectLocked()
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		raw, err := conn.Read()
		if err != nil {
			c.mu.Lock()
			if gen != c.gen || c.conn != conn {
				c.mu.Unlock()
				return
			}
			c.detachLocked()
			_ = conn.Close(false)
			notify := c.failLocked(gen, err)
			c.mu.Unlock()
			notify()
			return
		}
		c.handle(gen, raw)
	}
}

func (c *Client) handle(gen uint64, raw []byte) {
	msg, err := Parse(raw)
	if err != nil {
		c.logger.Warn("channel message dropped", "error", err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if err := Reduce(&c.view, msg); err != nil {
		c.mu.Unlock()
		c.logger.Warn("channel message dropped", "type", msg.Type, "error", err)
		return
	}
	onMessage := c.handlers.OnMessage
	var view View
	if onMessage != nil {
		view = c.view.Clone()
	}
	c.mu.Unlock()

	if onMessage != nil {
		onMessage(msg, view)
	}
}

func (c *Client) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	ping := Message{Type: TypePing}
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.Send(ping)
		}
	}
}
