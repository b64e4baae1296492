package hub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/testpulse/testpulse/internal/channel"
	"github.com/testpulse/testpulse/internal/domain"
	"github.com/testpulse/testpulse/internal/platform/env"
	"github.com/testpulse/testpulse/internal/platform/metrics"
)

type Config struct {
	KeepAliveTimeout time.Duration
	ReapInterval     time.Duration
	ObserverBuffer   int
	WriteTimeout     time.Duration
	AllowedOrigins   []string
}

func ConfigFromEnv() (Config, error) {
	keepAlive, err := env.Duration("TESTPULSE_KEEPALIVE_TIMEOUT", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	reapInterval, err := env.Duration("TESTPULSE_KEEPALIVE_REAP_INTERVAL", keepAlive/4)
	if err != nil {
		return Config{}, err
	}
	buffer, err := env.Int("TESTPULSE_OBSERVER_BUFFER", 256)
	if err != nil {
		return Config{}, err
	}
	writeTimeout, err := env.Duration("TESTPULSE_OBSERVER_WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		KeepAliveTimeout: keepAlive,
		ReapInterval:     reapInterval,
		ObserverBuffer:   buffer,
		WriteTimeout:     writeTimeout,
		AllowedOrigins:   env.CSV("TESTPULSE_ALLOWED_ORIGINS", nil),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.KeepAliveTimeout <= 0 {
		return errors.New("keep-alive timeout must be positive")
	}
	if c.ReapInterval <= 0 {
		return errors.New("reap interval must be positive")
	}
	if c.ObserverBuffer <= 0 {
		return errors.New("observer buffer must be positive")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be positive")
	}
	return nil
}

// Observer is the write side of one observer's transport.
type Observer interface {
	Send(data []byte) error
	Close() error
}

// SnapshotFunc returns the state a newly joined observer starts from.
type SnapshotFunc func() domain.ConnectionSnapshot

type Hub struct {
	cfg      Config
	logger   *slog.Logger
	snapshot SnapshotFunc
	now      func() time.Time

	mu        sync.Mutex
	observers map[string]*subscription
}

type subscription struct {
	id       string
	observer Observer
	queue    chan []byte
	done     chan struct{}
	stopOnce sync.Once
	lastSeen atomic.Int64
}

type Option func(*Hub)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

func New(cfg Config, snapshot SnapshotFunc, opts ...Option) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, errors.New("snapshot func is required")
	}
	h := &Hub{
		cfg:       cfg,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		snapshot:  snapshot,
		now:       time.Now,
		observers: make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Join registers obs and queues the current snapshot as its first message.
// The snapshot is taken under the hub lock, so no publish can be queued ahead
// of it.
func (h *Hub) Join(obs Observer) (string, error) {
	if obs == nil {
		return "", errors.New("observer is required")
	}
	sub := &subscription{
		id:       uuid.NewString(),
		observer: obs,
		queue:    make(chan []byte, h.cfg.ObserverBuffer),
		done:     make(chan struct{}),
	}
	sub.lastSeen.Store(h.now().UnixNano())

	h.mu.Lock()
	msg, err := channel.NewMessage(channel.TypeConnectionStatus, h.snapshot())
	if err != nil {
		h.mu.Unlock()
		return "", err
	}
	raw, err := channel.Encode(msg)
	if err != nil {
		h.mu.Unlock()
		return "", err
	}
	sub.queue <- raw
	h.observers[sub.id] = sub
	count := len(h.observers)
	h.mu.Unlock()

	metrics.SetObservers(count)
	go h.dispatch(sub)
	h.logger.Debug("observer joined", "conn_id", sub.id)
	return sub.id, nil
}

// Leave removes connID. Unknown ids are ignored.
func (h *Hub) Leave(connID string) {
	h.remove(connID, "")
}

// Publish queues msg for every joined observer. It never blocks on a slow
// observer.
func (h *Hub) Publish(msg channel.Message) {
	raw, err := channel.Encode(msg)
	if err != nil {
		h.logger.Warn("publish encode failed", "type", msg.Type, "error", err)
		return
	}
	metrics.RecordPublished(string(msg.Type))

	var slow []*subscription
	h.mu.Lock()
	for _, sub := range h.observers {
		select {
		case sub.queue <- raw:
		default:
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		delete(h.observers, sub.id)
	}
	count := len(h.observers)
	h.mu.Unlock()

	for _, sub := range slow {
		h.stop(sub, "slow")
	}
	if len(slow) > 0 {
		metrics.SetObservers(count)
	}
}

// PublishData builds and publishes a message, logging encode failures.
func (h *Hub) PublishData(t channel.MessageType, data any) {
	msg, err := channel.NewMessage(t, data)
	if err != nil {
		h.logger.Warn("publish build failed", "type", t, "error", err)
		return
	}
	h.Publish(msg)
}

// HandleInbound records traffic from connID and answers ping with pong.
func (h *Hub) HandleInbound(connID string, raw []byte) {
	h.mu.Lock()
	sub, ok := h.observers[connID]
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.lastSeen.Store(h.now().UnixNano())

	msg, err := channel.Parse(raw)
	if err != nil {
		h.logger.Warn("inbound message dropped", "conn_id", connID, "error", err)
		return
	}
	if msg.Type != channel.TypePing {
		return
	}
	pong, err := channel.Encode(channel.Message{Type: channel.TypePong})
	if err != nil {
		h.logger.Warn("pong encode failed", "conn_id", connID, "error", err)
		return
	}

	h.mu.Lock()
	if _, still := h.observers[connID]; !still {
		h.mu.Unlock()
		return
	}
	select {
	case sub.queue <- pong:
		h.mu.Unlock()
	default:
		delete(h.observers, connID)
		h.mu.Unlock()
		h.stop(sub, "slow")
	}
}

// Count is the number of joined observers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Run drops idle observers until ctx is done, then closes every observer.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.reap()
		}
	}
}

func (h *Hub) reap() {
	cutoff := h.now().Add(-h.cfg.KeepAliveTimeout).UnixNano()

	var idle []*subscription
	h.mu.Lock()
	for id, sub := range h.observers {
		if sub.lastSeen.Load() < cutoff {
			idle = append(idle, sub)
			delete(h.observers, id)
		}
	}
	count := len(h.observers)
	h.mu.Unlock()

	for _, sub := range idle {
		h.stop(sub, "idle")
	}
	if len(idle) > 0 {
		metrics.SetObservers(count)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	subs := make([]*subscription, 0, len(h.observers))
	for id, sub := range h.observers {
		subs = append(subs, sub)
		delete(h.observers, id)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.stop(sub, "")
	}
	metrics.SetObservers(0)
}

func (h *Hub) remove(connID, reason string) {
	h.mu.Lock()
	sub, ok := h.observers[connID]
	if ok {
		delete(h.observers, connID)
	}
	count := len(h.observers)
	h.mu.Unlock()
	if !ok {
		return
	}
	metrics.SetObservers(count)
	h.stop(sub, reason)
}

func (h *Hub) stop(sub *subscription, reason string) {
	sub.stopOnce.Do(func() {
		close(sub.done)
		if err := sub.observer.Close(); err != nil {
			h.logger.Debug("observer close failed", "conn_id", sub.id, "error", err)
		}
		if reason != "" {
			metrics.RecordObserverDropped(reason)
			h.logger.Info("observer dropped", "conn_id", sub.id, "reason", reason)
		} else {
			h.logger.Debug("observer left", "conn_id", sub.id)
		}
	})
}

func (h *Hub) dispatch(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case raw := <-sub.queue:
			if err := sub.observer.Send(raw); err != nil {
				h.logger.Debug("observer write failed", "conn_id", sub.id, "error", err)
				h.remove(sub.id, "write_error")
				return
			}
		}
	}
}
