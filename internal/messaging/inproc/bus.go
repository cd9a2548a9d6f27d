// Package inproc is the in-memory message bus. One consumer goroutine drains
// a bounded queue and dispatches each message to registered agent handlers.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"codeagent/internal/messaging"
	"codeagent/internal/metrics"
)

var (
	ErrBusClosed = errors.New("bus is closed")
	ErrQueueFull = errors.New("bus queue is full")
)

// Handler receives one message. A returned error or a panic schedules a
// redelivery until the retry budget is spent.
type Handler func(ctx context.Context, msg messaging.Message) error

type Config struct {
	QueueSize     int
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	ShutdownGrace time.Duration

	// Sleep waits between redeliveries. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 2 * time.Second
	}
	return c
}

type Stats struct {
	MessagesSent     int64          `json:"messages_sent"`
	MessagesReceived int64          `json:"messages_received"`
	MessagesFailed   int64          `json:"messages_failed"`
	MessagesDropped  int64          `json:"messages_dropped"`
	Retries          int64          `json:"retries"`
	EventsPublished  int64          `json:"events_published"`
	QueueDepth       int            `json:"queue_depth"`
	QueueCapacity    int            `json:"queue_capacity"`
	Subscribers      map[string]int `json:"subscribers"`
	RegisteredAgents []string       `json:"registered_agents"`
	Running          bool           `json:"running"`
}

type Bus struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error

	mu       sync.RWMutex
	handlers map[string]Handler
	subs     map[messaging.EventType]map[string]struct{}

	queue chan messaging.Message

	lifecycleMu sync.Mutex
	running     bool
	closed      atomic.Bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	cancel      context.CancelFunc

	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
	retries  atomic.Int64
	events   atomic.Int64
}

func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Bus {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		cfg:      cfg,
		logger:   logger.Named("bus"),
		metrics:  m,
		handlers: make(map[string]Handler),
		subs:     make(map[messaging.EventType]map[string]struct{}),
		queue:    make(chan messaging.Message, cfg.QueueSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	b.sleep = cfg.Sleep
	if b.sleep == nil {
		b.sleep = b.wait
	}
	return b
}

// Register installs the handler used for every message addressed to
// agentID. Registering again replaces the handler.
func (b *Bus) Register(agentID string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[agentID] = handler
}

// Unregister removes the agent's handler and all of its subscriptions.
func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, agentID)
	for eventType, set := range b.subs {
		delete(set, agentID)
		if len(set) == 0 {
			delete(b.subs, eventType)
		}
	}
}

// Subscribe adds agentID to the subscribers of eventType. A non-nil handler
// is also installed as the agent's handler.
func (b *Bus) Subscribe(eventType messaging.EventType, agentID string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[eventType]
	if !ok {
		set = make(map[string]struct{})
		b.subs[eventType] = set
	}
	set[agentID] = struct{}{}
	if handler != nil {
		b.handlers[agentID] = handler
	}
}

func (b *Bus) Unsubscribe(eventType messaging.EventType, agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[eventType]
	if !ok {
		return
	}
	delete(set, agentID)
	if len(set) == 0 {
		delete(b.subs, eventType)
	}
}

func (b *Bus) IsRegistered(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[agentID]
	return ok
}

// Publish builds an EventMessage and enqueues it.
func (b *Bus) Publish(ctx context.Context, eventType messaging.EventType, payload map[string]any, source, target string, broadcast bool) error {
	msg := messaging.NewEventMessage(source, target, eventType, payload, broadcast)
	if err := b.Send(ctx, msg); err != nil {
		return err
	}
	b.events.Add(1)
	return nil
}

// Send enqueues msg. It blocks while the queue is full until ctx is done.
func (b *Bus) Send(ctx context.Context, msg messaging.Message) error {
	if msg == nil {
		return errors.New("send nil message")
	}
	if b.closed.Load() {
		return ErrBusClosed
	}
	env := msg.Header()

	select {
	case b.queue <- msg:
	case <-b.stopCh:
		return ErrBusClosed
	case <-ctx.Done():
		b.drop(env, "enqueue cancelled")
		return fmt.Errorf("enqueue %s message: %w", env.Kind, ctx.Err())
	}

	b.sent.Add(1)
	b.metrics.MessageSent(string(env.Kind))
	b.metrics.SetQueueDepth(len(b.queue))
	return nil
}

// TrySend enqueues msg without blocking.
func (b *Bus) TrySend(msg messaging.Message) error {
	if msg == nil {
		return errors.New("send nil message")
	}
	if b.closed.Load() {
		return ErrBusClosed
	}
	env := msg.Header()
	select {
	case b.queue <- msg:
	default:
		b.drop(env, "queue full")
		return ErrQueueFull
	}
	b.sent.Add(1)
	b.metrics.MessageSent(string(env.Kind))
	b.metrics.SetQueueDepth(len(b.queue))
	return nil
}

func (b *Bus) SendTask(ctx context.Context, source, target, taskID, taskType string, payload map[string]any) error {
	return b.Send(ctx, messaging.NewTaskMessage(source, target, taskID, taskType, payload))
}

func (b *Bus) SendResult(ctx context.Context, source, target, taskID string, result map[string]any, status messaging.ResultStatus, errMsg string) error {
	return b.Send(ctx, messaging.NewResultMessage(source, target, taskID, result, status, errMsg))
}

func (b *Bus) SendStatus(ctx context.Context, source, agentStatus string, m map[string]any) error {
	return b.Send(ctx, messaging.NewStatusMessage(source, agentStatus, m))
}

func (b *Bus) SendError(ctx context.Context, source, target, code, message string, details map[string]any) error {
	return b.Send(ctx, messaging.NewErrorMessage(source, target, code, message, details))
}

// Start launches the consumer goroutine. Handlers run with a context derived
// from ctx that is cancelled when Stop gives up waiting.
func (b *Bus) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.closed.Load() {
		return ErrBusClosed
	}
	if b.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	go b.run(runCtx)
	b.logger.Info("bus started", zap.Int("queue_capacity", b.cfg.QueueSize))
	return nil
}

// Stop closes the bus and waits for the consumer to finish the message in
// hand. It gives up after the shutdown grace or when ctx is done, logging
// instead of failing. Messages still queued are counted as dropped.
func (b *Bus) Stop(ctx context.Context) {
	b.lifecycleMu.Lock()
	if b.closed.Swap(true) {
		b.lifecycleMu.Unlock()
		return
	}
	close(b.stopCh)
	wasRunning := b.running
	b.running = false
	cancel := b.cancel
	b.lifecycleMu.Unlock()

	if !wasRunning {
		b.drainQueue()
		return
	}

	timer := time.NewTimer(b.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-b.doneCh:
		b.logger.Info("bus stopped")
	case <-timer.C:
		b.logger.Warn("bus stop timed out", zap.Duration("grace", b.cfg.ShutdownGrace))
	case <-ctx.Done():
		b.logger.Warn("bus stop interrupted", zap.Error(ctx.Err()))
	}
	if cancel != nil {
		cancel()
	}
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subs := make(map[string]int, len(b.subs))
	for eventType, set := range b.subs {
		subs[string(eventType)] = len(set)
	}
	agents := make([]string, 0, len(b.handlers))
	for id := range b.handlers {
		agents = append(agents, id)
	}
	b.mu.RUnlock()
	sort.Strings(agents)

	b.lifecycleMu.Lock()
	running := b.running
	b.lifecycleMu.Unlock()

	return Stats{
		MessagesSent:     b.sent.Load(),
		MessagesReceived: b.received.Load(),
		MessagesFailed:   b.failed.Load(),
		MessagesDropped:  b.dropped.Load(),
		Retries:          b.retries.Load(),
		EventsPublished:  b.events.Load(),
		QueueDepth:       len(b.queue),
		QueueCapacity:    cap(b.queue),
		Subscribers:      subs,
		RegisteredAgents: agents,
		Running:          running,
	}
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.doneCh)
	defer b.drainQueue()

	for {
		select {
		case <-b.stopCh:
			return
		case msg := <-b.queue:
			b.metrics.SetQueueDepth(len(b.queue))
			b.dispatch(ctx, msg)
		}
	}
}

func (b *Bus) drainQueue() {
	for {
		select {
		case msg := <-b.queue:
			b.drop(msg.Header(), "bus stopped")
		default:
			b.metrics.SetQueueDepth(0)
			return
		}
	}
}

type target struct {
	agentID string
	handler Handler
}

func (b *Bus) dispatch(ctx context.Context, msg messaging.Message) {
	env := msg.Header()
	var targets []target

	switch m := msg.(type) {
	case *messaging.EventMessage:
		targets = b.eventTargets(m)
		if len(targets) == 0 {
			b.logger.Debug("event has no subscribers",
				zap.String("event_type", string(m.EventType)),
				zap.String("source_agent", m.SourceAgent),
			)
			return
		}
	case *messaging.TaskMessage, *messaging.ResultMessage, *messaging.ErrorMessage:
		h, ok := b.handler(env.TargetAgent)
		if !ok {
			b.drop(env, "target agent not registered")
			return
		}
		targets = []target{{agentID: env.TargetAgent, handler: h}}
	case *messaging.StatusMessage:
		targets = b.allExcept(m.SourceAgent)
	default:
		b.drop(env, "unknown message variant")
		return
	}

	for _, t := range targets {
		b.deliver(ctx, t, msg)
	}
}

// eventTargets resolves event recipients: broadcast goes to subscribers, a
// targeted event goes to its registered target or else to the subscribers.
func (b *Bus) eventTargets(m *messaging.EventMessage) []target {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !m.Broadcast && m.TargetAgent != "" {
		if h, ok := b.handlers[m.TargetAgent]; ok {
			return []target{{agentID: m.TargetAgent, handler: h}}
		}
	}

	set := b.subs[m.EventType]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]target, 0, len(ids))
	for _, id := range ids {
		h, ok := b.handlers[id]
		if !ok {
			b.logger.Warn("subscriber has no handler",
				zap.String("agent_id", id),
				zap.String("event_type", string(m.EventType)),
			)
			continue
		}
		out = append(out, target{agentID: id, handler: h})
	}
	return out
}

func (b *Bus) allExcept(source string) []target {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.handlers))
	for id := range b.handlers {
		if id != source {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]target, 0, len(ids))
	for _, id := range ids {
		out = append(out, target{agentID: id, handler: b.handlers[id]})
	}
	return out
}

func (b *Bus) handler(agentID string) (Handler, bool) {
	if agentID == "" {
		return nil, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[agentID]
	return h, ok
}

func (b *Bus) deliver(ctx context.Context, t target, msg messaging.Message) {
	env := msg.Header()
	policy := b.newBackOff()

	for attempt := 0; ; attempt++ {
		err := b.safeCall(ctx, t.handler, msg)
		if err == nil {
			b.received.Add(1)
			b.metrics.Delivery("delivered")
			return
		}

		if attempt >= b.cfg.MaxRetries {
			b.failed.Add(1)
			b.metrics.Delivery("failed")
			b.logger.Error("delivery failed",
				zap.String("agent_id", t.agentID),
				zap.String("message_id", env.ID),
				zap.String("kind", string(env.Kind)),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return
		}

		delay := policy.NextBackOff()
		b.retries.Add(1)
		b.metrics.Retry()
		b.logger.Warn("delivery failed, retrying",
			zap.String("agent_id", t.agentID),
			zap.String("message_id", env.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if werr := b.sleep(ctx, delay); werr != nil {
			b.failed.Add(1)
			b.metrics.Delivery("failed")
			b.logger.Error("delivery abandoned",
				zap.String("agent_id", t.agentID),
				zap.String("message_id", env.ID),
				zap.Error(werr),
			)
			return
		}
	}
}

// newBackOff yields BaseDelay, 2*BaseDelay, 4*BaseDelay ... capped at
// MaxDelay, with no jitter.
func (b *Bus) newBackOff() *backoff.ExponentialBackOff {
	p := &backoff.ExponentialBackOff{
		InitialInterval:     b.cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         b.cfg.MaxDelay,
	}
	p.Reset()
	return p
}

func (b *Bus) safeCall(ctx context.Context, h Handler, msg messaging.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked",
				zap.String("message_id", msg.Header().ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

func (b *Bus) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopCh:
		return ErrBusClosed
	}
}

func (b *Bus) drop(env *messaging.Envelope, reason string) {
	b.dropped.Add(1)
	b.metrics.Delivery("dropped")
	b.logger.Warn("message dropped",
		zap.String("reason", reason),
		zap.String("message_id", env.ID),
		zap.String("kind", string(env.Kind)),
		zap.String("source_agent", env.SourceAgent),
		zap.String("target_agent", env.TargetAgent),
	)
}
