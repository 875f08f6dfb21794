// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mqhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mqhost/contracts"
	"github.com/glimte/mqhost/health"
	"github.com/glimte/mqhost/internal/rabbitmq"
	"github.com/glimte/mqhost/messaging"
	"github.com/glimte/mqhost/serialization"
)

// State is the lifecycle state of a Host
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// StateObserver is called synchronously on every host state change
type StateObserver func(State)

// Host connects the process to the broker, binds the consumer and producer
// registries and rebuilds the whole pipeline when the connection fails.
type Host struct {
	settings       *Settings
	logger         *slog.Logger
	serializer     serialization.Serializer
	metrics        *messaging.Metrics
	shutdownPolicy messaging.ShutdownPolicy
	drainTimeout   time.Duration
	observer       StateObserver
	connOptions    []rabbitmq.ConnectionOption
	bus            *messaging.MessageBus

	// lifecycle serializes start, stop and restart
	lifecycle sync.Mutex
	events    contracts.EventHandler

	// mu guards the components of the current cycle
	mu        sync.RWMutex
	conn      *rabbitmq.ConnectionManager
	consumers *messaging.ConsumerRegistry
	producers *messaging.ProducerRegistry

	state      atomic.Int32
	restarts   chan error
	restarting atomic.Bool

	supervisorMu     sync.Mutex
	supervisorCancel context.CancelFunc
	supervisorDone   chan struct{}
}

// Option configures a Host
type Option func(*Host)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithSerializer replaces the XML serializer
func WithSerializer(serializer serialization.Serializer) Option {
	return func(h *Host) {
		h.serializer = serializer
	}
}

// WithMetrics records consumer, producer and connection metrics
func WithMetrics(metrics *messaging.Metrics) Option {
	return func(h *Host) {
		h.metrics = metrics
	}
}

// WithShutdownPolicy sets what stopping does with handlers still running
func WithShutdownPolicy(policy messaging.ShutdownPolicy, drainTimeout time.Duration) Option {
	return func(h *Host) {
		h.shutdownPolicy = policy
		h.drainTimeout = drainTimeout
	}
}

// WithStateObserver registers a hook for state changes
func WithStateObserver(observer StateObserver) Option {
	return func(h *Host) {
		h.observer = observer
	}
}

// WithPrefetchCount limits unacknowledged deliveries per consumer channel
func WithPrefetchCount(count int) Option {
	return func(h *Host) {
		h.connOptions = append(h.connOptions,
			rabbitmq.WithSessionOptions(rabbitmq.WithPrefetchCount(count)))
	}
}

// WithConnectionName sets the connection name shown by the broker
func WithConnectionName(name string) Option {
	return func(h *Host) {
		h.connOptions = append(h.connOptions, rabbitmq.WithConnectionName(name))
	}
}

// QueueDeclaration controls how queues are declared before they are used.
// Arguments are passed to the broker as given, so dead-lettering of rejected
// messages is configured with "x-dead-letter-exchange".
type QueueDeclaration = rabbitmq.QueueDeclaration

// WithQueueDeclaration declares every consumer and producer queue with decl
// instead of a plain durable queue
func WithQueueDeclaration(decl QueueDeclaration) Option {
	return func(h *Host) {
		h.connOptions = append(h.connOptions,
			rabbitmq.WithSessionOptions(rabbitmq.WithQueueDeclaration(decl)))
	}
}

// WithExistingQueues skips queue declaration. The queues must already exist.
func WithExistingQueues() Option {
	return func(h *Host) {
		h.connOptions = append(h.connOptions,
			rabbitmq.WithSessionOptions(rabbitmq.WithoutQueueDeclaration()))
	}
}

// WithConsumerStopTimeout bounds how long stopping waits for each consumer's
// delivery loop to end
func WithConsumerStopTimeout(timeout time.Duration) Option {
	return func(h *Host) {
		h.connOptions = append(h.connOptions,
			rabbitmq.WithSessionOptions(rabbitmq.WithConsumerStopTimeout(timeout)))
	}
}

// WithHeartbeat sets the heartbeat interval negotiated with the broker
func WithHeartbeat(interval time.Duration) Option {
	return func(h *Host) {
		h.connOptions = append(h.connOptions, rabbitmq.WithHeartbeat(interval))
	}
}

func withConnectionOptions(options ...rabbitmq.ConnectionOption) Option {
	return func(h *Host) {
		h.connOptions = append(h.connOptions, options...)
	}
}

// NewHost creates a stopped host
func NewHost(settings *Settings, options ...Option) (*Host, error) {
	if settings == nil {
		return nil, fmt.Errorf("%w: settings cannot be nil", ErrInvalidSettings)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	h := &Host{
		settings:       settings,
		logger:         slog.Default(),
		shutdownPolicy: messaging.ShutdownImmediate,
		drainTimeout:   30 * time.Second,
		bus:            messaging.NewMessageBus(),
		restarts:       make(chan error, 1),
	}

	for _, opt := range options {
		opt(h)
	}

	if h.serializer == nil {
		h.serializer = serialization.NewXMLSerializer()
	}
	if err := h.metrics.Register(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return h, nil
}

// Bus returns the bus application messages are published on
func (h *Host) Bus() *messaging.MessageBus {
	return h.bus
}

// State returns the current lifecycle state
func (h *Host) State() State {
	return State(h.state.Load())
}

// Publish hands msg to every producer whose queue accepts its type. Nothing
// is buffered: a message published while the host is not running is lost.
func (h *Host) Publish(ctx context.Context, msg interface{}) {
	if h.State() != StateRunning {
		h.logger.Debug("publishing while not running", "state", h.State(), "messageType", fmt.Sprintf("%T", msg))
	}
	h.bus.Publish(ctx, msg)
}

// Status reports host and connection state for health checks
func (h *Host) Status() health.HostStatus {
	h.mu.RLock()
	conn, consumers := h.conn, h.consumers
	h.mu.RUnlock()

	status := health.HostStatus{
		State:      h.State().String(),
		Running:    h.State() == StateRunning,
		Connection: rabbitmq.StateDisconnected.String(),
	}
	if conn != nil {
		status.Connection = conn.State().String()
		status.Connected = conn.IsConnected()
	}
	if consumers != nil {
		status.Queues = len(consumers.Queues())
		status.InFlight = consumers.InFlight()
	}
	return status
}

// Start connects and binds every registration. Connection attempts are
// retried until they succeed or ctx is done; an invalid URL fails at once.
// Starting a running host is a no-op.
func (h *Host) Start(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if h.State() == StateRunning {
		return nil
	}

	// faults of a previous cycle are stale
	select {
	case <-h.restarts:
	default:
	}
	h.restarting.Store(false)

	if err := h.start(ctx); err != nil {
		return err
	}

	h.startSupervisor()
	return nil
}

// Stop disposes consumers and producers and disconnects. Safe to call more
// than once. A Start still waiting for the broker is aborted.
func (h *Host) Stop(ctx context.Context) error {
	h.stopSupervisor()

	if h.State() == StateStarting {
		h.mu.RLock()
		pending := h.conn
		h.mu.RUnlock()
		if pending != nil {
			_ = pending.Disconnect()
		}
	}

	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if h.State() == StateStopped {
		return nil
	}
	return h.stop(ctx)
}

func (h *Host) start(ctx context.Context) error {
	cfg := h.settings.snapshot()

	events := cfg.eventHandler
	if events == nil {
		events = contracts.NewLogEventHandler(h.logger)
	}
	h.events = events

	connOptions := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(h.logger),
		rabbitmq.WithReconnectDelay(cfg.reconnectInterval),
	}
	if cfg.username != "" {
		connOptions = append(connOptions, rabbitmq.WithCredentials(cfg.username, cfg.password))
	}
	connOptions = append(connOptions, h.connOptions...)

	conn := rabbitmq.NewConnectionManager(cfg.url, connOptions...)
	conn.AddStateListener(&connectionReporter{url: rabbitmq.SanitizeURL(cfg.url), events: events, metrics: h.metrics})
	conn.OnFault(h.requestRestart)
	h.setComponents(conn, nil, nil)
	h.setState(StateStarting)

	session, err := conn.Connect(ctx)
	if err != nil {
		_ = h.teardown(ctx)
		h.setState(StateStopped)
		return fmt.Errorf("failed to connect: %w", err)
	}

	consumers := messaging.NewConsumerRegistry(h.serializer,
		messaging.WithConsumerLogger(h.logger),
		messaging.WithConsumerEvents(events),
		messaging.WithConsumerMetrics(h.metrics),
		messaging.WithFullMessageLogging(cfg.logFullMessage),
		messaging.WithShutdownPolicy(h.shutdownPolicy, h.drainTimeout),
	)
	producers := messaging.NewProducerRegistry(h.serializer,
		messaging.WithProducerLogger(h.logger),
		messaging.WithProducerEvents(events),
		messaging.WithProducerMetrics(h.metrics),
	)

	h.setComponents(conn, consumers, producers)

	if err := h.load(cfg, consumers, producers); err != nil {
		_ = h.teardown(ctx)
		h.setState(StateStopped)
		return err
	}

	if err := producers.Bind(ctx, session, h.bus); err != nil {
		_ = h.teardown(ctx)
		h.setState(StateStopped)
		return fmt.Errorf("failed to bind producers: %w", err)
	}
	if err := consumers.Bind(ctx, session); err != nil {
		_ = h.teardown(ctx)
		h.setState(StateStopped)
		return fmt.Errorf("failed to bind consumers: %w", err)
	}

	h.setState(StateRunning)
	h.logger.Info("host started",
		"consumerQueues", len(consumers.Queues()),
		"producerQueues", len(producers.Queues()),
	)
	return nil
}

// load registers every consumer and producer from the settings snapshot
func (h *Host) load(cfg snapshot, consumers *messaging.ConsumerRegistry, producers *messaging.ProducerRegistry) error {
	for _, reg := range cfg.consumers {
		if err := consumers.AddBinding(reg.queue, reg.binding(cfg.namespaceTags)); err != nil {
			return fmt.Errorf("%w: failed to register consumer of %s on %s: %w", ErrInvalidSettings, reg.messageType.Name(), reg.queue, err)
		}
	}
	for _, reg := range cfg.producers {
		if err := producers.RegisterQueue(reg.queue, reg.messageType); err != nil {
			return fmt.Errorf("%w: failed to register producer of %s on %s: %w", ErrInvalidSettings, reg.messageType.Name(), reg.queue, err)
		}
	}
	return nil
}

func (h *Host) stop(ctx context.Context) error {
	h.setState(StateStopping)
	err := h.teardown(ctx)
	h.setState(StateStopped)

	if err != nil {
		h.logger.Warn("host stopped with errors", "error", err)
	} else {
		h.logger.Info("host stopped")
	}
	return err
}

// teardown clears both registries and disconnects. Every handle is closed
// before the connection goes away.
func (h *Host) teardown(ctx context.Context) error {
	h.mu.Lock()
	conn, consumers, producers := h.conn, h.consumers, h.producers
	h.conn, h.consumers, h.producers = nil, nil, nil
	h.mu.Unlock()

	var errs []error
	if consumers != nil {
		if err := consumers.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if producers != nil {
		if err := producers.Clear(); err != nil {
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Host) setComponents(conn *rabbitmq.ConnectionManager, consumers *messaging.ConsumerRegistry, producers *messaging.ProducerRegistry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conn, h.consumers, h.producers = conn, consumers, producers
}

// requestRestart is the connection fault callback. Requests coalesce: while
// a restart is pending or still disposing the failed cycle, further faults
// are dropped.
func (h *Host) requestRestart(cause error) {
	if !h.restarting.CompareAndSwap(false, true) {
		h.logger.Debug("restart already pending", "error", cause)
		return
	}
	select {
	case h.restarts <- cause:
	default:
	}
}

func (h *Host) startSupervisor() {
	h.supervisorMu.Lock()
	defer h.supervisorMu.Unlock()

	if h.supervisorCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.supervisorCancel, h.supervisorDone = cancel, done
	go h.supervise(ctx, done)
}

func (h *Host) stopSupervisor() {
	h.supervisorMu.Lock()
	cancel, done := h.supervisorCancel, h.supervisorDone
	h.supervisorCancel, h.supervisorDone = nil, nil
	h.supervisorMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (h *Host) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case cause := <-h.restarts:
			h.restart(ctx, cause)
		}
	}
}

// restart rebuilds the pipeline after a connection fault. If binding fails on
// the new connection it tries again after the reconnection interval.
func (h *Host) restart(ctx context.Context, cause error) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if h.State() != StateRunning {
		h.restarting.Store(false)
		return
	}

	h.events.HandleError(fmt.Sprintf("Connection to broker lost: %v. Restarting", cause))
	h.metrics.ObserveRestart()

	if err := h.stop(ctx); err != nil {
		h.logger.Warn("errors while disposing failed pipeline", "error", err)
	}

	// the old cycle is gone; faults from here on belong to the new connection
	h.restarting.Store(false)

	for {
		err := h.start(ctx)
		if err == nil {
			h.events.HandleEvent("Connection to broker restored")
			return
		}
		if ctx.Err() != nil || rabbitmq.IsFatal(err) || errors.Is(err, ErrInvalidSettings) {
			h.logger.Error("restart abandoned", "error", err)
			return
		}

		delay := h.settings.snapshot().reconnectInterval
		h.logger.Error("restart failed", "error", err, "nextRetryIn", delay)
		h.events.HandleError(fmt.Sprintf("Restart failed: %v", err))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (h *Host) setState(s State) {
	if State(h.state.Swap(int32(s))) == s {
		return
	}
	if h.observer != nil {
		h.observer(s)
	}
}

// connectionReporter turns connection events into event sink reports and
// metrics
type connectionReporter struct {
	url     string
	events  contracts.EventHandler
	metrics *messaging.Metrics
}

func (r *connectionReporter) OnConnected() {
	r.metrics.ObserveConnectAttempt(true)
	r.events.HandleEvent(fmt.Sprintf("Connected to %s", r.url))
}

func (r *connectionReporter) OnDisconnected(err error) {
	if err != nil {
		r.events.HandleError(fmt.Sprintf("Connection to %s failed: %v", r.url, err))
	}
}

func (r *connectionReporter) OnConnectFailed(attempt int, err error, next time.Duration) {
	r.metrics.ObserveConnectAttempt(false)
	r.events.HandleError(fmt.Sprintf("Connection attempt %d to %s failed: %v. Retrying in %v", attempt, r.url, err, next))
}
