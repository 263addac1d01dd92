package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dratasich/onvif2mqtt/config"
	"github.com/dratasich/onvif2mqtt/events"
	"github.com/dratasich/onvif2mqtt/mqtt"
	"github.com/dratasich/onvif2mqtt/onvif"
	"github.com/dratasich/onvif2mqtt/templates"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State of the manager lifecycle
type State int32

const (
	Initializing State = iota
	Connecting
	Running
	Reconfiguring
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case Connecting:
		return "Connecting"
	case Running:
		return "Running"
	case Reconfiguring:
		return "Reconfiguring"
	case ShuttingDown:
		return "ShuttingDown"
	case Terminated:
		return "Terminated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var ErrNotRunning = errors.New("manager is not running")

const defaultPublishTimeout = 10 * time.Second

// Manager wires the subscriber group to the publisher and drives the
// service lifecycle.
type Manager struct {
	devices   onvif.DeviceClient
	pubOpts   []mqtt.Option
	logger    zerolog.Logger
	publisher *mqtt.Publisher
	group     *onvif.SubscriberGroup

	// serializes lifecycle transitions
	mu    sync.Mutex
	state atomic.Int32
	cfg   *config.Config

	// read on every event, swapped on reload
	rules atomic.Pointer[[]templates.Rule]

	// parent of every handler publish, cancelled on Stop
	handlerCtx     context.Context
	cancelHandlers context.CancelFunc
	publishTimeout time.Duration
}

type Option func(*Manager)

// WithPublisherOptions passes options to the publisher built on Start.
func WithPublisherOptions(opts ...mqtt.Option) Option {
	return func(m *Manager) {
		m.pubOpts = append(m.pubOpts, opts...)
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func New(cfg *config.Config, devices onvif.DeviceClient, opts ...Option) *Manager {
	m := &Manager{
		devices: devices,
		cfg:     cfg,
		logger:  log.With().Str("name", "Manager").Logger(),

		publishTimeout: cfg.MQTT.ConnectTimeout,
	}
	if m.publishTimeout <= 0 {
		m.publishTimeout = defaultPublishTimeout
	}
	m.handlerCtx, m.cancelHandlers = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(m)
	}
	m.setRules(cfg.API.Templates)
	m.state.Store(int32(Initializing))
	return m
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.logger.Debug().Str("state", s.String()).Msg("State transition")
	m.state.Store(int32(s))
}

// Publisher is available once Start has connected.
func (m *Manager) Publisher() *mqtt.Publisher {
	return m.publisher
}

// Start connects to the bus, announces the service and subscribes to the
// configured devices. Only a failed bus connection is returned; device
// failures are logged.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != Initializing {
		return fmt.Errorf("start in state %s", m.State())
	}
	m.logger.Info().Msg("Beginning initialization...")

	m.setState(Connecting)
	m.publisher = mqtt.NewPublisher(m.cfg.MQTT, m.pubOpts...)
	if err := m.publisher.Connect(ctx); err != nil {
		m.setState(Terminated)
		return err
	}
	m.publisher.PublishServiceStatus(ctx, mqtt.StatusOn, true)

	m.group = onvif.NewSubscriberGroup(m.devices)
	m.initializeDevices(ctx, m.cfg.Devices)
	m.setState(Running)

	m.logger.Info().Strs("devices", m.group.Devices()).Msg("Initialization complete")
	return nil
}

// Reconfigure replaces the device list and template rules. All
// subscriptions are released and reopened.
func (m *Manager) Reconfigure(ctx context.Context, cfg *config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != Running {
		return ErrNotRunning
	}
	m.setState(Reconfiguring)
	m.logger.Info().Int("devices", len(cfg.Devices)).Int("templates", len(cfg.API.Templates)).Msg("Reconfiguring")

	if cfg.MQTT != m.cfg.MQTT {
		m.logger.Warn().Msg("MQTT settings changed, restart to apply them")
	}
	m.cfg = cfg
	m.setRules(cfg.API.Templates)
	m.initializeDevices(ctx, cfg.Devices)

	m.setState(Running)
	return nil
}

// initializeDevices drops every subscription, attaches the default handler
// and subscribes to devices.
func (m *Manager) initializeDevices(ctx context.Context, devices []onvif.Device) {
	m.group.DestroyAll()
	m.group.RegisterHandler(onvif.AnyEvent, m.onGenericEvent)

	var wg sync.WaitGroup
	for _, device := range devices {
		wg.Add(1)
		go func(device onvif.Device) {
			defer wg.Done()
			// failures are logged by the group
			_ = m.group.AddSubscription(ctx, device)
		}(device)
	}
	wg.Wait()
}

// Stop releases the subscriptions, publishes the retained OFF status and
// disconnects. Only the first call has an effect.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case ShuttingDown, Terminated:
		return
	case Initializing, Connecting:
		m.cancelHandlers()
		m.setState(Terminated)
		return
	}
	m.setState(ShuttingDown)
	m.logger.Info().Msg("Shutting down")

	// abort publishes of handlers still running so DestroyAll can take over
	m.cancelHandlers()
	m.group.DestroyAll()
	m.publisher.PublishServiceStatus(ctx, mqtt.StatusOff, true)
	m.publisher.Disconnect(ctx)

	m.setState(Terminated)
}

func (m *Manager) setRules(rules []templates.Rule) {
	r := append([]templates.Rule(nil), rules...)
	m.rules.Store(&r)
}

func (m *Manager) templates() []templates.Rule {
	if r := m.rules.Load(); r != nil {
		return *r
	}
	return nil
}

// onGenericEvent publishes every param as a direct message, the event as
// JSON, and every template rule per param.
func (m *Manager) onGenericEvent(deviceID string, ev events.Event) error {
	m.logger.Info().Str("device", deviceID).Str("eventType", ev.EventType).Interface("params", ev.Params).Msg("Generic Event")

	for field, value := range ev.Params {
		m.withDeadline(func(ctx context.Context) {
			m.publisher.Publish(ctx, deviceID, field, SensorState(value), false)
		})
		m.publishTemplates(deviceID, ev, field, value)
	}

	var err error
	m.withDeadline(func(ctx context.Context) {
		err = m.publisher.PublishEvent(ctx, deviceID, ev)
	})
	return err
}

// withDeadline bounds a single publish, a broker that never acks must not
// hold the subscriber group.
func (m *Manager) withDeadline(publish func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(m.handlerCtx, m.publishTimeout)
	defer cancel()
	publish(ctx)
}

func (m *Manager) publishTemplates(deviceID string, ev events.Event, field, value string) {
	rules := m.templates()
	if len(rules) == 0 {
		return
	}
	values := map[string]string{
		templates.KeyDeviceID:   deviceID,
		templates.KeyEventType:  ev.EventType,
		templates.KeyEventState: value,
		templates.KeyNamespace:  ev.Namespace,
		templates.KeyField:      field,
		templates.KeyTimestamp:  ev.Timestamp,
	}
	for _, rule := range rules {
		topic, payload := rule.Render(values)
		m.withDeadline(func(ctx context.Context) {
			m.publisher.PublishTemplate(ctx, topic, payload, rule.Retain)
		})
	}
}

// SensorState maps boolean-shaped values to ON/OFF and passes anything
// else through. Boolean-shaped means "true" or "false", ignoring case and
// surrounding whitespace.
func SensorState(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true":
		return mqtt.StatusOn
	case "false":
		return mqtt.StatusOff
	}
	return value
}
