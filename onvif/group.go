package onvif

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dratasich/onvif2mqtt/events"
	"github.com/dratasich/onvif2mqtt/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrDuplicateDevice = errors.New("device already subscribed")
	ErrGroupReset      = errors.New("subscriber group was reset while subscribing")
)

// Handler receives canonical events of one device.
type Handler func(deviceID string, ev events.Event) error

// Key selects which events a handler receives: either one event type or
// any event without a handler of its own.
type Key struct {
	eventType string
	any       bool
}

// AnyEvent is the fallback key.
var AnyEvent = Key{any: true}

// EventType keys a handler by canonical event type, e.g. "VideoSource/MotionAlarm".
func EventType(eventType string) Key {
	return Key{eventType: eventType}
}

func (k Key) String() string {
	if k.any {
		return "*"
	}
	return k.eventType
}

type subscription struct {
	device     Device
	generation uint64
	handle     Handle
}

// SubscriberGroup owns the open device subscriptions and turns their raw
// events into canonical events for the registered handlers.
type SubscriberGroup struct {
	client DeviceClient
	logger zerolog.Logger

	mu            sync.RWMutex
	generation    uint64
	subscriptions []*subscription
	handlers      map[string]Handler
	fallback      Handler
}

type GroupOption func(*SubscriberGroup)

func WithGroupLogger(logger zerolog.Logger) GroupOption {
	return func(g *SubscriberGroup) {
		g.logger = logger
	}
}

func NewSubscriberGroup(client DeviceClient, opts ...GroupOption) *SubscriberGroup {
	g := &SubscriberGroup{
		client:   client,
		logger:   log.With().Str("name", "ONVIF").Logger(),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RegisterHandler installs h for key, replacing any previous handler.
// A nil handler removes the registration.
func (g *SubscriberGroup) RegisterHandler(key Key, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case key.any:
		g.fallback = h
	case h == nil:
		delete(g.handlers, key.eventType)
	default:
		g.handlers[key.eventType] = h
	}
}

// AddSubscription opens a subscription to device. A failure is logged and
// returned; subscriptions of other devices are not affected.
func (g *SubscriberGroup) AddSubscription(ctx context.Context, device Device) error {
	id := device.ID()

	g.mu.RLock()
	sub := &subscription{device: device, generation: g.generation}
	duplicate := g.findLocked(id) != nil
	g.mu.RUnlock()
	if duplicate {
		g.logger.Error().Str("device", id).Msg("Device is already subscribed")
		return fmt.Errorf("%s: %w", id, ErrDuplicateDevice)
	}

	g.logger.Info().Str("device", id).Msg("Opening subscription")
	handle, err := g.client.Open(ctx, device, func(raw RawEvent) {
		g.onRawEvent(sub, raw)
	})
	if err != nil {
		metrics.SubscriptionFailures.WithLabelValues(id).Inc()
		g.logger.Error().Err(err).Str("device", id).Msg("Failed to open subscription")
		return fmt.Errorf("open subscription for %s: %w", id, err)
	}

	g.mu.Lock()
	switch {
	case sub.generation != g.generation:
		err = fmt.Errorf("%s: %w", id, ErrGroupReset)
	case g.findLocked(id) != nil:
		err = fmt.Errorf("%s: %w", id, ErrDuplicateDevice)
	default:
		sub.handle = handle
		g.subscriptions = append(g.subscriptions, sub)
	}
	g.mu.Unlock()

	if err != nil {
		g.logger.Warn().Err(err).Str("device", id).Msg("Discarding subscription")
		if closeErr := handle.Close(); closeErr != nil {
			g.logger.Warn().Err(closeErr).Str("device", id).Msg("Failed to release subscription")
		}
		return err
	}

	metrics.SubscriptionsActive.Inc()
	g.logger.Info().Str("device", id).Msg("Subscription open")
	return nil
}

// DestroyAll releases every subscription. Events still in flight from a
// released subscription are dropped. Safe to call on an empty group.
func (g *SubscriberGroup) DestroyAll() {
	g.mu.Lock()
	subs := g.subscriptions
	g.subscriptions = nil
	g.generation++
	g.mu.Unlock()

	for _, sub := range subs {
		if err := sub.handle.Close(); err != nil {
			g.logger.Warn().Err(err).Str("device", sub.device.ID()).Msg("Failed to release subscription")
		}
		metrics.SubscriptionsActive.Dec()
	}
	if len(subs) > 0 {
		g.logger.Info().Msgf("Released %d subscriptions", len(subs))
	}
}

// Devices lists the ids of the subscribed devices.
func (g *SubscriberGroup) Devices() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.subscriptions))
	for _, sub := range g.subscriptions {
		ids = append(ids, sub.device.ID())
	}
	return ids
}

func (g *SubscriberGroup) findLocked(id string) *subscription {
	for _, sub := range g.subscriptions {
		if sub.device.ID() == id {
			return sub
		}
	}
	return nil
}

func (g *SubscriberGroup) onRawEvent(sub *subscription, raw RawEvent) {
	id := sub.device.ID()

	ev, err := Normalize(raw)
	if err != nil {
		metrics.EventsDropped.WithLabelValues(id, "malformed").Inc()
		g.logger.Error().Err(err).Str("device", id).Msg("Error processing event")
		return
	}

	// the read lock keeps reconfiguration out while the event is delivered
	g.mu.RLock()
	defer g.mu.RUnlock()

	if sub.generation != g.generation {
		metrics.EventsDropped.WithLabelValues(id, "released").Inc()
		return
	}

	g.logger.Trace().
		Str("device", id).
		Str("eventType", ev.EventType).
		Interface("params", ev.Params).
		Msg("ONVIF event received")
	metrics.EventsReceived.WithLabelValues(id, ev.EventType).Inc()

	h, ok := g.handlers[ev.EventType]
	if !ok {
		h = g.fallback
	}
	if h == nil {
		return
	}
	g.dispatch(h, id, ev)
}

func (g *SubscriberGroup) dispatch(h Handler, id string, ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerFailures.WithLabelValues(ev.EventType).Inc()
			g.logger.Error().
				Str("device", id).
				Str("eventType", ev.EventType).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()

	if err := h(id, ev); err != nil {
		metrics.HandlerFailures.WithLabelValues(ev.EventType).Inc()
		g.logger.Error().
			Err(err).
			Str("device", id).
			Str("eventType", ev.EventType).
			Msg("Event handler failed")
	}
}
