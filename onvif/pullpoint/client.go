// Package pullpoint subscribes to ONVIF device events through the
// PullPoint interface of the event service.
//
// see also
// - api: https://www.onvif.org/ver10/events/wsdl/event.wsdl
package pullpoint

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dratasich/onvif2mqtt/onvif"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	actionCreatePullPoint = "http://www.onvif.org/ver10/events/wsdl/EventPortType/CreatePullPointSubscriptionRequest"
	actionPullMessages    = "http://www.onvif.org/ver10/events/wsdl/PullPointSubscription/PullMessagesRequest"
	actionRenew           = "http://docs.oasis-open.org/wsn/bw-2/SubscriptionManager/RenewRequest"
	actionUnsubscribe     = "http://docs.oasis-open.org/wsn/bw-2/SubscriptionManager/UnsubscribeRequest"
	actionGetCapabilities = "http://www.onvif.org/ver10/device/wsdl/GetCapabilities"

	getCapabilitiesBody = `<tds:GetCapabilities xmlns:tds="http://www.onvif.org/ver10/device/wsdl"><tds:Category>Events</tds:Category></tds:GetCapabilities>`
	createPullPointBody = `<tev:CreatePullPointSubscription xmlns:tev="http://www.onvif.org/ver10/events/wsdl"><tev:InitialTerminationTime>%s</tev:InitialTerminationTime></tev:CreatePullPointSubscription>`
	pullMessagesBody    = `<tev:PullMessages xmlns:tev="http://www.onvif.org/ver10/events/wsdl"><tev:Timeout>%s</tev:Timeout><tev:MessageLimit>%d</tev:MessageLimit></tev:PullMessages>`
	renewBody           = `<wsnt:Renew xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2"><wsnt:TerminationTime>%s</wsnt:TerminationTime></wsnt:Renew>`
	unsubscribeBody     = `<wsnt:Unsubscribe xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2"/>`

	// consecutive pull failures before the pull point is recreated
	maxPullFailures = 3
)

// Client opens PullPoint subscriptions, one goroutine per device.
type Client struct {
	pullTimeout     time.Duration
	messageLimit    int
	terminationTime time.Duration
	renewInterval   time.Duration
	retryDelay      time.Duration
	httpTimeout     time.Duration
	logger          zerolog.Logger
}

type Option func(*Client)

// WithPullTimeout sets how long the device may hold a PullMessages request.
func WithPullTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.pullTimeout = d
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// WithRenewInterval sets how often the subscription is extended by
// the termination time.
func WithRenewInterval(interval, terminationTime time.Duration) Option {
	return func(c *Client) {
		c.renewInterval = interval
		c.terminationTime = terminationTime
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		pullTimeout:     5 * time.Second,
		messageLimit:    32,
		terminationTime: 60 * time.Second,
		renewInterval:   30 * time.Second,
		retryDelay:      5 * time.Second,
		httpTimeout:     5 * time.Second,
		logger:          log.With().Str("name", "PullPoint").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open resolves the event service of device, creates a pull point and
// starts pulling. onEvent is called from the pulling goroutine.
func (c *Client) Open(ctx context.Context, device onvif.Device, onEvent func(onvif.RawEvent)) (onvif.Handle, error) {
	serviceURL, err := device.ServiceURL()
	if err != nil {
		return nil, err
	}
	soap := &soapClient{
		http:     &http.Client{Timeout: c.pullTimeout + c.httpTimeout},
		username: device.Username,
		password: device.Password,
	}

	eventsURL, err := c.eventsAddress(ctx, soap, serviceURL)
	if err != nil {
		return nil, fmt.Errorf("get event service: %w", err)
	}
	address, err := c.createPullPoint(ctx, soap, eventsURL)
	if err != nil {
		return nil, fmt.Errorf("create pull point: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		client:    c,
		soap:      soap,
		deviceID:  device.ID(),
		eventsURL: eventsURL,
		address:   address,
		onEvent:   onEvent,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.run(loopCtx)

	c.logger.Info().Str("device", s.deviceID).Str("address", address).Msg("Pull point subscription created")
	return s, nil
}

func (c *Client) eventsAddress(ctx context.Context, soap *soapClient, serviceURL string) (string, error) {
	resp, err := soap.call(ctx, serviceURL, actionGetCapabilities, getCapabilitiesBody)
	if err != nil {
		return "", err
	}
	addr := textOf(lookup(resp, "envelope", "body", "getCapabilitiesResponse", "capabilities", "events", "xAddr"))
	if addr == "" {
		return "", errors.New("device does not announce an event service")
	}
	return addr, nil
}

func (c *Client) createPullPoint(ctx context.Context, soap *soapClient, eventsURL string) (string, error) {
	body := fmt.Sprintf(createPullPointBody, duration(c.terminationTime))
	resp, err := soap.call(ctx, eventsURL, actionCreatePullPoint, body)
	if err != nil {
		return "", err
	}
	addr := textOf(lookup(resp, "envelope", "body", "createPullPointSubscriptionResponse", "subscriptionReference", "address"))
	if addr == "" {
		return "", errors.New("response carries no subscription address")
	}
	return addr, nil
}

// subscription is one running pull loop
type subscription struct {
	client    *Client
	soap      *soapClient
	deviceID  string
	eventsURL string
	address   string
	onEvent   func(onvif.RawEvent)

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)

	logger := s.client.logger.With().Str("device", s.deviceID).Logger()
	failures := 0
	lastRenew := time.Now()

	for ctx.Err() == nil {
		messages, err := s.pull(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			logger.Warn().Err(err).Int("failures", failures).Msg("Failed to pull messages")
			if failures >= maxPullFailures {
				if addr, createErr := s.client.createPullPoint(ctx, s.soap, s.eventsURL); createErr != nil {
					logger.Error().Err(createErr).Msg("Failed to recreate pull point")
				} else {
					logger.Info().Str("address", addr).Msg("Pull point recreated")
					s.address = addr
					failures = 0
					lastRenew = time.Now()
				}
			}
			sleep(ctx, s.client.retryDelay)
			continue
		}
		failures = 0

		for _, msg := range messages {
			s.onEvent(msg)
		}

		if time.Since(lastRenew) >= s.client.renewInterval {
			body := fmt.Sprintf(renewBody, duration(s.client.terminationTime))
			if _, err := s.soap.call(ctx, s.address, actionRenew, body); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("Failed to renew subscription")
			}
			lastRenew = time.Now()
		}
	}
}

func (s *subscription) pull(ctx context.Context) ([]onvif.RawEvent, error) {
	body := fmt.Sprintf(pullMessagesBody, duration(s.client.pullTimeout), s.client.messageLimit)
	resp, err := s.soap.call(ctx, s.address, actionPullMessages, body)
	if err != nil {
		return nil, err
	}

	items := onvif.AsList(lookup(resp, "envelope", "body", "pullMessagesResponse", "notificationMessage"))
	messages := make([]onvif.RawEvent, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			messages = append(messages, onvif.RawEvent(m))
		}
	}
	return messages, nil
}

// Close stops pulling and unsubscribes from the device. No event is
// delivered after Close returns.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done

		ctx, cancel := context.WithTimeout(context.Background(), s.client.httpTimeout)
		defer cancel()
		if _, err := s.soap.call(ctx, s.address, actionUnsubscribe, unsubscribeBody); err != nil {
			s.closeErr = fmt.Errorf("unsubscribe %s: %w", s.deviceID, err)
		}
	})
	return s.closeErr
}

// duration formats d as an xs:duration in seconds.
func duration(d time.Duration) string {
	return fmt.Sprintf("PT%dS", int(d.Seconds()))
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
