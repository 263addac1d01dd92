package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dratasich/onvif2mqtt/events"
	"github.com/dratasich/onvif2mqtt/metrics"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MQTT configuration
type Config struct {
	// MQTT server URL, e.g. mqtt://localhost:1883; built from Host and Port if empty
	ServerURL string `mapstructure:"server_url"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Username  string `mapstructure:"username"` // MQTT Username to use when connecting to server
	Password  string `mapstructure:"password"` // MQTT Password to use when connecting to server
	ClientID  string `mapstructure:"client_id"`

	// prefix of every topic published by the service
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	KeepAlive      uint16        `mapstructure:"keep_alive"` // seconds between keepalive packets
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	QoS            byte          `mapstructure:"qos"`
}

// URL returns the broker URL.
func (c Config) URL() (*url.URL, error) {
	if c.ServerURL != "" {
		return url.Parse(c.ServerURL)
	}
	if c.Host == "" {
		return nil, errors.New("no MQTT server configured")
	}
	return &url.URL{Scheme: "mqtt", Host: net.JoinHostPort(c.Host, strconv.Itoa(c.Port))}, nil
}

const (
	StatusOn  = "ON"
	StatusOff = "OFF"

	statusSubtopic = "status"
)

// Client is the part of the connection manager the publisher needs.
type Client interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(ctx context.Context) error
}

// Dialer establishes a connected client.
type Dialer func(ctx context.Context, cfg Config, p *Publisher) (Client, error)

// Publisher writes messages to the bus. Publish failures are logged and
// dropped, never returned.
type Publisher struct {
	config    Config
	dial      Dialer
	logger    zerolog.Logger
	client    Client
	connected atomic.Bool
}

type Option func(*Publisher)

func WithDialer(d Dialer) Option {
	return func(p *Publisher) {
		p.dial = d
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func NewPublisher(cfg Config, opts ...Option) *Publisher {
	p := &Publisher{
		config: cfg,
		dial:   DialAutopaho,
		logger: log.With().Str("name", "MQTT").Str("hostname", cfg.Host).Str("clientId", cfg.ClientID).Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect establishes the broker connection or fails within the
// configured connect timeout.
func (p *Publisher) Connect(ctx context.Context) error {
	p.logger.Info().Msg("Connecting.")

	if p.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ConnectTimeout)
		defer cancel()
	}
	client, err := p.dial(ctx, p.config, p)
	if err != nil {
		return fmt.Errorf("connect to MQTT: %w", err)
	}
	p.client = client
	p.connected.Store(true)

	p.logger.Info().Msg("Successfully connected.")
	return nil
}

// DialAutopaho connects through an autopaho connection manager, which
// reconnects on its own after the first connection is up. A retained
// OFF status is registered as will.
func DialAutopaho(ctx context.Context, cfg Config, p *Publisher) (Client, error) {
	serverURL, err := cfg.URL()
	if err != nil {
		return nil, err
	}

	cliCfg := autopaho.ClientConfig{
		BrokerUrls:                    []*url.URL{serverURL},
		KeepAlive:                     cfg.KeepAlive,
		CleanStartOnInitialConnection: true,
		WillMessage: &paho.WillMessage{
			Retain:  true,
			QoS:     cfg.QoS,
			Topic:   p.StatusTopic(),
			Payload: []byte(StatusOff),
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			p.connected.Store(true)
			p.logger.Info().Msg("MQTT connection up")
		},
		OnConnectError: func(err error) {
			p.connected.Store(false)
			p.logger.Error().Err(err).Msg("Error whilst attempting connection")
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnClientError: func(err error) {
				p.connected.Store(false)
				p.logger.Error().Err(err).Msg("Client error")
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				p.connected.Store(false)
				if d.Properties != nil {
					p.logger.Error().Msgf("Server requested disconnect: %s", d.Properties.ReasonString)
				} else {
					p.logger.Error().Msgf("Server requested disconnect with reason code: %d", d.ReasonCode)
				}
			},
		},
	}
	if cfg.Username != "" {
		cliCfg.ConnectUsername = cfg.Username
		cliCfg.ConnectPassword = []byte(cfg.Password)
	}

	// the manager lives until Disconnect, ctx only bounds the first connect
	cm, err := autopaho.NewConnection(context.Background(), cliCfg)
	if err != nil {
		return nil, err
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		_ = cm.Disconnect(context.Background())
		return nil, err
	}
	return cm, nil
}

// IsConnected reports whether the broker connection is believed to be up.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

func (p *Publisher) Disconnect(ctx context.Context) {
	if p.client != nil {
		if err := p.client.Disconnect(ctx); err != nil {
			p.logger.Error().Err(err).Msg("Failed to disconnect")
		}
	}
	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT")
}

// Topic returns {prefix}/{subtopic}.
func (p *Publisher) Topic(subtopic string) string {
	return p.config.TopicPrefix + "/" + subtopic
}

// StatusTopic returns the service liveness topic.
func (p *Publisher) StatusTopic() string {
	return p.Topic(statusSubtopic)
}

// Publish a message to {prefix}/{deviceID}/{subtopic}
func (p *Publisher) Publish(ctx context.Context, deviceID, subtopic, payload string, retain bool) {
	p.publishMessage(ctx, p.Topic(deviceID+"/"+subtopic), []byte(payload), retain)
}

// PublishTemplate publishes a rendered template rule. The topic is used
// as rendered, without the prefix.
func (p *Publisher) PublishTemplate(ctx context.Context, topic, payload string, retain bool) {
	p.publishMessage(ctx, topic, []byte(payload), retain)
}

// PublishEvent publishes the params and the full event as JSON to
// {prefix}/{deviceID}/{eventType}/params and .../full
func (p *Publisher) PublishEvent(ctx context.Context, deviceID string, ev events.Event) error {
	params, err := json.Marshal(ev.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	full, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	base := deviceID + "/" + ev.SanitizedType()
	p.logger.Debug().Str("topic", p.Topic(base)).Interface("params", ev.Params).Msg("Publishing full event data")
	p.publishMessage(ctx, p.Topic(base+"/params"), params, false)
	p.publishMessage(ctx, p.Topic(base+"/full"), full, false)
	return nil
}

// PublishServiceStatus publishes ON/OFF liveness to {prefix}/status
func (p *Publisher) PublishServiceStatus(ctx context.Context, value string, retain bool) {
	p.publishMessage(ctx, p.StatusTopic(), []byte(value), retain)
}

// Publish a message to the broker
//
// internal function for error handling/logging
func (p *Publisher) publishMessage(ctx context.Context, topic string, payload []byte, retain bool) {
	p.logger.Debug().Str("topic", topic).Bytes("payload", payload).Bool("retain", retain).Msg("Publishing.")

	if p.client == nil {
		metrics.PublishTotal.WithLabelValues(metrics.ResultError).Inc()
		p.logger.Error().Str("topic", topic).Bytes("payload", payload).Msg("Failed to publish: not connected")
		return
	}

	_, err := p.client.Publish(ctx, &paho.Publish{
		QoS:     p.config.QoS,
		Retain:  retain,
		Topic:   topic,
		Payload: payload,
	})
	if err != nil {
		metrics.PublishTotal.WithLabelValues(metrics.ResultError).Inc()
		p.logger.Error().
			Err(err).
			Str("topic", topic).
			Bytes("payload", payload).
			Bool("retain", retain).
			Msg("Failed to publish")
		return
	}
	metrics.PublishTotal.WithLabelValues(metrics.ResultOK).Inc()
}
