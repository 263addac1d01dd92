package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dratasich/onvif2mqtt/events"
	"github.com/eclipse/paho.golang/paho"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu           sync.Mutex
	published    []*paho.Publish
	err          error
	disconnected bool
}

func (c *fakeClient) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.published = append(c.published, p)
	return &paho.PublishResponse{}, nil
}

func (c *fakeClient) Disconnect(context.Context) error {
	c.disconnected = true
	return nil
}

func testConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           1883,
		ClientID:       "onvif2mqtt-test",
		TopicPrefix:    "onvif2mqtt",
		KeepAlive:      60,
		ConnectTimeout: time.Second,
		QoS:            1,
	}
}

func fixture(t *testing.T, client *fakeClient) (*Publisher, *bytes.Buffer) {
	var buf bytes.Buffer
	p := NewPublisher(testConfig(),
		WithLogger(zerolog.New(&buf)),
		WithDialer(func(context.Context, Config, *Publisher) (Client, error) { return client, nil }),
	)
	require.NoError(t, p.Connect(context.Background()))
	return p, &buf
}

func TestPublishTopicLayout(t *testing.T) {
	client := &fakeClient{}
	p, _ := fixture(t, client)

	p.Publish(context.Background(), "cam1", "State", "ON", false)
	p.PublishTemplate(context.Background(), "cam1/alarm", "MotionAlarm=true", true)
	p.PublishServiceStatus(context.Background(), StatusOn, true)

	require.Len(t, client.published, 3)
	assert.Equal(t, "onvif2mqtt/cam1/State", client.published[0].Topic)
	assert.Equal(t, []byte("ON"), client.published[0].Payload)
	assert.False(t, client.published[0].Retain)
	assert.Equal(t, byte(1), client.published[0].QoS)

	assert.Equal(t, "cam1/alarm", client.published[1].Topic, "template topics are not prefixed")
	assert.True(t, client.published[1].Retain)

	assert.Equal(t, "onvif2mqtt/status", client.published[2].Topic)
	assert.Equal(t, []byte("ON"), client.published[2].Payload)
	assert.True(t, client.published[2].Retain)
}

func TestPublishFailureIsLoggedOnce(t *testing.T) {
	client := &fakeClient{err: errors.New("connection lost")}
	p, buf := fixture(t, client)

	assert.NotPanics(t, func() {
		p.Publish(context.Background(), "cam1", "State", "ON", false)
	})

	var errorLines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["level"] == "error" {
			errorLines = append(errorLines, entry)
		}
	}
	require.Len(t, errorLines, 1)
	assert.Equal(t, "onvif2mqtt/cam1/State", errorLines[0]["topic"])
	assert.Equal(t, "ON", errorLines[0]["payload"])
	assert.Equal(t, "connection lost", errorLines[0]["error"])
}

func TestPublishWithoutConnection(t *testing.T) {
	var buf bytes.Buffer
	p := NewPublisher(testConfig(), WithLogger(zerolog.New(&buf)))

	p.PublishServiceStatus(context.Background(), StatusOff, true)

	assert.Contains(t, buf.String(), "not connected")
	assert.Contains(t, buf.String(), "onvif2mqtt/status")
}

func TestPublishEvent(t *testing.T) {
	client := &fakeClient{}
	p, _ := fixture(t, client)
	ev := events.Event{
		Timestamp: "2024-05-01T10:00:00Z",
		Namespace: "tns1",
		EventType: "VideoSource/MotionAlarm",
		Params:    events.Params{"State": "true"},
	}

	require.NoError(t, p.PublishEvent(context.Background(), "cam1", ev))

	require.Len(t, client.published, 2)
	assert.Equal(t, "onvif2mqtt/cam1/VideoSource_MotionAlarm/params", client.published[0].Topic)
	assert.JSONEq(t, `{"State":"true"}`, string(client.published[0].Payload))
	assert.Equal(t, "onvif2mqtt/cam1/VideoSource_MotionAlarm/full", client.published[1].Topic)
	assert.JSONEq(t, `{"timestamp":"2024-05-01T10:00:00Z","namespace":"tns1","eventType":"VideoSource/MotionAlarm","params":{"State":"true"}}`,
		string(client.published[1].Payload))
}

func TestConnectFailure(t *testing.T) {
	p := NewPublisher(testConfig(),
		WithLogger(zerolog.Nop()),
		WithDialer(func(ctx context.Context, _ Config, _ *Publisher) (Client, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	)

	err := p.Connect(context.Background())

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, p.IsConnected())
}

func TestDisconnect(t *testing.T) {
	client := &fakeClient{}
	p, _ := fixture(t, client)

	p.Disconnect(context.Background())

	assert.True(t, client.disconnected)
	assert.False(t, p.IsConnected())
}

func TestConfigURL(t *testing.T) {
	u, err := Config{Host: "broker", Port: 1883}.URL()
	require.NoError(t, err)
	assert.Equal(t, "mqtt://broker:1883", u.String())

	u, err = Config{ServerURL: "tls://broker:8883", Host: "ignored"}.URL()
	require.NoError(t, err)
	assert.Equal(t, "tls://broker:8883", u.String())

	_, err = Config{}.URL()
	assert.Error(t, err)
}

func TestConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MQTT connection test")
	}

	cfg := testConfig()
	// free to use, see https://test.mosquitto.org/
	cfg.Host = "test.mosquitto.org"
	cfg.TopicPrefix = "onvif2mqtt-test"
	cfg.ConnectTimeout = 5 * time.Second
	p := NewPublisher(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, p.Connect(ctx))
	assert.True(t, p.IsConnected())
	p.PublishServiceStatus(ctx, StatusOn, false)

	p.Disconnect(ctx)
	assert.False(t, p.IsConnected(), "Publisher should be disconnected")
}
