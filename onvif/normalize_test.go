package onvif

import (
	"testing"

	"github.com/dratasich/onvif2mqtt/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(name, value any) map[string]any {
	return map[string]any{"$": map[string]any{"Name": name, "Value": value}}
}

func notification(topic any, data any) RawEvent {
	msg := map[string]any{
		"$": map[string]any{"UtcTime": "2024-05-01T10:00:00Z"},
	}
	if data != nil {
		msg["data"] = map[string]any{"simpleItem": data}
	}
	return RawEvent{
		"topic":   topic,
		"message": map[string]any{"message": msg},
	}
}

func TestNormalizeMotionAlarm(t *testing.T) {
	// arrange
	raw := notification(
		map[string]any{"_": "tns1:MotionAlarm", "$": map[string]any{"Dialect": "ConcreteSet"}},
		item("State", "true"),
	)

	// act
	ev, err := Normalize(raw)

	// assert
	require.NoError(t, err)
	assert.Equal(t, events.Event{
		Timestamp: "2024-05-01T10:00:00Z",
		Namespace: "tns1",
		EventType: "MotionAlarm",
		Params:    events.Params{"State": "true"},
	}, ev)
}

func TestNormalizeTopicWithExtraDelimiter(t *testing.T) {
	ev, err := Normalize(notification("tns1:VideoSource/MotionAlarm:Profile1", item("State", "true")))

	require.NoError(t, err)
	assert.Equal(t, "tns1", ev.Namespace)
	assert.Equal(t, "VideoSource/MotionAlarm", ev.EventType)
}

func TestNormalizeSingleItemEqualsListOfOne(t *testing.T) {
	single, err := Normalize(notification("tns1:MotionAlarm", item("State", "true")))
	require.NoError(t, err)

	list, err := Normalize(notification("tns1:MotionAlarm", []any{item("State", "true")}))
	require.NoError(t, err)

	assert.Equal(t, single.Params, list.Params)
}

func TestNormalizeMultipleItemsLastWins(t *testing.T) {
	ev, err := Normalize(notification("tns1:RuleEngine/CellMotionDetector/Motion", []any{
		item("IsMotion", "false"),
		item("Region", "1"),
		item("IsMotion", "true"),
	}))

	require.NoError(t, err)
	assert.Equal(t, "RuleEngine/CellMotionDetector/Motion", ev.EventType)
	assert.Equal(t, events.Params{"IsMotion": "true", "Region": "1"}, ev.Params)
}

func TestNormalizeMissingItems(t *testing.T) {
	ev, err := Normalize(notification("tns1:Device/Trigger/Relay", nil))

	require.NoError(t, err)
	assert.NotNil(t, ev.Params)
	assert.Empty(t, ev.Params)
}

func TestNormalizeEmptyDataElement(t *testing.T) {
	raw := RawEvent{
		"topic":   "tns1:MotionAlarm",
		"message": map[string]any{"message": map[string]any{"data": ""}},
	}

	ev, err := Normalize(raw)

	require.NoError(t, err)
	assert.Empty(t, ev.Params)
	assert.Empty(t, ev.Timestamp)
}

func TestNormalizeNativeValues(t *testing.T) {
	ev, err := Normalize(notification("tns1:MotionAlarm", []any{
		item("State", true),
		item("Level", 42),
	}))

	require.NoError(t, err)
	assert.Equal(t, events.Params{"State": "true", "Level": "42"}, ev.Params)
}

func TestNormalizeSourceAndOperation(t *testing.T) {
	raw := RawEvent{
		"topic": "tns1:VideoSource/MotionAlarm",
		"message": map[string]any{"message": map[string]any{
			"$":      map[string]any{"UtcTime": "2024-05-01T10:00:00Z", "PropertyOperation": "Changed"},
			"source": map[string]any{"simpleItem": item("Source", "VideoSourceToken")},
			"data":   map[string]any{"simpleItem": item("State", "false")},
		}},
	}

	ev, err := Normalize(raw)

	require.NoError(t, err)
	assert.Equal(t, "Changed", ev.Operation)
	assert.Equal(t, events.Params{"Source": "VideoSourceToken"}, ev.Source)
	assert.Equal(t, events.Params{"State": "false"}, ev.Params)
}

func TestNormalizeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  RawEvent
		want error
	}{
		{"missing topic", RawEvent{"message": map[string]any{"message": map[string]any{}}}, ErrMissingTopic},
		{"no namespace", notification("MotionAlarm", nil), ErrMalformedTopic},
		{"empty namespace", notification(":MotionAlarm", nil), ErrMalformedTopic},
		{"empty type", notification("tns1:", nil), ErrMalformedTopic},
		{"empty type before qualifier", notification("tns1::MotionAlarm", nil), ErrMalformedTopic},
		{"missing message", RawEvent{"topic": "tns1:MotionAlarm"}, ErrMissingMessage},
		{"missing inner message", RawEvent{"topic": "tns1:MotionAlarm", "message": map[string]any{}}, ErrMissingMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNormalizeUndecodableShape(t *testing.T) {
	_, err := Normalize(RawEvent{"topic": "tns1:MotionAlarm", "message": []any{1, 2}})

	assert.Error(t, err)
}

func TestAsList(t *testing.T) {
	assert.Nil(t, AsList(nil))
	assert.Equal(t, []any{"a"}, AsList("a"))
	assert.Equal(t, []any{"a", "b"}, AsList([]any{"a", "b"}))
}
