package onvif

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/dratasich/onvif2mqtt/events"
	"github.com/mitchellh/mapstructure"
)

const namespaceDelimiter = ":"

var (
	ErrMissingTopic   = errors.New("event has no topic")
	ErrMalformedTopic = errors.New("event topic is not namespace:type")
	ErrMissingMessage = errors.New("event has no message")
)

// shapes of the raw notification tree

type rawNotification struct {
	Topic   rawText     `mapstructure:"topic"`
	Message *rawWrapper `mapstructure:"message"`
}

type rawText struct {
	Value string `mapstructure:"_"`
}

type rawWrapper struct {
	Message *rawMessage `mapstructure:"message"`
}

type rawMessage struct {
	Attrs struct {
		UtcTime           string `mapstructure:"UtcTime"`
		PropertyOperation string `mapstructure:"PropertyOperation"`
	} `mapstructure:"$"`
	Source rawItems `mapstructure:"source"`
	Data   rawItems `mapstructure:"data"`
}

type rawItems struct {
	SimpleItem []rawItem `mapstructure:"simpleItem"`
}

type rawItem struct {
	Attrs struct {
		Name  string `mapstructure:"Name"`
		Value string `mapstructure:"Value"`
	} `mapstructure:"$"`
}

var rawTextType = reflect.TypeOf(rawText{})

// listHook wraps a single item into a list when a list is expected.
// Vendors send one SimpleItem as an object and several as a list.
func listHook(from, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.Slice || from.Kind() == reflect.Slice {
		return data, nil
	}
	return AsList(data), nil
}

// scalarHook keeps native booleans as "true"/"false" instead of the weak
// "1"/"0", and tolerates text where an element is expected.
func scalarHook(from, to reflect.Type, data any) (any, error) {
	switch {
	case to.Kind() == reflect.String && from.Kind() == reflect.Bool:
		return strconv.FormatBool(reflect.ValueOf(data).Bool()), nil
	case to == rawTextType && from.Kind() == reflect.String:
		return map[string]any{"_": data}, nil
	case to.Kind() == reflect.Struct && from.Kind() == reflect.String && strings.TrimSpace(reflect.ValueOf(data).String()) == "":
		return map[string]any{}, nil
	}
	return data, nil
}

// Normalize converts a raw notification into a canonical event.
func Normalize(raw RawEvent) (events.Event, error) {
	var n rawNotification
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(scalarHook, listHook),
		WeaklyTypedInput: true,
		Result:           &n,
	})
	if err != nil {
		return events.Event{}, err
	}
	if err := decoder.Decode(map[string]any(raw)); err != nil {
		return events.Event{}, fmt.Errorf("decode notification: %w", err)
	}

	topic := strings.TrimSpace(n.Topic.Value)
	if topic == "" {
		return events.Event{}, ErrMissingTopic
	}
	namespace, rest, found := strings.Cut(topic, namespaceDelimiter)
	// further qualifiers after a second delimiter are not part of the type
	eventType, _, _ := strings.Cut(rest, namespaceDelimiter)
	if !found || namespace == "" || eventType == "" {
		return events.Event{}, fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
	}
	if n.Message == nil || n.Message.Message == nil {
		return events.Event{}, ErrMissingMessage
	}

	msg := n.Message.Message
	ev := events.Event{
		Timestamp: msg.Attrs.UtcTime,
		Namespace: namespace,
		EventType: eventType,
		Params:    msg.Data.params(),
		Operation: msg.Attrs.PropertyOperation,
	}
	if source := msg.Source.params(); len(source) > 0 {
		ev.Source = source
	}
	return ev, nil
}

// params maps items by name, the last of a repeated name wins.
func (r rawItems) params() events.Params {
	params := make(events.Params, len(r.SimpleItem))
	for _, item := range r.SimpleItem {
		if item.Attrs.Name == "" {
			continue
		}
		params[item.Attrs.Name] = item.Attrs.Value
	}
	return params
}
