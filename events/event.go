package events

import "strings"

// Params of an event, field name to field value
type Params map[string]string

// Canonical event, normalized from a vendor notification
//
// example:
// `{"timestamp": "2024-05-01T10:00:00Z", "namespace": "tns1", "eventType": "VideoSource/MotionAlarm", "params": {"State": "true"}}`
//
// see also
// - topics: https://www.onvif.org/specs/srv/event/ONVIF-Event-Service-Spec.pdf
type Event struct {
	// event time as reported by the device, passed through unparsed
	Timestamp string `json:"timestamp"`
	// topic namespace prefix, e.g. tns1
	Namespace string `json:"namespace"`
	// topic leaf after the namespace, e.g. RuleEngine/CellMotionDetector/Motion
	EventType string `json:"eventType"`
	// data items of the notification
	Params Params `json:"params"`

	// source items of the notification (e.g. VideoSourceConfigurationToken)
	Source Params `json:"source,omitempty"`
	// Initialized, Changed or Deleted for property events
	Operation string `json:"operation,omitempty"`
}

// SanitizedType returns the event type usable as a single topic level.
func (e Event) SanitizedType() string {
	return strings.ReplaceAll(e.EventType, "/", "_")
}
