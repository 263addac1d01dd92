package onvif

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

const defaultDevicePort = 80

// Device describes one camera to subscribe to
type Device struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Hostname string `mapstructure:"hostname" yaml:"hostname"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

// ID identifies the device in topics and logs.
func (d Device) ID() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Hostname
}

// ServiceURL returns the ONVIF device service endpoint.
func (d Device) ServiceURL() (string, error) {
	if d.Hostname == "" {
		return "", fmt.Errorf("device %q has no hostname", d.ID())
	}
	port := d.Port
	if port == 0 {
		port = defaultDevicePort
	}
	return "http://" + net.JoinHostPort(d.Hostname, strconv.Itoa(port)) + "/onvif/device_service", nil
}

// RawEvent is one notification message as delivered by a device
// subscription, in its loosely shaped tree form: element names keyed by
// their lower-camel local name, attributes under "$" and text under "_".
// Repeated elements are lists, single ones are not.
type RawEvent map[string]any

// Handle releases one open device subscription.
type Handle interface {
	Close() error
}

// DeviceClient opens event subscriptions to devices.
//
// onEvent is called sequentially for the events of one subscription and
// must not be called after Close returns.
type DeviceClient interface {
	Open(ctx context.Context, device Device, onEvent func(RawEvent)) (Handle, error)
}

// AsList coerces a value that may be a single item or a list of items
// into a list. nil yields an empty list.
func AsList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}
