package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Publish results
const (
	ResultOK    = "ok"
	ResultError = "error"
)

var (
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onvif2mqtt_events_received_total",
		Help: "Total number of normalized device events",
	}, []string{"device", "event_type"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onvif2mqtt_events_dropped_total",
		Help: "Total number of raw device events dropped before dispatch",
	}, []string{"device", "reason"})

	HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onvif2mqtt_handler_failures_total",
		Help: "Total number of event handler errors and panics",
	}, []string{"event_type"})

	PublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onvif2mqtt_publish_total",
		Help: "Total number of MQTT publish attempts by result",
	}, []string{"result"})

	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "onvif2mqtt_subscriptions_active",
		Help: "Current number of open device subscriptions",
	})

	SubscriptionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onvif2mqtt_subscription_failures_total",
		Help: "Total number of device subscriptions that could not be opened",
	}, []string{"device"})
)

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
