// Package metrics exports entity states and link statistics to Prometheus.
package metrics

import (
	"math"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/resident-x/go-waterfurnace/internal/climate"
	"github.com/resident-x/go-waterfurnace/internal/domain"
	"github.com/resident-x/go-waterfurnace/internal/hub"
)

const namespace = "waterfurnace"

// StatsSource provides hub statistics.
type StatsSource interface {
	Stats() hub.Stats
}

// Collector owns a registry holding entity gauges and link counters.
type Collector struct {
	registry  *prometheus.Registry
	value     *prometheus.GaugeVec
	available *prometheus.GaugeVec
	zoneTemp  *prometheus.GaugeVec
	zoneMode  *prometheus.GaugeVec
}

// New creates a collector. stats may be nil.
func New(stats StatsSource) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		value: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entity_value",
			Help:      "Latest numeric value of a sensor or binary sensor.",
		}, []string{"id", "kind"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entity_available",
			Help:      "Whether the entity has a usable value (1) or not (0).",
		}, []string{"id"}),
		zoneTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "zone_temperature_fahrenheit",
			Help:      "Zone temperatures in °F.",
		}, []string{"zone", "kind"}),
		zoneMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "zone_mode",
			Help:      "1 for the zone's current mode.",
		}, []string{"zone", "mode"}),
	}
	c.registry.MustRegister(c.value, c.available, c.zoneTemp, c.zoneMode)

	if stats != nil {
		c.registerStats(stats)
	}
	return c
}

func (c *Collector) registerStats(src StatsSource) {
	gauge := func(name, help string, fn func(hub.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return fn(src.Stats()) })
	}
	counter := func(name, help string, fn func(hub.Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return float64(fn(src.Stats())) })
	}

	c.registry.MustRegister(
		gauge("connected", "Whether the board replied within the connected timeout.", func(s hub.Stats) float64 {
			return boolFloat(s.Connected)
		}),
		gauge("poll_groups", "Number of poll groups.", func(s hub.Stats) float64 { return float64(s.PollGroups) }),
		counter("polls_total", "Completed poll cycles.", func(s hub.Stats) int64 { return s.Polls }),
		counter("poll_failures_total", "Poll cycles with at least one failed group.", func(s hub.Stats) int64 { return s.PollFailures }),
		counter("frames_sent_total", "Request frames sent.", func(s hub.Stats) int64 { return s.Session.FramesSent }),
		counter("frames_received_total", "Good reply frames received.", func(s hub.Stats) int64 { return s.Session.FramesReceived }),
		counter("crc_errors_total", "Replies with a bad checksum.", func(s hub.Stats) int64 { return s.Session.CRCErrors }),
		counter("device_errors_total", "Exception replies from the board.", func(s hub.Stats) int64 { return s.Session.DeviceErrors }),
		counter("timeouts_total", "Requests with no reply.", func(s hub.Stats) int64 { return s.Session.Timeouts }),
	)
}

// Observe records an entity state. It is meant to be subscribed to the state store.
func (c *Collector) Observe(state domain.EntityState) {
	switch v := state.Value.(type) {
	case float64:
		c.setValue(state, v)
	case bool:
		c.setValue(state, boolFloat(v))
	case climate.State:
		c.observeZone(v)
	case *climate.State:
		c.observeZone(*v)
	case nil:
		if state.Kind == domain.KindSensor || state.Kind == domain.KindBinarySensor {
			c.value.DeleteLabelValues(state.ID, string(state.Kind))
			c.available.WithLabelValues(state.ID).Set(0)
		}
	}
}

func (c *Collector) setValue(state domain.EntityState, v float64) {
	c.value.WithLabelValues(state.ID, string(state.Kind)).Set(v)
	c.available.WithLabelValues(state.ID).Set(boolFloat(state.Available))
}

func (c *Collector) observeZone(s climate.State) {
	zone := strconv.Itoa(s.Zone)
	for kind, v := range map[string]float64{"current": s.Current, "low": s.Low, "high": s.High} {
		if math.IsNaN(v) {
			c.zoneTemp.DeleteLabelValues(zone, kind)
			continue
		}
		c.zoneTemp.WithLabelValues(zone, kind).Set(v)
	}
	for _, m := range []climate.Mode{climate.ModeOff, climate.ModeHeatCool, climate.ModeCool, climate.ModeHeat} {
		c.zoneMode.WithLabelValues(zone, string(m)).Set(boolFloat(s.Mode == m))
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
