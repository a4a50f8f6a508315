package metrics

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-waterfurnace/internal/climate"
	"github.com/resident-x/go-waterfurnace/internal/domain"
	"github.com/resident-x/go-waterfurnace/internal/hub"
	"github.com/resident-x/go-waterfurnace/internal/session"
)

type fakeStats struct {
	stats hub.Stats
}

func (f *fakeStats) Stats() hub.Stats { return f.stats }

func TestObserveSensors(t *testing.T) {
	c := New(nil)

	c.Observe(domain.EntityState{ID: "line_voltage", Kind: domain.KindSensor, Value: 241.0, Available: true})
	c.Observe(domain.EntityState{ID: "compressor", Kind: domain.KindBinarySensor, Value: true, Available: true})
	c.Observe(domain.EntityState{ID: "system_mode", Kind: domain.KindTextSensor, Value: "Heating", Available: true})

	assert.Equal(t, 241.0, testutil.ToFloat64(c.value.WithLabelValues("line_voltage", "sensor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.value.WithLabelValues("compressor", "binary_sensor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.available.WithLabelValues("line_voltage")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.value))

	t.Run("unavailable drops the value", func(t *testing.T) {
		c.Observe(domain.EntityState{ID: "line_voltage", Kind: domain.KindSensor})
		assert.Equal(t, 1, testutil.CollectAndCount(c.value))
		assert.Equal(t, 0.0, testutil.ToFloat64(c.available.WithLabelValues("line_voltage")))
	})
}

func TestObserveZone(t *testing.T) {
	c := New(nil)
	c.Observe(domain.EntityState{ID: "zone_0", Kind: domain.KindClimate, Available: true, Value: climate.State{
		Zone: 0, Mode: climate.ModeHeat, Current: 70.5, Low: 68, High: math.NaN(),
	}})

	assert.Equal(t, 70.5, testutil.ToFloat64(c.zoneTemp.WithLabelValues("0", "current")))
	assert.Equal(t, 68.0, testutil.ToFloat64(c.zoneTemp.WithLabelValues("0", "low")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.zoneTemp), "unknown high setpoint is not exported")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.zoneMode.WithLabelValues("0", "heat")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.zoneMode.WithLabelValues("0", "cool")))
}

func TestHandler(t *testing.T) {
	src := &fakeStats{stats: hub.Stats{
		Connected:  true,
		Polls:      7,
		PollGroups: 3,
		Session:    session.SessionStats{FramesSent: 21, CRCErrors: 2},
	}}
	c := New(src)
	c.Observe(domain.EntityState{ID: "line_voltage", Kind: domain.KindSensor, Value: 240.0, Available: true})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, want := range []string{
		"waterfurnace_connected 1",
		"waterfurnace_polls_total 7",
		"waterfurnace_poll_groups 3",
		"waterfurnace_frames_sent_total 21",
		"waterfurnace_crc_errors_total 2",
		`waterfurnace_entity_value{id="line_voltage",kind="sensor"} 240`,
	} {
		assert.True(t, strings.Contains(body, want), "missing %q", want)
	}

	src.stats.Connected = false
	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "waterfurnace_connected 0")
}
