package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveInvoke(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveInvoke("ok", 3*time.Millisecond)
	m.ObserveInvoke("ok", time.Millisecond)
	m.ObserveInvoke("failed", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Invocations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Invocations.WithLabelValues("failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.InvokeDuration))
}

func TestObserveLoad(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveLoad(true)
	m.ObserveLoad(false)
	m.ObserveLoad(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Loads.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Loads.WithLabelValues("failed")))
}

func TestObserveRequestStatusClass(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveRequest("detect", 200, time.Millisecond)
	m.ObserveRequest("detect", 400, time.Millisecond)
	m.ObserveRequest("detect", 503, time.Millisecond)

	assert.Equal(t, 3, testutil.CollectAndCount(m.Requests))
}

func TestWatchGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	pending := 2
	m.WatchPending(func() int { return pending })
	m.WatchHeap(func() int { return 128 }, func() int { return 1024 })

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		if f.GetType().String() == "GAUGE" {
			values[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 2.0, values["tensorbridge_pending_invokes"])
	assert.Equal(t, 128.0, values["tensorbridge_heap_bytes_in_use"])
	assert.Equal(t, 1024.0, values["tensorbridge_heap_bytes_total"])
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveInvoke("ok", time.Second)
		m.ObserveLoad(true)
		m.ObserveRequest("health", 200, time.Second)
		m.WatchPending(func() int { return 0 })
		m.WatchHeap(func() int { return 0 }, func() int { return 0 })
	})
}
