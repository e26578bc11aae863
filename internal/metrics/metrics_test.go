package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vawter.tech/stopper"

	"github.com/ChuLiYu/relaunchd/pkg/types"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

// value returns the sample of family name whose labels include want.
func value(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("no sample %s%v", name, want)
	return 0
}

func TestNewCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
		NewCollector(prometheus.NewRegistry())
	})

	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) }, "double registration")
}

func TestTransition(t *testing.T) {
	c, reg := newTestCollector(t)
	c.Transition("a", types.StateLoaded, types.StateRunning)
	c.Transition("b", types.StateLoaded, types.StateRunning)
	c.Transition("a", types.StateRunning, types.StateStopped)

	assert.Equal(t, 2.0, value(t, reg, "relaunchd_job_transitions_total", map[string]string{"from": "loaded", "to": "running"}))
	assert.Equal(t, 1.0, value(t, reg, "relaunchd_job_transitions_total", map[string]string{"from": "running", "to": "stopped"}))
}

func TestRecordSpawnAndActivation(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordSpawn(nil)
	c.RecordSpawn(nil)
	c.RecordSpawn(errors.New("exec failed"))
	c.RecordActivation()

	assert.Equal(t, 2.0, value(t, reg, "relaunchd_spawns_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "relaunchd_spawn_failures_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "relaunchd_activations_total", nil))
}

func TestObserveRPC(t *testing.T) {
	c, reg := newTestCollector(t)
	c.ObserveRPC("list", "", 2*time.Millisecond)
	c.ObserveRPC("load", "duplicate_label", time.Millisecond)
	c.ObserveRPC("load", "", time.Millisecond)

	assert.Equal(t, 1.0, value(t, reg, "relaunchd_rpc_requests_total", map[string]string{"method": "list", "result": "ok"}))
	assert.Equal(t, 1.0, value(t, reg, "relaunchd_rpc_requests_total", map[string]string{"method": "load", "result": "duplicate_label"}))
	assert.Equal(t, 2.0, value(t, reg, "relaunchd_rpc_duration_seconds", map[string]string{"method": "load"}))
}

func TestUpdateJobStats(t *testing.T) {
	c, reg := newTestCollector(t)
	c.UpdateJobStats(map[types.JobState]int{types.StateRunning: 3, types.StateDisabled: 1})
	assert.Equal(t, 3.0, value(t, reg, "relaunchd_jobs", map[string]string{"state": "running"}))
	assert.Equal(t, 0.0, value(t, reg, "relaunchd_jobs", map[string]string{"state": "activating"}))

	c.UpdateJobStats(map[types.JobState]int{})
	assert.Equal(t, 0.0, value(t, reg, "relaunchd_jobs", map[string]string{"state": "running"}))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c, reg := newTestCollector(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.ObserveRPC("list", "", time.Microsecond)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000.0, value(t, reg, "relaunchd_rpc_requests_total", map[string]string{"method": "list"}))
}

func TestStartServer(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordActivation()

	sctx := stopper.WithContext(context.Background())
	addr, err := StartServer(sctx, "127.0.0.1:0", reg, nil)
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "relaunchd_activations_total 1"))

	sctx.Stop(time.Second)
	assert.NoError(t, sctx.Wait())
}
