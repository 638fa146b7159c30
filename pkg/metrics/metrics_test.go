package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilt-dev/vnfmon/pkg/probe"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	require.NoError(t, err)

	cfg := probe.DefaultConfig("10.0.0.5")
	r.ObserveAttempt(cfg, 1, errors.New("refused"))
	r.ObserveAttempt(cfg, 2, nil)
	cfg.Transport = probe.Datagram
	r.ObserveAttempt(cfg, 1, nil)
	r.ObserveResult("port", probe.Reachable)
	r.ObserveResult("port", probe.Reachable)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.attempts.WithLabelValues("tcp", "closed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.attempts.WithLabelValues("tcp", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.attempts.WithLabelValues("udp", "open")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.results.WithLabelValues("port", "reachable")))
}

func TestNewRecorderDuplicate(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRecorder(reg)
	require.NoError(t, err)
	_, err = NewRecorder(reg)
	assert.Error(t, err)
}
