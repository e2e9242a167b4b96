package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	require.Nil(t, New(nil))
	m.ArtifactCompleted("bundle", "active")
	m.MemberProcessed("ok")
	m.Discarded(1, 2, 3)
	m.BundleDuration(time.Second)
	m.QueueDepth(3)
	m.HTTPRequest("/x", "GET", 200, time.Millisecond)
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ArtifactCompleted("bundle", "partial")
	m.ArtifactCompleted("bundle", "partial")
	m.MemberProcessed("member_parse")
	m.Discarded(1, 4, 0)
	m.QueueDepth(5)

	require.Equal(t, 2.0, testutil.ToFloat64(m.artifacts.WithLabelValues("bundle", "partial")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.members.WithLabelValues("member_parse")))
	require.Equal(t, 4.0, testutil.ToFloat64(m.discarded.WithLabelValues("point")))
	require.Equal(t, 5.0, testutil.ToFloat64(m.queueDepth))
}
