package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dat-gateway/internal/events"
)

func TestPrometheusSinkRecordsLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []events.Event{
		{TS: now, Kind: events.KindOpened, Dur: 40 * time.Millisecond},
		{TS: now, Kind: events.KindBestEffort, Dur: 3 * time.Second},
		{TS: now, Kind: events.KindHit},
		{TS: now, Kind: events.KindHit},
		{TS: now, Kind: events.KindOpened, Dur: 10 * time.Millisecond},
		{TS: now, Kind: events.KindReady, Dur: 5 * time.Millisecond},
		{TS: now, Kind: events.KindEvicted, Reason: events.ReasonCapacity},
		{TS: now, Kind: events.KindClosed},
		{TS: now, Kind: events.KindOpenFailed, Dur: time.Millisecond, Note: "boom"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.opens.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.opens.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.readiness.WithLabelValues("confirmed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.readiness.WithLabelValues("best_effort")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.hits))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.evictions.WithLabelValues("capacity")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.resident))
	require.Equal(t, 2, testutil.CollectAndCount(sink.settle, "gateway_archive_settle_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
