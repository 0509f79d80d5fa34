package observability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"raffler/config"
	"raffler/domain"
)

func newTestProvider(t *testing.T) (*MetricsProvider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := NewMetricsProvider(config.NewTestConfig())
	require.NoError(t, mp.InitializeWithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return mp, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	byName := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			byName[m.Name] = m
		}
	}
	return byName
}

// sumByAttr totals an int64 sum's data points keyed by one attribute
func sumByAttr(t *testing.T, m metricdata.Metrics, key string) map[string]int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is %T", m.Name, m.Data)

	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		value, _ := dp.Attributes.Value(attribute.Key(key))
		out[value.AsString()] += dp.Value
	}
	return out
}

func TestMetricsProvider_Counters(t *testing.T) {
	t.Parallel()
	mp, reader := newTestProvider(t)

	mp.RecordBalanceMutation("credit-deposit", nil, "applied")
	mp.RecordBalanceMutation("debit-for-purchase", domain.ErrInsufficientFunds, "")
	mp.RecordBalanceMutation("debit-for-purchase", nil, "applied")
	mp.RecordRaffleMessage("buy", nil)
	mp.RecordRaffleMessage("buy", domain.ErrTicketTaken)
	mp.RecordDraw("sold_out")
	mp.UpdateOpenQueues(2)
	mp.UpdateOpenQueues(-1)
	mp.RecordDeferredCreditsDispatched(3)
	mp.RecordDeferredCreditsDispatched(0)

	metrics := collect(t, reader)

	assert.Equal(t, map[string]int64{"applied": 2, "insufficient_funds": 1},
		sumByAttr(t, metrics[BalanceMutationsTotal], LabelOutcome))
	assert.Equal(t, map[string]int64{"ok": 1, "ticket_taken": 1},
		sumByAttr(t, metrics[RaffleMessagesTotal], LabelOutcome))
	assert.Equal(t, map[string]int64{"sold_out": 1},
		sumByAttr(t, metrics[RaffleDrawsTotal], LabelTrigger))
	assert.Equal(t, map[string]int64{"": 1},
		sumByAttr(t, metrics[RaffleQueuesOpen], LabelType))
	assert.Equal(t, map[string]int64{"": 3},
		sumByAttr(t, metrics[DeferredCreditsDispatchedTotal], LabelType))
}

func TestMetricsProvider_RPCHistogram(t *testing.T) {
	t.Parallel()
	mp, reader := newTestProvider(t)

	mp.RecordRPC(QueueBalance, nil, 20*time.Millisecond)
	mp.RecordRPC(QueueBalance, domain.ErrRPCTimeout, 2*time.Second)
	mp.RecordRPC(QueueRaffle, nil, 5*time.Millisecond)

	metrics := collect(t, reader)
	hist, ok := metrics[RPCDuration].Data.(metricdata.Histogram[float64])
	require.True(t, ok)

	counts := make(map[string]uint64)
	for _, dp := range hist.DataPoints {
		queue, _ := dp.Attributes.Value(LabelQueue)
		outcome, _ := dp.Attributes.Value(LabelOutcome)
		counts[queue.AsString()+"/"+outcome.AsString()] += dp.Count
	}
	assert.Equal(t, map[string]uint64{
		"balance/ok":      1,
		"balance/timeout": 1,
		"raffle/ok":       1,
	}, counts)
}

func TestMetricsProvider_DisabledIsNoop(t *testing.T) {
	t.Parallel()

	var nilProvider *MetricsProvider
	assert.NotPanics(t, func() {
		nilProvider.RecordDraw("deadline")
		nilProvider.UpdateOpenQueues(1)
		nilProvider.RecordRPC(QueueControl, nil, time.Millisecond)
	})

	cfg := config.NewTestConfig()
	cfg.OTelExporterType = ExporterNone
	mp := NewMetricsProvider(cfg)
	require.NoError(t, mp.Initialize(context.Background()))
	assert.False(t, mp.isEnabled())
	assert.NotPanics(t, func() {
		mp.RecordBalanceMutation("credit-payout", nil, "applied")
	})
	assert.NoError(t, mp.Shutdown(context.Background()))

	cfg.OTelExporterType = "carrier-pigeon"
	assert.Error(t, NewMetricsProvider(cfg).Initialize(context.Background()))
}

func TestOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: OutcomeOK},
		{err: domain.ErrRPCTimeout, want: OutcomeTimeout},
		{err: fmt.Errorf("wrapped: %w", domain.ErrRPCTimeout), want: OutcomeTimeout},
		{err: domain.ErrRaffleFinished, want: domain.CodeRaffleFinished},
		{err: domain.ErrRaffleLost, want: domain.CodeRaffleLost},
		{err: errors.New("connection reset"), want: OutcomeFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Outcome(tt.err), "%v", tt.err)
	}
}
