package observability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"raffler/config"
	"raffler/domain"
)

// MetricsProvider manages OpenTelemetry metrics for the raffler service. A nil or
// uninitialized provider drops every measurement.
type MetricsProvider struct {
	config        *config.Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	initialized   bool
	mu            sync.RWMutex

	// Metric instruments
	balanceMutationsCounter metric.Int64Counter
	raffleMessagesCounter   metric.Int64Counter
	raffleDrawsCounter      metric.Int64Counter
	raffleQueuesGauge       metric.Int64UpDownCounter
	deferredCreditsCounter  metric.Int64Counter
	rpcDurationHist         metric.Float64Histogram
}

// NewMetricsProvider creates a new metrics provider
func NewMetricsProvider(cfg *config.Config) *MetricsProvider {
	return &MetricsProvider{
		config: cfg,
	}
}

// Initialize sets up the OpenTelemetry metrics provider with the configured exporter
func (mp *MetricsProvider) Initialize(ctx context.Context) error {
	var exporter sdkmetric.Exporter
	var err error
	switch mp.config.OTelExporterType {
	case ExporterConsole:
		exporter, err = stdoutmetric.New()
		if err != nil {
			return fmt.Errorf("failed to create console exporter: %w", err)
		}
		log.Info("Using console metric exporter")

	case ExporterOTLP:
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(mp.config.OTelOTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		log.WithField("endpoint", mp.config.OTelOTLPEndpoint).Info("Using OTLP metric exporter")

	case ExporterNone, "":
		log.Info("Metrics export disabled")
		return nil

	default:
		return fmt.Errorf("unknown exporter type: %s", mp.config.OTelExporterType)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(mp.config.OTelExportInterval))
	return mp.InitializeWithReader(reader)
}

// InitializeWithReader builds the meter provider around reader and creates the instruments
func (mp *MetricsProvider) InitializeWithReader(reader sdkmetric.Reader) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if mp.initialized {
		log.Debug("Metrics provider already initialized")
		return nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(mp.config.OTelServiceName),
			attribute.String("environment", mp.config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	mp.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp.meterProvider)
	mp.meter = mp.meterProvider.Meter("raffler")

	if err := mp.createInstruments(); err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}

	mp.initialized = true
	log.Info("Metrics provider initialized successfully")
	return nil
}

func (mp *MetricsProvider) createInstruments() error {
	var err error

	mp.balanceMutationsCounter, err = mp.meter.Int64Counter(
		BalanceMutationsTotal,
		metric.WithDescription("Balance mutations processed by the serializer"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create balance mutations counter: %w", err)
	}

	mp.raffleMessagesCounter, err = mp.meter.Int64Counter(
		RaffleMessagesTotal,
		metric.WithDescription("Messages processed by raffle queue consumers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create raffle messages counter: %w", err)
	}

	mp.raffleDrawsCounter, err = mp.meter.Int64Counter(
		RaffleDrawsTotal,
		metric.WithDescription("Raffles drawn"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create raffle draws counter: %w", err)
	}

	// UpDownCounter for gauge-like behavior
	mp.raffleQueuesGauge, err = mp.meter.Int64UpDownCounter(
		RaffleQueuesOpen,
		metric.WithDescription("Raffle queues with a running consumer"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create raffle queues gauge: %w", err)
	}

	mp.deferredCreditsCounter, err = mp.meter.Int64Counter(
		DeferredCreditsDispatchedTotal,
		metric.WithDescription("Deferred credits handed to the serializer"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create deferred credits counter: %w", err)
	}

	mp.rpcDurationHist, err = mp.meter.Float64Histogram(
		RPCDuration,
		metric.WithDescription("Round trip of broker RPC calls in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return fmt.Errorf("failed to create rpc duration histogram: %w", err)
	}

	return nil
}

// Shutdown flushes and stops the meter provider
func (mp *MetricsProvider) Shutdown(ctx context.Context) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if mp.meterProvider != nil {
		return mp.meterProvider.Shutdown(ctx)
	}
	return nil
}

// RecordBalanceMutation records one serializer outcome
func (mp *MetricsProvider) RecordBalanceMutation(kind string, err error, status string) {
	if !mp.isEnabled() {
		return
	}
	outcome := status
	if err != nil {
		outcome = Outcome(err)
	}
	mp.balanceMutationsCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String(LabelKind, kind),
			attribute.String(LabelOutcome, outcome),
		),
	)
}

// RecordRaffleMessage records one raffle queue delivery
func (mp *MetricsProvider) RecordRaffleMessage(messageType string, err error) {
	if !mp.isEnabled() {
		return
	}
	mp.raffleMessagesCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String(LabelType, messageType),
			attribute.String(LabelOutcome, Outcome(err)),
		),
	)
}

// RecordDraw records a finished raffle
func (mp *MetricsProvider) RecordDraw(trigger string) {
	if !mp.isEnabled() {
		return
	}
	mp.raffleDrawsCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String(LabelTrigger, trigger)),
	)
}

// UpdateOpenQueues moves the count of consumed raffle queues
func (mp *MetricsProvider) UpdateOpenQueues(delta int64) {
	if !mp.isEnabled() {
		return
	}
	mp.raffleQueuesGauge.Add(context.Background(), delta)
}

// RecordDeferredCreditsDispatched records credits handed to the serializer
func (mp *MetricsProvider) RecordDeferredCreditsDispatched(n int) {
	if !mp.isEnabled() || n == 0 {
		return
	}
	mp.deferredCreditsCounter.Add(context.Background(), int64(n))
}

// RecordRPC records the round trip of a broker RPC
func (mp *MetricsProvider) RecordRPC(queue string, err error, duration time.Duration) {
	if !mp.isEnabled() {
		return
	}
	mp.rpcDurationHist.Record(context.Background(), duration.Seconds(),
		metric.WithAttributes(
			attribute.String(LabelQueue, queue),
			attribute.String(LabelOutcome, Outcome(err)),
		),
	)
}

// isEnabled checks if metrics are enabled and initialized
func (mp *MetricsProvider) isEnabled() bool {
	if mp == nil {
		return false
	}
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.initialized
}

// Outcome labels an error by its stable code
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, domain.ErrRPCTimeout):
		return OutcomeTimeout
	case domain.KindOf(err) == domain.KindInfrastructure:
		return OutcomeFailed
	default:
		return domain.CodeOf(err)
	}
}

// Global metrics provider instance
var (
	globalMetrics *MetricsProvider
	metricsOnce   sync.Once
)

// InitializeGlobalMetrics initializes the global metrics provider
func InitializeGlobalMetrics(ctx context.Context, cfg *config.Config) error {
	var err error
	metricsOnce.Do(func() {
		globalMetrics = NewMetricsProvider(cfg)
		err = globalMetrics.Initialize(ctx)
	})
	return err
}

// GetMetrics returns the global metrics provider, or nil before initialization
func GetMetrics() *MetricsProvider {
	return globalMetrics
}

// ShutdownGlobalMetrics shuts down the global metrics provider
func ShutdownGlobalMetrics(ctx context.Context) error {
	if globalMetrics != nil {
		return globalMetrics.Shutdown(ctx)
	}
	return nil
}
