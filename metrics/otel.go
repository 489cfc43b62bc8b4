package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// OTELConfig holds the optional OTLP metrics push settings.
type OTELConfig struct {
	Endpoint     string
	Protocol     string // "grpc" or "http"
	PushInterval time.Duration
	Insecure     bool
}

// OTELExporter pushes store-derived scan counts to an OpenTelemetry
// collector on a periodic reader. Every instrument reads the store at
// observation time, so restarts do not reset the exported totals.
type OTELExporter struct {
	meterProvider *sdkmetric.MeterProvider
}

// NewOTELExporter wires the exporter; the periodic reader starts pushing as
// soon as the meter provider exists.
func NewOTELExporter(ctx context.Context, store StoreProvider, instanceUUID, version string, cfg OTELConfig) (*OTELExporter, error) {
	if store == nil {
		panic("metrics: store is nil")
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 60 * time.Second
	}

	exporter, err := newOTLPExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "greenbone-distributed"),
		attribute.String("service.version", version),
		attribute.String("service.instance.id", instanceUUID),
	)

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.PushInterval))),
	)
	otel.SetMeterProvider(meterProvider)

	meter := meterProvider.Meter("greenbone-distributed")

	activeScans, err := meter.Int64ObservableGauge("scanhub_scans_active",
		metric.WithDescription("Scans currently running."))
	if err != nil {
		return nil, err
	}
	probeActive, err := meter.Int64ObservableGauge("scanhub_probe_scans_active",
		metric.WithDescription("Scans currently running per probe."))
	if err != nil {
		return nil, err
	}
	enabledTargets, err := meter.Int64ObservableGauge("scanhub_targets_synced",
		metric.WithDescription("Enabled targets in the local table."))
	if err != nil {
		return nil, err
	}
	completedScans, err := meter.Int64ObservableCounter("scanhub_scans_completed",
		metric.WithDescription("Scans finished without an error, all time."))
	if err != nil {
		return nil, err
	}
	failedScans, err := meter.Int64ObservableCounter("scanhub_scans_failed",
		metric.WithDescription("Scans finalized with an error, all time."))
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if count, err := store.CountActiveScans(); err == nil {
			o.ObserveInt64(activeScans, int64(count))
		}
		if perProbe, err := store.ActiveScansPerProbe(); err == nil {
			for probe, count := range perProbe {
				o.ObserveInt64(probeActive, int64(count),
					metric.WithAttributes(attribute.String("probe", probe)))
			}
		}
		if count, err := store.CountEnabledTargets(); err == nil {
			o.ObserveInt64(enabledTargets, int64(count))
		}
		if count, err := store.CountCompletedScans(); err == nil {
			o.ObserveInt64(completedScans, int64(count))
		}
		if count, err := store.CountFailedScans(); err == nil {
			o.ObserveInt64(failedScans, int64(count))
		}
		return nil
	}, activeScans, probeActive, enabledTargets, completedScans, failedScans)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Str("protocol", cfg.Protocol).
		Dur("interval", cfg.PushInterval).
		Msg("OTLP metrics push enabled")

	return &OTELExporter{meterProvider: meterProvider}, nil
}

func newOTLPExporter(ctx context.Context, cfg OTELConfig) (sdkmetric.Exporter, error) {
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts,
				otlpmetricgrpc.WithTLSCredentials(insecure.NewCredentials()),
				otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case "http":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported otel protocol %q", cfg.Protocol)
	}
}

// Shutdown flushes pending metrics and stops the periodic reader.
func (e *OTELExporter) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.meterProvider.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down OTLP meter provider")
		return err
	}
	return nil
}
