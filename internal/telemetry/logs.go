package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SetupLogExport tees logger into an OTLP/HTTP log exporter, so every
// structured event also reaches the collector at endpoint. Records below
// level are not exported; level may be an AtomicLevel changed at runtime.
//
// With an empty endpoint logger is returned as is and shutdown does nothing.
// Otherwise shutdown flushes pending records.
func SetupLogExport(ctx context.Context, serviceName, endpoint string, logger *zap.Logger, level zapcore.LevelEnabler) (_ *zap.Logger, shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if endpoint == "" {
		return logger, noop, nil
	}

	exporter, err := otlploghttp.New(ctx, otlploghttp.WithEndpointURL(signalURL(endpoint, "/v1/logs")))
	if err != nil {
		return logger, noop, fmt.Errorf("telemetry: create log exporter: %w", err)
	}

	res, err := newResource(ctx, serviceName)
	if err != nil {
		return logger, noop, err
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	)

	var export zapcore.Core = otelzap.NewCore(serviceName, otelzap.WithLoggerProvider(provider))
	if level != nil {
		leveled, err := zapcore.NewIncreaseLevelCore(export, level)
		if err != nil {
			_ = provider.Shutdown(ctx)
			return logger, noop, fmt.Errorf("telemetry: filter exported logs: %w", err)
		}
		export = leveled
	}

	teed := logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, export)
	}))
	return teed, provider.Shutdown, nil
}
