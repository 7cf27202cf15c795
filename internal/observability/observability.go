// Package observability installs the process-wide slog handler and, when
// configured, exports log records through OpenTelemetry.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
)

// ServiceName identifies this program in exported telemetry.
const ServiceName = "insights"

// Exporter selects where log records are exported to.
type Exporter string

const (
	ExporterNone     Exporter = "none"
	ExporterStdout   Exporter = "stdout"
	ExporterOTLPGRPC Exporter = "otlp-grpc"
	ExporterOTLPHTTP Exporter = "otlp-http"
)

// Config controls logging output.
type Config struct {
	Level  slog.Level
	Format string // text or json
	// Output receives local log lines; defaults to os.Stderr.
	Output io.Writer

	Exporter Exporter
	// Endpoint overrides the OTLP endpoint URL.
	Endpoint string
}

// ShutdownFunc flushes and stops telemetry export.
type ShutdownFunc func(context.Context) error

// Instrument sets the default slog logger. With an exporter configured, every
// record is also handed to an OpenTelemetry LoggerProvider, which is installed
// globally. The returned function must be called before exit to flush records.
func Instrument(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	local, err := newLocalHandler(output, cfg.Format, cfg.Level)
	if err != nil {
		return nil, err
	}

	if cfg.Exporter == "" || cfg.Exporter == ExporterNone {
		slog.SetDefault(slog.New(local))
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg.Exporter, cfg.Endpoint, output)
	if err != nil {
		return nil, fmt.Errorf("creating %s log exporter: %w", cfg.Exporter, err)
	}

	var processor sdklog.Processor
	if cfg.Exporter == ExporterStdout {
		processor = sdklog.NewSimpleProcessor(exporter)
	} else {
		processor = sdklog.NewBatchProcessor(exporter)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(resource.NewSchemaless(attribute.String("service.name", ServiceName))),
		sdklog.WithProcessor(minsev.NewLogProcessor(processor, severity(cfg.Level))),
	)
	global.SetLoggerProvider(provider)

	// SDK errors go to the local handler only, exporting them could loop
	errLogger := slog.New(local)
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		errLogger.Warn("telemetry export failed", "error", err)
	}))

	slog.SetDefault(slog.New(fanout{
		local,
		otelslog.NewHandler(ServiceName, otelslog.WithLoggerProvider(provider)),
	}))

	return provider.Shutdown, nil
}

func newLocalHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

func newExporter(ctx context.Context, exporter Exporter, endpoint string, w io.Writer) (sdklog.Exporter, error) {
	switch exporter {
	case ExporterStdout:
		return stdoutlog.New(stdoutlog.WithWriter(w))
	case ExporterOTLPGRPC:
		var opts []otlploggrpc.Option
		if endpoint != "" {
			opts = append(opts, otlploggrpc.WithEndpointURL(endpoint))
		}
		return otlploggrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		var opts []otlploghttp.Option
		if endpoint != "" {
			opts = append(opts, otlploghttp.WithEndpointURL(endpoint))
		}
		return otlploghttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", exporter)
	}
}

// severity maps a slog level to the OpenTelemetry minimum severity.
func severity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
