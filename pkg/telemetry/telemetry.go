// Package telemetry はSentryによるエラー収集とOpenTelemetryトレーシングを初期化する。
//
// どちらもオプトインであり、DSNやエンドポイントが未設定の場合は何もしない。
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config はテレメトリの設定。
type Config struct {
	// SentryDSN はSentryのDSN。空の場合はSentryを無効にする。
	SentryDSN string `env:"SENTRY_DSN"`
	// Environment はSentryに送信する環境名。
	Environment string `env:"APP_ENV" envDefault:"development"`
	// OTelEndpoint はOTLP/HTTPのエンドポイントURL。空の場合はトレーシングを無効にする。
	OTelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Setup はSentryとトレーシングを初期化し、終了処理を返す。
// 終了処理は保留中のイベントとスパンをフラッシュする。
func Setup(ctx context.Context, cfg Config, serviceName string) (func(context.Context) error, error) {
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Environment,
			ServerName:       serviceName,
			AttachStacktrace: true,
		}); err != nil {
			return nil, fmt.Errorf("Sentryの初期化に失敗: %w", err)
		}
	}

	// W3C Trace Contextはトレーシング無効時もバックエンドへ伝播する
	otel.SetTextMapPropagator(propagation.TraceContext{})

	shutdownTracing := func(context.Context) error { return nil }
	if cfg.OTelEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTelEndpoint))
		if err != nil {
			return nil, fmt.Errorf("OTLPエクスポーターの生成に失敗: %w", err)
		}
		res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
		if err != nil {
			return nil, fmt.Errorf("OTelリソースの生成に失敗: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		shutdownTracing = tp.Shutdown
	}

	return func(ctx context.Context) error {
		sentry.Flush(2 * time.Second)
		return shutdownTracing(ctx)
	}, nil
}
