package tracer

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"swarmd/internal/infra/config"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.TracerConfig
		wantErr  bool
		wantNoop bool
	}{
		{"disabled", config.TracerConfig{Enabled: false}, false, true},
		{"noop exporter", config.TracerConfig{Enabled: true, Exporter: "noop"}, false, true},
		{"empty exporter", config.TracerConfig{Enabled: true, Exporter: ""}, false, true},
		{"stdout exporter", config.TracerConfig{Enabled: true, Exporter: "stdout"}, false, false},
		{"unknown exporter", config.TracerConfig{Enabled: true, Exporter: "jaeger"}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Setup(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Setup: %v", err)
			}
			defer shutdown(context.Background())

			_, isNoop := otel.GetTracerProvider().(noop.TracerProvider)
			if isNoop != tt.wantNoop {
				t.Errorf("noop provider = %v, want %v", isNoop, tt.wantNoop)
			}
		})
	}
}

func TestSpanHelpers(t *testing.T) {
	otel.SetTracerProvider(noop.NewTracerProvider())

	ctx, span := StartSpan(context.Background(), "Manager.KillAgent", WithAgent("scout"))
	if ctx == nil {
		t.Fatal("context should not be nil")
	}
	RecordError(span, errors.New("agent not found"))
	span.End()
}
