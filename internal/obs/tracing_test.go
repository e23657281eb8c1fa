package obs

import (
	"testing"

	"github.com/routerisk/engine/internal/config"
)

func TestMaybeInitTracingDisabled(t *testing.T) {
	cfg := &config.Config{}
	cfg.Observability.Tracing.Enabled = false

	tp, err := MaybeInitTracing(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp != nil {
		t.Fatalf("expected nil tracer provider when tracing disabled")
	}
}

func TestMaybeInitTracingNoEndpoint(t *testing.T) {
	cfg := &config.Config{}
	cfg.Observability.Tracing.Enabled = true
	cfg.Observability.Tracing.Endpoint = ""

	tp, err := MaybeInitTracing(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp != nil {
		t.Fatalf("expected nil tracer provider with no endpoint")
	}
}
