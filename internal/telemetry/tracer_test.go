// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/noaione/vthell/internal/config"
)

func TestSetupDisabledInstallsNoop(t *testing.T) {
	provider, err := Setup(context.Background(), &config.Config{OTLPEnabled: false})
	require.NoError(t, err)
	assert.Nil(t, provider.tp)

	tracer := otel.Tracer("test")
	_, span := tracer.Start(context.Background(), "noop-check")
	assert.False(t, span.IsRecording())
	span.End()

	// Shutdown on the noop provider is a no-op.
	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), &config.Config{
		OTLPEnabled:  true,
		OTLPExporter: "carrier-pigeon",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported OTLP exporter")
}

func TestTracerReturnsGlobal(t *testing.T) {
	_, err := Setup(context.Background(), &config.Config{OTLPEnabled: false})
	require.NoError(t, err)
	assert.NotNil(t, Tracer("vthell.test"))
}
