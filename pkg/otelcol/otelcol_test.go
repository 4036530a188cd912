package otelcol

import (
	"testing"

	"loyalty-engine/pkg/config"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestRegisterWithoutCollectorOnlySetsPropagator(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	require.NoError(t, Register(lc, &config.Config{}))

	fields := otel.GetTextMapPropagator().Fields()
	require.Contains(t, fields, "traceparent")
	require.Contains(t, fields, "baggage")
}

func TestServiceResource(t *testing.T) {
	cfg := &config.Config{AppName: "loyalty-engine", AppVersion: "1.2.3", AppEnv: "staging"}

	set := serviceResource(cfg).Set()
	name, ok := set.Value(attribute.Key("service.name"))
	require.True(t, ok)
	require.Equal(t, "loyalty-engine", name.AsString())

	env, ok := set.Value(attribute.Key("deployment.environment"))
	require.True(t, ok)
	require.Equal(t, "staging", env.AsString())
}
