package profiling

import (
	"testing"

	"loyalty-engine/pkg/config"

	"github.com/grafana/pyroscope-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
)

func TestStartIsNoopWithoutAddress(t *testing.T) {
	require.NoError(t, Start(fxtest.NewLifecycle(t), &config.Config{}))
}

func TestProfilerConfig(t *testing.T) {
	c := &config.Config{AppName: "loyalty-engine", AppEnv: "production", AppVersion: "1.0.0"}
	c.Pyroscope.Addr = "http://pyroscope:4040"

	pc := profilerConfig(c)
	require.Equal(t, "loyalty-engine", pc.ApplicationName)
	require.Equal(t, "http://pyroscope:4040", pc.ServerAddress)
	require.Contains(t, pc.ProfileTypes, pyroscope.ProfileMutexDuration)
	require.Equal(t, "1.0.0", pc.Tags["version"])
	require.Contains(t, pc.Tags, "instance")
}
