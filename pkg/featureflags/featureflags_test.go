package featureflags

import (
	"context"
	"testing"

	"loyalty-engine/pkg/config"

	"github.com/stretchr/testify/require"
)

func TestProvideGateWithoutKeyEnablesEverything(t *testing.T) {
	gate := ProvideGate(FeatureParams{Config: &config.Config{}})

	require.IsType(t, AllEnabled{}, gate)
	require.True(t, gate.Enabled(context.Background(), "org-1", LoyaltyProcessing))
}
