package featureflags

import (
	"context"

	"loyalty-engine/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// LoyaltyProcessing switches event processing off for an organization.
const LoyaltyProcessing = "loyalty_processing"

var Module = fx.Module("featureflags", fx.Provide(ProvideGate))

// Gate answers per-organization feature questions.
type Gate interface {
	Enabled(ctx context.Context, organizationID, feature string) bool
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

// ProvideGate returns a Flagsmith-backed gate, or one that enables
// everything when no API key is configured.
func ProvideGate(p FeatureParams) Gate {
	if p.Config.Flagsmith.ApiKey == "" {
		return AllEnabled{}
	}

	opts := []flagsmith.Option{flagsmith.WithAnalytics()}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &flagsmithGate{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

type AllEnabled struct{}

func (AllEnabled) Enabled(context.Context, string, string) bool { return true }

type flagsmithGate struct {
	client *flagsmith.Client
}

// Enabled fails open: an unreachable flag service never blocks awards.
func (g *flagsmithGate) Enabled(ctx context.Context, organizationID, feature string) bool {
	flags, err := g.client.GetIdentityFlags(organizationID, []*flagsmith.Trait{
		{TraitKey: "organization_id", TraitValue: organizationID},
	})
	if err != nil {
		zap.L().Warn("[FeatureFlags] identity flags unavailable", zap.String("organization_id", organizationID), zap.Error(err))
		return true
	}

	enabled, err := flags.IsFeatureEnabled(feature)
	if err != nil {
		// Unknown features are treated as on.
		return true
	}
	return enabled
}
