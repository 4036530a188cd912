package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"loyalty-engine/pkg/config"
	"loyalty-engine/pkg/db"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/pkg/gen"
	"loyalty-engine/pkg/logger"
	"loyalty-engine/services/organization"
	"loyalty-engine/services/trigger"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// File is the layout of a seed document.
type File struct {
	Organizations []struct {
		organization.CreateRequest `yaml:",inline"`
		Triggers                   []trigger.Input `yaml:"triggers"`
	} `yaml:"organizations"`
}

func main() {
	var path string

	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Create organizations and their triggers from a YAML file",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			var f File
			if err := yaml.Unmarshal(raw, &f); err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}

			app := fx.New(
				config.Module,
				logger.Module,
				db.Module,
				gen.Module,
				organization.Module,
				trigger.Module,
				fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
				fx.Invoke(func(orgs *organization.Service, triggers *trigger.Service) error {
					return seed(cmd.Context(), f, orgs, triggers)
				}),
			)
			return app.Err()
		},
	}

	cmd.Flags().StringVarP(&path, "file", "f", "seed.yaml", "seed document")

	if err := cmd.Execute(); err != nil {
		log.Fatalf("seed: %v", err)
	}
}

func seed(ctx context.Context, f File, orgs *organization.Service, triggers *trigger.Service) error {
	for _, o := range f.Organizations {
		org, err := orgs.Create(ctx, o.CreateRequest)
		if errutil.HasStatus(err, errutil.StatusConflict) {
			// Triggers are only seeded alongside a new organization.
			zap.L().Info("[Seed] organization exists, skipping", zap.String("name", o.Name))
			continue
		}
		if err != nil {
			return fmt.Errorf("organization %q: %w", o.Name, err)
		}

		for _, in := range o.Triggers {
			t, err := triggers.Create(ctx, org.ID, "seed", in)
			if err != nil {
				return fmt.Errorf("trigger %q of %q: %w", in.Name, o.Name, err)
			}
			zap.L().Info("[Seed] trigger created",
				zap.String("organization_id", org.ID),
				zap.String("trigger_id", t.ID),
				zap.String("event_type", string(t.EventType)))
		}
	}
	return nil
}
