package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/cinderhost/pkg/config"
	"github.com/openfroyo/cinderhost/pkg/policy"
	"github.com/openfroyo/cinderhost/pkg/providers"
	"github.com/openfroyo/cinderhost/pkg/providers/host"
	"github.com/openfroyo/cinderhost/pkg/recipe"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate attributes and provider settings",
		Long: `Validate loads the attributes, checks them against the schema and checks
that the selected storage backend has every key it needs. Policies in
--policy-dir are compiled.

Nothing runs on the host; no SSH connection is made.`,
		Example: `  # Validate a site definition
  cinderhost validate -a site.cue -a overrides.yaml --script overrides.star`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := log.Logger

			loader, err := config.NewLoader(logger)
			if err != nil {
				return err
			}
			attrs, err := loader.Load(ctx, sources())
			if err != nil {
				return err
			}

			pc, err := recipe.ProviderContext(attrs)
			if err != nil {
				return err
			}

			registry := host.NewRegistry(pluginDir, host.DefaultConfig(), logger)
			defer registry.Close(ctx)

			// No runner: validation never provisions.
			plugin, err := providers.New(ctx, attrs.Cinder.Storage.Provider, providers.Deps{
				Logger:  logger,
				Noop:    true,
				Plugins: registry.Load,
			})
			if err != nil {
				return err
			}
			if err := plugin.Validate(pc); err != nil {
				return err
			}

			policies, err := policy.NewEngine(logger)
			if err != nil {
				return err
			}
			if policyDir != "" {
				if err := policies.LoadPolicies(ctx, []string{policyDir}); err != nil {
					return err
				}
			}

			fmt.Printf("attributes valid: provider %s, %d policies\n", plugin.Name(), len(policies.Policies()))
			return nil
		},
	}

	return cmd
}
