package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/cinderhost/pkg/telemetry"
)

var (
	// Global flags
	attributeFiles []string
	scriptPath     string
	stateDB        string
	policyDir      string
	pluginDir      string
	packageManager string
	logFormat      string
	logOutput      string
	jsonOutput     bool

	sshFlags sshOptions

	logCloser    io.Closer
	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cinderhost",
		Short: "cinderhost - converge a Cinder volume host",
		Long: `cinderhost converges a host into a Cinder volume node.

It installs the volume and iSCSI target packages, renders cinder.conf,
applies the storage backend (emc, netappnfsdirect, lvm, rbd or a WASM
plugin) and keeps cinder-volume and the iSCSI target enabled. Changed
configuration restarts the services that read it.

Attributes come from CUE, YAML or JSON files and an optional Starlark
override script. Runs can target the local host or a remote one over SSH.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logFormat == "" && logOutput == "" {
				return nil
			}
			cfg := telemetry.DefaultConfig().Logging
			cfg.Level = zerolog.GlobalLevel().String()
			if logFormat != "" {
				cfg.Format = logFormat
			}
			if logOutput != "" {
				cfg.Output = logOutput
			}
			logger, closer, err := telemetry.NewLogger(cfg)
			if err != nil {
				return fmt.Errorf("failed to open log output: %w", err)
			}
			log.Logger = logger
			logCloser = closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if logCloser != nil {
				return logCloser.Close()
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringSliceVarP(&attributeFiles, "attributes", "a", nil, "attribute files (.cue, .yaml, .json), merged in order")
	flags.StringVar(&scriptPath, "script", "", "Starlark override script")
	flags.StringVar(&stateDB, "state-db", "/var/lib/cinderhost/history.db", "run history database")
	flags.StringVar(&policyDir, "policy-dir", "", "directory of additional rego policies")
	flags.StringVar(&pluginDir, "plugin-dir", "/usr/lib/cinderhost/plugins", "directory of WASM provider plugins")
	flags.StringVar(&packageManager, "package-manager", "", "package manager (apt, dnf, yum); detected when empty")
	flags.StringVar(&logFormat, "log-format", "", "log format (console, json)")
	flags.StringVar(&logOutput, "log-output", "", "log output (stderr, stdout or a file path)")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	sshFlags.register(flags)

	rootCmd.AddCommand(newConvergeCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
