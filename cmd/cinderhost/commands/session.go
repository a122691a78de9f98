package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/openfroyo/cinderhost/pkg/config"
	"github.com/openfroyo/cinderhost/pkg/engine"
	"github.com/openfroyo/cinderhost/pkg/handlers"
	"github.com/openfroyo/cinderhost/pkg/policy"
	"github.com/openfroyo/cinderhost/pkg/providers"
	"github.com/openfroyo/cinderhost/pkg/providers/host"
	"github.com/openfroyo/cinderhost/pkg/recipe"
	"github.com/openfroyo/cinderhost/pkg/runner"
	"github.com/openfroyo/cinderhost/pkg/transports/ssh"
)

// DefaultCommandTimeout bounds each external command on the local host.
const DefaultCommandTimeout = 10 * time.Minute

type sshOptions struct {
	host       string
	user       string
	port       int
	key        string
	knownHosts string
	insecure   bool
	agent      bool
	sudo       bool
	timeout    time.Duration
}

func (o *sshOptions) register(flags *pflag.FlagSet) {
	flags.StringVar(&o.host, "ssh-host", "", "converge this host over SSH instead of the local host")
	flags.StringVar(&o.user, "ssh-user", "root", "SSH user")
	flags.IntVar(&o.port, "ssh-port", 22, "SSH port")
	flags.StringVar(&o.key, "ssh-key", "", "SSH private key path")
	flags.StringVar(&o.knownHosts, "ssh-known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	flags.BoolVar(&o.insecure, "ssh-insecure", false, "accept any host key")
	flags.BoolVar(&o.agent, "ssh-agent", false, "authenticate with the agent on SSH_AUTH_SOCK")
	flags.BoolVar(&o.sudo, "ssh-sudo", false, "run commands and file writes through sudo -n")
	flags.DurationVar(&o.timeout, "ssh-command-timeout", DefaultCommandTimeout, "timeout for each remote command")
}

func (o *sshOptions) config() (*ssh.Config, error) {
	cfg := ssh.DefaultConfig(o.host, o.user)
	cfg.Port = o.port
	cfg.CommandTimeout = o.timeout
	cfg.UseSudo = o.sudo
	cfg.StrictHostKeyChecking = !o.insecure
	if o.knownHosts != "" {
		cfg.KnownHostsPath = o.knownHosts
	}
	switch {
	case o.agent:
		cfg.AuthMethod = ssh.AuthMethodAgent
	case o.key != "":
		cfg.AuthMethod = ssh.AuthMethodKey
		cfg.PrivateKeyPath = o.key
		cfg.PrivateKeyPassphrase = os.Getenv("CINDERHOST_SSH_PASSPHRASE")
	case os.Getenv("CINDERHOST_SSH_PASSWORD") != "":
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = os.Getenv("CINDERHOST_SSH_PASSWORD")
	default:
		return nil, fmt.Errorf("--ssh-host needs --ssh-key, --ssh-agent or CINDERHOST_SSH_PASSWORD")
	}
	return cfg, cfg.Validate()
}

// target is where commands run and files are written.
type target struct {
	name   string
	runner runner.Runner
	fs     handlers.FileSystem
	close  func() error
}

func openTarget(ctx context.Context, logger zerolog.Logger) (*target, error) {
	if sshFlags.host == "" {
		name, err := os.Hostname()
		if err != nil {
			name = "localhost"
		}
		return &target{
			name:   name,
			runner: runner.NewLocalRunner(DefaultCommandTimeout, logger),
			fs:     handlers.LocalFS{},
			close:  func() error { return nil },
		}, nil
	}

	cfg, err := sshFlags.config()
	if err != nil {
		return nil, engine.NewValidationError("invalid SSH settings", err).WithCode(engine.ErrCodeInvalidConfig)
	}
	client, err := ssh.NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return &target{
		name:   sshFlags.host,
		runner: client,
		fs:     client.FS(),
		close:  client.Close,
	}, nil
}

// session is one loaded attribute set bound to a target.
type session struct {
	target   *target
	attrs    config.Attributes
	plugins  *host.Registry
	policies *policy.Engine
	logger   zerolog.Logger
}

func sources() config.Sources {
	return config.Sources{Files: attributeFiles, Script: scriptPath}
}

func newSession(ctx context.Context, tgt *target) (*session, error) {
	logger := log.Logger.With().Str("host", tgt.name).Logger()

	policies, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if policyDir != "" {
		if err := policies.LoadPolicies(ctx, []string{policyDir}); err != nil {
			return nil, err
		}
	}

	return &session{
		target:   tgt,
		plugins:  host.NewRegistry(pluginDir, host.DefaultConfig(), logger),
		policies: policies,
		logger:   logger,
	}, nil
}

// load reads the attribute sources again. Watch mode calls it once per pass.
func (s *session) load(ctx context.Context) error {
	loader, err := config.NewLoader(s.logger)
	if err != nil {
		return err
	}
	attrs, err := loader.Load(ctx, sources())
	if err != nil {
		return err
	}
	s.attrs = attrs
	return nil
}

func (s *session) provider(ctx context.Context, noop bool) (providers.Plugin, error) {
	return providers.New(ctx, s.attrs.Cinder.Storage.Provider, providers.Deps{
		Runner:  s.target.runner,
		Logger:  s.logger,
		Noop:    noop,
		Plugins: s.plugins.Load,
	})
}

// plan builds the pass and runs the policy pre-flight on it. onViolation
// sees every finding, including the ones that deny the plan.
//
// Providers may change external state while contributing, as RBD does with
// cephx. Before such a build the policies are checked against the read-only
// plan, so a denied plan never provisions anything.
func (s *session) plan(ctx context.Context, noop bool, onViolation func(policy.Violation)) (*recipe.Plan, error) {
	if !noop {
		if _, err := s.checkedPlan(ctx, true, func(result *policy.Result, err error) {
			if err != nil {
				forward(result, onViolation)
			}
		}); err != nil {
			return nil, err
		}
	}
	return s.checkedPlan(ctx, noop, func(result *policy.Result, _ error) {
		forward(result, onViolation)
	})
}

func (s *session) checkedPlan(ctx context.Context, noop bool, report func(*policy.Result, error)) (*recipe.Plan, error) {
	plugin, err := s.provider(ctx, noop)
	if err != nil {
		return nil, err
	}
	plan, err := recipe.Build(ctx, s.attrs, plugin)
	if err != nil {
		return nil, err
	}

	result, err := s.policies.Check(ctx, plan.Specs, plan.Notifications)
	report(result, err)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func forward(result *policy.Result, onViolation func(policy.Violation)) {
	if result == nil || onViolation == nil {
		return
	}
	for _, v := range result.Violations {
		onViolation(v)
	}
}

func (s *session) handlers() []engine.Handler {
	return []engine.Handler{
		handlers.NewPackageHandler(s.target.runner, packageManager, s.logger),
		handlers.NewServiceHandler(s.target.runner, s.logger),
		handlers.NewFileHandler(s.target.fs, s.target.runner, s.logger),
	}
}

func (s *session) close(ctx context.Context) error {
	if err := s.plugins.Close(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close provider plugins")
	}
	return s.target.close()
}
