package providers

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cinderhost/pkg/engine"
	"github.com/openfroyo/cinderhost/pkg/runner"
)

// RBD defaults.
const (
	DefaultGlancePool  = "images"
	DefaultKeyringDir  = "/etc/ceph"
	DefaultKeyringMode = "0644"
)

var cephName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// RBD provisions a cephx principal for cinder and writes its keyring.
type RBD struct {
	runner runner.Runner
	logger zerolog.Logger
	noop   bool
}

// Name implements Plugin.
func (p *RBD) Name() string { return BackendRBD }

// Validate implements Plugin.
func (p *RBD) Validate(pc engine.ProviderContext) error {
	if err := require(pc, BackendRBD, "rbd_user", "rbd_pool"); err != nil {
		return err
	}
	for _, key := range []string{"rbd_user", "rbd_pool", "glance_pool"} {
		if v := pc.Setting(key, ""); v != "" && !cephName.MatchString(v) {
			return invalid(BackendRBD, key, "may only contain letters, digits, '.', '_' and '-'")
		}
	}
	if s := pc.Setting("rbd_secret_uuid", ""); s != "" {
		if _, err := uuid.Parse(s); err != nil {
			return invalid(BackendRBD, "rbd_secret_uuid", "is not a valid UUID")
		}
	}
	if pc.Settings["keyring_dir"] != "" {
		if err := requireAbsPath(pc, BackendRBD, "keyring_dir"); err != nil {
			return err
		}
	}
	if _, err := strconv.ParseUint(pc.Setting("keyring_mode", DefaultKeyringMode), 8, 32); err != nil {
		return invalid(BackendRBD, "keyring_mode", "is not an octal file mode")
	}
	return nil
}

// Contribute implements Plugin. It gets or creates client.<rbd_user>, sets
// its capabilities, checks that a key exists and returns the keyring file.
// Any failing ceph command aborts with an exec error and no keyring resource.
func (p *RBD) Contribute(ctx context.Context, pc engine.ProviderContext) (*engine.Contribution, error) {
	if err := p.Validate(pc); err != nil {
		return nil, err
	}

	user := pc.Setting("rbd_user", "")
	client := "client." + user
	keyringPath := path.Join(pc.Setting("keyring_dir", DefaultKeyringDir), "ceph."+client+".keyring")
	log := p.logger.With().Str("principal", client).Logger()

	var keyring string
	if p.noop {
		// Read-only: an unknown principal plans an empty keyring.
		res, err := p.runner.Run(ctx, "ceph", "auth", "get", client)
		if err != nil {
			return nil, err
		}
		if res.ExitCode == 0 {
			keyring = res.Stdout
		}
		log.Info().Msg("Skipping cephx provisioning in plan mode")
	} else {
		var err error
		keyring, err = p.provision(ctx, pc, client, log)
		if err != nil {
			return nil, err
		}
	}

	keyringSpec := fileSpec(keyringPath, keyring, pc.Setting("keyring_mode", DefaultKeyringMode), map[string]string{
		engine.AttrSensitive: "true",
	})

	return &engine.Contribution{
		Specs: append(packageSpecs(pc), keyringSpec),
	}, nil
}

func (p *RBD) provision(ctx context.Context, pc engine.ProviderContext, client string, log zerolog.Logger) (string, error) {
	osdCaps := fmt.Sprintf("allow class-read object_prefix rbd_children, allow rwx pool=%s, allow rx pool=%s",
		pc.Setting("rbd_pool", ""), pc.Setting("glance_pool", DefaultGlancePool))

	steps := [][]string{
		{"auth", "get-or-create", client},
		{"auth", "caps", client, "mon", "allow r", "osd", osdCaps},
	}
	for _, args := range steps {
		if _, err := runner.MustSucceed(ctx, p.runner, "ceph", args...); err != nil {
			return "", fmt.Errorf("cephx provisioning of %s failed: %w", client, err)
		}
	}

	res, err := runner.MustSucceed(ctx, p.runner, "ceph", "auth", "get-key", client)
	if err != nil {
		return "", fmt.Errorf("failed to read key for %s: %w", client, err)
	}
	key := strings.TrimSpace(res.Stdout)
	if key == "" {
		return "", engine.NewExecError(fmt.Sprintf("ceph returned an empty key for %s", client), nil)
	}
	log.Info().Int("key_length", len(key)).Msg("Cephx principal provisioned")

	res, err = runner.MustSucceed(ctx, p.runner, "ceph", "auth", "get", client)
	if err != nil {
		return "", fmt.Errorf("failed to export keyring for %s: %w", client, err)
	}
	if !strings.Contains(res.Stdout, key) {
		return "", engine.NewExecError(fmt.Sprintf("keyring exported for %s does not contain its key", client), nil)
	}
	return res.Stdout, nil
}
