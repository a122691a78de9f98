package engine

import (
	"fmt"
	"strings"
	"time"
)

// ResourceKind identifies which handler converges a resource.
type ResourceKind string

const (
	// KindPackage is an OS package managed by the platform package manager.
	KindPackage ResourceKind = "package"
	// KindService is a service unit managed by the platform service manager.
	KindService ResourceKind = "service"
	// KindFile is a rendered file on the local or remote filesystem.
	KindFile ResourceKind = "file"
)

// DesiredState is the target state of a resource.
type DesiredState string

const (
	// StateInstalled means the package is present at any version.
	StateInstalled DesiredState = "installed"
	// StateUpgraded means the package is present at the candidate version.
	StateUpgraded DesiredState = "upgraded"
	// StateRemoved means the package is not installed.
	StateRemoved DesiredState = "removed"

	// StateEnabled means the service starts at boot.
	StateEnabled DesiredState = "enabled"
	// StateDisabled means the service does not start at boot.
	StateDisabled DesiredState = "disabled"
	// StateRunning means the service is active.
	StateRunning DesiredState = "running"
	// StateStopped means the service is inactive.
	StateStopped DesiredState = "stopped"

	// StatePresent means the file exists with the declared content and metadata.
	StatePresent DesiredState = "present"
	// StateAbsent means the file does not exist.
	StateAbsent DesiredState = "absent"
)

var validStates = map[ResourceKind][]DesiredState{
	KindPackage: {StateInstalled, StateUpgraded, StateRemoved},
	KindService: {StateEnabled, StateDisabled, StateRunning, StateStopped},
	KindFile:    {StatePresent, StateAbsent},
}

// Well-known resource attributes.
const (
	AttrVersion     = "version"
	AttrOptions     = "options"
	AttrServiceName = "service_name"
	AttrContent     = "content"
	AttrMode        = "mode"
	AttrOwner       = "owner"
	AttrGroup       = "group"
	AttrSensitive   = "sensitive"
)

// ResourceSpec is one declarative unit of desired state.
type ResourceSpec struct {
	// Kind selects the handler.
	Kind ResourceKind `json:"kind"`

	// Identifier is the package name, service name or absolute file path.
	// It is unique per kind within one run.
	Identifier string `json:"identifier"`

	// State is the desired state.
	State DesiredState `json:"state"`

	// Attributes carries kind-specific settings such as file content or mode.
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ID returns the resource id in kind[identifier] form, e.g. service[iscsitarget].
func (r ResourceSpec) ID() string {
	return ResourceID(r.Kind, r.Identifier)
}

// ResourceID formats a resource id from its kind and identifier.
func ResourceID(kind ResourceKind, identifier string) string {
	return fmt.Sprintf("%s[%s]", kind, identifier)
}

// Attr returns the named attribute or def when unset or empty.
func (r ResourceSpec) Attr(name, def string) string {
	if v, ok := r.Attributes[name]; ok && v != "" {
		return v
	}
	return def
}

// Sensitive reports whether the resource content must be kept out of logs.
func (r ResourceSpec) Sensitive() bool {
	return strings.EqualFold(r.Attributes[AttrSensitive], "true")
}

// Validate checks the kind, identifier and state combination.
func (r ResourceSpec) Validate() error {
	states, ok := validStates[r.Kind]
	if !ok {
		return NewValidationError(fmt.Sprintf("unknown resource kind %q", r.Kind), nil).
			WithCode(ErrCodeInvalidConfig).WithResource(r.ID())
	}
	if strings.TrimSpace(r.Identifier) == "" {
		return NewValidationError("resource identifier is empty", nil).
			WithCode(ErrCodeInvalidConfig).WithResource(r.ID())
	}
	for _, s := range states {
		if s == r.State {
			return nil
		}
	}
	return NewValidationError(fmt.Sprintf("state %q is not valid for %s resources", r.State, r.Kind), nil).
		WithCode(ErrCodeInvalidConfig).WithResource(r.ID())
}

// Action is an operation a notification asks a handler to perform.
type Action string

const (
	ActionRestart Action = "restart"
	ActionReload  Action = "reload"
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionEnable  Action = "enable"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionRestart, ActionReload, ActionStart, ActionStop, ActionEnable:
		return true
	}
	return false
}

// Timing controls when a notified action runs.
type Timing string

const (
	// TimingImmediate runs the action before the next resource is processed.
	TimingImmediate Timing = "immediate"
	// TimingDelayed queues the action until the end of the pass.
	TimingDelayed Timing = "delayed"
)

// Notification is an edge from a source resource to an action on a target
// resource, taken only when the source changed.
type Notification struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Action Action `json:"action"`
	Timing Timing `json:"timing"`
}

// String renders the edge for logs.
func (n Notification) String() string {
	return fmt.Sprintf("%s notifies %s %s (%s)", n.Source, n.Action, n.Target, n.Timing)
}

// ResultStatus is the outcome of converging one resource.
type ResultStatus string

const (
	StatusUnchanged   ResultStatus = "unchanged"
	StatusChanged     ResultStatus = "changed"
	StatusWouldChange ResultStatus = "would_change"
	StatusFailed      ResultStatus = "failed"
)

// ApplyResult records what happened to one resource during a pass.
type ApplyResult struct {
	ResourceID string        `json:"resource_id"`
	Kind       ResourceKind  `json:"kind"`
	Identifier string        `json:"identifier"`
	Status     ResultStatus  `json:"status"`
	Detail     string        `json:"detail,omitempty"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

// Changed reports whether the resource was modified.
func (r ApplyResult) Changed() bool {
	return r.Status == StatusChanged
}

// ProviderContext is the validated input handed to a storage backend provider.
type ProviderContext struct {
	// Backend is the provider name, e.g. "lvm".
	Backend string `json:"backend"`

	// Settings holds the provider's configuration keys.
	Settings map[string]string `json:"settings"`

	// Packages are extra packages the provider installs.
	Packages []string `json:"packages,omitempty"`

	// PackageState is installed or upgraded, following the host upgrade policy.
	PackageState DesiredState `json:"package_state"`

	// PackageOptions are extra package-manager flags.
	PackageOptions string `json:"package_options,omitempty"`
}

// Setting returns the named provider setting or def when unset or empty.
func (pc ProviderContext) Setting(key, def string) string {
	if v := strings.TrimSpace(pc.Settings[key]); v != "" {
		return v
	}
	return def
}

// Require checks keys in order and returns MissingConfigKey for the first
// absent or empty one.
func (pc ProviderContext) Require(keys ...string) error {
	for _, k := range keys {
		if strings.TrimSpace(pc.Settings[k]) == "" {
			return MissingConfigKey(k)
		}
	}
	return nil
}

// CommandResult is the outcome of one external command.
type CommandResult struct {
	Command  string        `json:"command"`
	Args     []string      `json:"args,omitempty"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Success reports whether the command exited with status 0.
func (r *CommandResult) Success() bool {
	return r != nil && r.ExitCode == 0
}

// CommandLine renders the command for logs and error messages.
func (r *CommandResult) CommandLine() string {
	if len(r.Args) == 0 {
		return r.Command
	}
	return r.Command + " " + strings.Join(r.Args, " ")
}

// Contribution is the resources and notification edges a storage backend
// provider adds to a pass.
type Contribution struct {
	Specs         []ResourceSpec `json:"specs"`
	Notifications []Notification `json:"notifications,omitempty"`
}
