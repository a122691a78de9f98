package policy

import (
	"strconv"

	"github.com/openfroyo/cinderhost/pkg/engine"
	"github.com/openfroyo/cinderhost/pkg/handlers"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityWarning is reported but does not block the pass.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the pass before any resource is touched.
	SeverityError Severity = "error"
)

// Policy is a named Rego module whose deny set yields violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description is taken from the leading comment block of the module.
	Description string `json:"description,omitempty"`

	// Rego contains the module source.
	Rego string `json:"rego"`

	// Severity is used for violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Severity Severity `json:"severity"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
}

// Result is the outcome of checking one plan.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// Allowed reports whether no error-severity violation was found.
func (r *Result) Allowed() bool {
	return len(r.Errors()) == 0
}

// Errors returns the violations that block the pass.
func (r *Result) Errors() []Violation {
	return r.filter(SeverityError)
}

// Warnings returns the violations that are only reported.
func (r *Result) Warnings() []Violation {
	return r.filter(SeverityWarning)
}

func (r *Result) filter(s Severity) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == s {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document exposed to policies as `input`.
type Input struct {
	Resources     []ResourceInput       `json:"resources"`
	Notifications []engine.Notification `json:"notifications"`
}

// ResourceInput describes one resource to policies. File content is
// withheld; only its size is exposed.
type ResourceInput struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	Identifier    string            `json:"identifier"`
	State         string            `json:"state"`
	Sensitive     bool              `json:"sensitive"`
	Mode          int               `json:"mode,omitempty"`
	ContentLength int               `json:"content_length,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// NewInput builds the policy input for a plan.
func NewInput(specs []engine.ResourceSpec, notifications []engine.Notification) Input {
	in := Input{
		Resources:     make([]ResourceInput, 0, len(specs)),
		Notifications: notifications,
	}
	if in.Notifications == nil {
		in.Notifications = []engine.Notification{}
	}
	for _, s := range specs {
		ri := ResourceInput{
			ID:         s.ID(),
			Kind:       string(s.Kind),
			Identifier: s.Identifier,
			State:      string(s.State),
			Sensitive:  s.Sensitive(),
			Attributes: map[string]string{},
		}
		for k, v := range s.Attributes {
			if k == engine.AttrContent {
				ri.ContentLength = len(v)
				continue
			}
			ri.Attributes[k] = v
		}
		if s.Kind == engine.KindFile {
			ri.Mode = int(handlers.DefaultFileMode)
			if n, err := strconv.ParseUint(s.Attr(engine.AttrMode, ""), 8, 32); err == nil {
				ri.Mode = int(n)
			}
		}
		in.Resources = append(in.Resources, ri)
	}
	return in
}
