// Package runnertest provides a scripted runner.Runner for tests.
package runnertest

import (
	"context"
	"strings"
	"sync"

	"github.com/openfroyo/cinderhost/pkg/engine"
)

// Response is the canned outcome of one command.
type Response struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Runner answers commands from a table keyed by the full command line.
// Commands with no entry succeed with empty output.
type Runner struct {
	mu        sync.Mutex
	responses map[string][]Response
	prefixes  map[string]Response
	calls     []string
}

// New creates an empty scripted runner.
func New() *Runner {
	return &Runner{
		responses: make(map[string][]Response),
		prefixes:  make(map[string]Response),
	}
}

// On queues a response for an exact command line. Queued responses are
// consumed in order; the last one repeats.
func (r *Runner) On(cmdline string, resp Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[cmdline] = append(r.responses[cmdline], resp)
	return r
}

// OnPrefix sets a response for every command line starting with prefix.
func (r *Runner) OnPrefix(prefix string, resp Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes[prefix] = resp
	return r
}

// Calls returns the command lines run so far.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Called reports whether a command line starting with prefix was run.
func (r *Runner) Called(prefix string) bool {
	for _, c := range r.Calls() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// Run implements runner.Runner.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (*engine.CommandResult, error) {
	cmdline := strings.Join(append([]string{name}, args...), " ")

	r.mu.Lock()
	r.calls = append(r.calls, cmdline)
	resp, ok := r.next(cmdline)
	if !ok {
		longest := ""
		for p, pr := range r.prefixes {
			if strings.HasPrefix(cmdline, p) && len(p) > len(longest) {
				longest, resp = p, pr
			}
		}
	}
	r.mu.Unlock()

	if resp.Err != nil {
		return nil, resp.Err
	}
	return &engine.CommandResult{
		Command:  name,
		Args:     args,
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
	}, nil
}

func (r *Runner) next(cmdline string) (Response, bool) {
	queue := r.responses[cmdline]
	if len(queue) == 0 {
		return Response{}, false
	}
	resp := queue[0]
	if len(queue) > 1 {
		r.responses[cmdline] = queue[1:]
	}
	return resp, true
}
