package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/juju/utils/v4"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/cinderhost/pkg/engine"
)

// TransportError is a connection-level failure.
type TransportError struct {
	Op          string
	Err         error
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Client is a connection to one remote host. It implements runner.Runner.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu     sync.RWMutex
	client *ssh.Client
	fs     *FS
}

// NewClient validates config and creates an unconnected client.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Connect dials the remote host. Calling Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("Establishing SSH connection")

	dialer := &net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		conn.Close()
		return &TransportError{Op: "handshake", Err: err, IsAuthError: strings.Contains(err.Error(), "unable to authenticate")}
	}

	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.logger.Info().Str("user", c.config.User).Msg("SSH connection established")
	return nil
}

// Close releases the SFTP session and the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fs != nil {
		c.fs.close()
		c.fs = nil
	}
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected returns true if the client has an open connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// Run executes name with args on the remote host. Each argument is
// shell-quoted, so the remote shell sees exactly the argument list given.
// The command is bounded by Config.CommandTimeout; cancelling ctx does not
// interrupt a command that has already started.
func (c *Client) Run(ctx context.Context, name string, args ...string) (*engine.CommandResult, error) {
	if name == "" {
		return nil, engine.NewExecError("command is required", nil)
	}

	cmdline := quoteCommand(name, args, c.config.UseSudo)
	result := &engine.CommandResult{Command: name, Args: args}

	sshClient, err := c.get()
	if err != nil {
		return nil, engine.NewExecError(fmt.Sprintf("failed to execute %s", name), err)
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, engine.NewExecError("failed to create session", &TransportError{Op: "session", Err: err})
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmdline)
	}()

	timer := time.NewTimer(c.config.CommandTimeout)
	defer timer.Stop()

	var runErr error
	select {
	case runErr = <-done:
	case <-timer.C:
		_ = session.Signal(ssh.SIGKILL)
		result.ExitCode = -1
		result.Duration = time.Since(start)
		return result, engine.NewExecError(fmt.Sprintf("%s timed out after %s", name, c.config.CommandTimeout), context.DeadlineExceeded).
			WithCode(engine.ErrCodeExecTimeout).
			WithDetail("command", result.CommandLine())
	}

	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if runErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, engine.NewExecError(fmt.Sprintf("failed to execute %s", name), runErr).
				WithDetail("command", result.CommandLine())
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	c.logger.Debug().
		Str("command", name).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("Remote command finished")

	return result, nil
}

// FS returns the SFTP-backed file system of the remote host.
func (c *Client) FS() *FS {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fs == nil {
		c.fs = &FS{client: c, sudo: c.config.UseSudo}
	}
	return c.fs
}

func (c *Client) get() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, &TransportError{Op: "execute", Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}

func quoteCommand(name string, args []string, sudo bool) string {
	parts := make([]string, 0, len(args)+3)
	if sudo {
		parts = append(parts, "sudo", "-n", "--")
	}
	parts = append(parts, utils.ShQuote(name))
	for _, a := range args {
		parts = append(parts, utils.ShQuote(a))
	}
	return strings.Join(parts, " ")
}
