package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cinderhost/pkg/engine"
	"github.com/openfroyo/cinderhost/pkg/runner"
)

// DefaultFileMode applies when a file resource declares no mode.
const DefaultFileMode os.FileMode = 0o644

// FileHandler renders files with declared content, mode and ownership.
type FileHandler struct {
	fs     FileSystem
	runner runner.Runner
	logger zerolog.Logger
}

// NewFileHandler creates a file handler. The runner resolves owner and group
// names on the host that owns fsys.
func NewFileHandler(fsys FileSystem, r runner.Runner, logger zerolog.Logger) *FileHandler {
	return &FileHandler{
		fs:     fsys,
		runner: r,
		logger: logger.With().Str("component", "file-handler").Logger(),
	}
}

// Kind implements engine.Handler.
func (h *FileHandler) Kind() engine.ResourceKind {
	return engine.KindFile
}

// Check implements engine.Handler.
func (h *FileHandler) Check(ctx context.Context, spec engine.ResourceSpec) (engine.CurrentState, error) {
	if !path.IsAbs(spec.Identifier) {
		return engine.CurrentState{}, fmt.Errorf("file path must be absolute: %s", spec.Identifier)
	}

	st, err := h.fs.Stat(ctx, spec.Identifier)
	if errors.Is(err, fs.ErrNotExist) {
		return engine.CurrentState{InSync: spec.State == engine.StateAbsent, Description: "missing"}, nil
	}
	if err != nil {
		return engine.CurrentState{}, fmt.Errorf("failed to stat %s: %w", spec.Identifier, err)
	}
	if spec.State == engine.StateAbsent {
		return engine.CurrentState{Description: "present"}, nil
	}

	current, err := h.fs.ReadFile(ctx, spec.Identifier)
	if err != nil {
		return engine.CurrentState{}, fmt.Errorf("failed to read %s: %w", spec.Identifier, err)
	}

	var drift []string
	if checksum(current) != checksum([]byte(spec.Attr(engine.AttrContent, ""))) {
		drift = append(drift, "content differs")
	}

	mode, err := fileMode(spec)
	if err != nil {
		return engine.CurrentState{}, err
	}
	if spec.Attr(engine.AttrMode, "") != "" && st.Mode != mode {
		drift = append(drift, fmt.Sprintf("mode %04o", st.Mode))
	}

	uid, gid, err := h.ownership(ctx, spec)
	if err != nil {
		return engine.CurrentState{}, err
	}
	if uid >= 0 && st.UID != uid {
		drift = append(drift, fmt.Sprintf("owner uid %d", st.UID))
	}
	if gid >= 0 && st.GID != gid {
		drift = append(drift, fmt.Sprintf("group gid %d", st.GID))
	}

	if len(drift) == 0 {
		return engine.CurrentState{InSync: true, Description: fmt.Sprintf("present %04o", st.Mode)}, nil
	}
	return engine.CurrentState{Description: strings.Join(drift, ", ")}, nil
}

// Converge implements engine.Handler.
func (h *FileHandler) Converge(ctx context.Context, spec engine.ResourceSpec) (string, error) {
	if spec.State == engine.StateAbsent {
		if err := h.fs.Remove(ctx, spec.Identifier); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to remove %s: %w", spec.Identifier, err)
		}
		return "removed", nil
	}

	mode, err := fileMode(spec)
	if err != nil {
		return "", err
	}
	uid, gid, err := h.ownership(ctx, spec)
	if err != nil {
		return "", err
	}

	content := []byte(spec.Attr(engine.AttrContent, ""))
	current, readErr := h.fs.ReadFile(ctx, spec.Identifier)
	action := "created"
	if readErr == nil {
		action = "updated"
	}

	if readErr != nil || !bytes.Equal(current, content) {
		if err := h.fs.WriteFile(ctx, spec.Identifier, content, mode); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", spec.Identifier, err)
		}
	}
	if err := h.fs.Chmod(ctx, spec.Identifier, mode); err != nil {
		return "", fmt.Errorf("failed to set mode on %s: %w", spec.Identifier, err)
	}
	if uid >= 0 || gid >= 0 {
		if err := h.fs.Chown(ctx, spec.Identifier, uid, gid); err != nil {
			return "", fmt.Errorf("failed to set ownership on %s: %w", spec.Identifier, err)
		}
	}

	ev := h.logger.Info().Str("path", spec.Identifier).Str("mode", fmt.Sprintf("%04o", mode))
	if !spec.Sensitive() {
		ev = ev.Str("checksum", checksum(content))
	}
	ev.Msg("File rendered")

	return fmt.Sprintf("%s %04o", action, mode), nil
}

// Act implements engine.Handler. Files take no notified actions.
func (h *FileHandler) Act(ctx context.Context, spec engine.ResourceSpec, action engine.Action) error {
	return fmt.Errorf("file resources do not support action %q", action)
}

// ownership resolves owner and group names to ids; -1 means unmanaged.
func (h *FileHandler) ownership(ctx context.Context, spec engine.ResourceSpec) (int, int, error) {
	uid, gid := -1, -1
	if owner := spec.Attr(engine.AttrOwner, ""); owner != "" {
		id, err := h.lookupID(ctx, owner, "id", "-u", owner)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to resolve owner %q: %w", owner, err)
		}
		uid = id
	}
	if group := spec.Attr(engine.AttrGroup, ""); group != "" {
		id, err := h.lookupID(ctx, group, "getent", "group", group)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to resolve group %q: %w", group, err)
		}
		gid = id
	}
	return uid, gid, nil
}

func (h *FileHandler) lookupID(ctx context.Context, name string, cmd string, args ...string) (int, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	res, err := runner.MustSucceed(ctx, h.runner, cmd, args...)
	if err != nil {
		return 0, err
	}
	out := strings.TrimSpace(res.Stdout)
	// getent prints name:password:gid:members
	if fields := strings.Split(out, ":"); len(fields) >= 3 {
		out = fields[2]
	}
	return strconv.Atoi(out)
}

func fileMode(spec engine.ResourceSpec) (os.FileMode, error) {
	raw := spec.Attr(engine.AttrMode, "")
	if raw == "" {
		return DefaultFileMode, nil
	}
	mode, err := strconv.ParseUint(raw, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", raw, err)
	}
	return os.FileMode(mode).Perm(), nil
}

func checksum(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
