package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// FileStat is the metadata the file handler compares.
type FileStat struct {
	Mode os.FileMode
	UID  int
	GID  int
	Size int64
}

// FileSystem is where file resources live: this host or a remote one over
// SFTP. Missing files are reported with errors matching fs.ErrNotExist.
type FileSystem interface {
	Stat(ctx context.Context, path string) (*FileStat, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile replaces path atomically, creating parent directories.
	WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error

	Chmod(ctx context.Context, path string, perm os.FileMode) error
	Chown(ctx context.Context, path string, uid, gid int) error
	Remove(ctx context.Context, path string) error
}

// LocalFS is the FileSystem of this host.
type LocalFS struct{}

// Stat returns permission bits and ownership of path.
func (LocalFS) Stat(_ context.Context, path string) (*FileStat, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	st := &FileStat{Mode: info.Mode().Perm(), UID: -1, GID: -1, Size: info.Size()}
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		st.UID = int(sys.Uid)
		st.GID = int(sys.Gid)
	}
	return st, nil
}

// ReadFile reads path.
func (LocalFS) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile writes to a temporary file in the same directory and renames it
// over path.
func (LocalFS) WriteFile(_ context.Context, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Chmod sets permission bits.
func (LocalFS) Chmod(_ context.Context, path string, perm os.FileMode) error {
	return os.Chmod(path, perm)
}

// Chown sets ownership.
func (LocalFS) Chown(_ context.Context, path string, uid, gid int) error {
	return os.Chown(path, uid, gid)
}

// Remove deletes path.
func (LocalFS) Remove(_ context.Context, path string) error {
	return os.Remove(path)
}
