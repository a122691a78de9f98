package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/sftp"

	"github.com/openfroyo/cinderhost/pkg/handlers"
	"github.com/openfroyo/cinderhost/pkg/runner"
)

var _ handlers.FileSystem = (*FS)(nil)

// FS implements handlers.FileSystem over SFTP. With sudo set, content is
// staged in /tmp over SFTP and moved into place with privileged commands.
type FS struct {
	client *Client
	sudo   bool

	mu   sync.Mutex
	sftp *sftp.Client
}

func (f *FS) session() (*sftp.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sftp != nil {
		return f.sftp, nil
	}
	sshClient, err := f.client.get()
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{Op: "sftp", Err: err}
	}
	f.sftp = sc
	return sc, nil
}

func (f *FS) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sftp != nil {
		_ = f.sftp.Close()
		f.sftp = nil
	}
}

// Stat returns permission bits and ownership of path. With sudo the file
// is examined with a privileged stat, since the login user may not be able
// to traverse the directories holding it.
func (f *FS) Stat(ctx context.Context, p string) (*handlers.FileStat, error) {
	if f.sudo {
		return f.sudoStat(ctx, p)
	}
	sc, err := f.session()
	if err != nil {
		return nil, err
	}
	info, err := sc.Stat(p)
	if err != nil {
		return nil, err
	}
	st := &handlers.FileStat{Mode: info.Mode().Perm(), UID: -1, GID: -1, Size: info.Size()}
	if sys, ok := info.Sys().(*sftp.FileStat); ok {
		st.UID = int(sys.UID)
		st.GID = int(sys.GID)
	}
	return st, nil
}

func (f *FS) sudoStat(ctx context.Context, p string) (*handlers.FileStat, error) {
	res, err := f.client.Run(ctx, "env", "LC_ALL=C", "stat", "-L", "-c", "%a %u %g %s", "--", p)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "No such file or directory") {
			return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
		}
		_, err := runner.Expect(res, nil)
		return nil, err
	}
	return parseStat(p, res.Stdout)
}

// parseStat reads the "%a %u %g %s" output of stat(1).
func parseStat(p, out string) (*handlers.FileStat, error) {
	fields := strings.Fields(out)
	if len(fields) != 4 {
		return nil, fmt.Errorf("unexpected stat output for %s: %q", p, out)
	}
	mode, err := strconv.ParseUint(fields[0], 8, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid mode for %s: %w", p, err)
	}
	ids := make([]int, 2)
	for i, field := range fields[1:3] {
		if ids[i], err = strconv.Atoi(field); err != nil {
			return nil, fmt.Errorf("invalid owner for %s: %w", p, err)
		}
	}
	size, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid size for %s: %w", p, err)
	}
	return &handlers.FileStat{Mode: os.FileMode(mode).Perm(), UID: ids[0], GID: ids[1], Size: size}, nil
}

// ReadFile reads path. With sudo the content is read through cat, since
// the managed files are often readable by root only.
func (f *FS) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if f.sudo {
		if _, err := f.Stat(ctx, p); err != nil {
			return nil, err
		}
		res, err := runner.MustSucceed(ctx, f.client, "cat", p)
		if err != nil {
			return nil, err
		}
		return []byte(res.Stdout), nil
	}

	sc, err := f.session()
	if err != nil {
		return nil, err
	}
	file, err := sc.Open(p)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// WriteFile uploads to a temporary file and renames it over path.
func (f *FS) WriteFile(ctx context.Context, p string, data []byte, perm os.FileMode) error {
	sc, err := f.session()
	if err != nil {
		return err
	}

	dir := path.Dir(p)
	tmpDir := dir
	if f.sudo {
		tmpDir = "/tmp"
	} else if err := sc.MkdirAll(dir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp := path.Join(tmpDir, "."+path.Base(p)+"."+uuid.NewString()[:8])

	if err := f.upload(sc, tmp, data, perm); err != nil {
		_ = sc.Remove(tmp)
		return err
	}

	if f.sudo {
		// The staged copy belongs to the login user. The replacement keeps
		// the owner of the file it replaces, and new files belong to root.
		uid, gid := 0, 0
		st, err := f.sudoStat(ctx, p)
		switch {
		case err == nil:
			uid, gid = st.UID, st.GID
		case !errors.Is(err, fs.ErrNotExist):
			_ = sc.Remove(tmp)
			return err
		}
		if _, err := runner.MustSucceed(ctx, f.client, "mkdir", "-p", dir); err != nil {
			_ = sc.Remove(tmp)
			return err
		}
		if _, err := runner.MustSucceed(ctx, f.client, "mv", "-f", tmp, p); err != nil {
			_ = sc.Remove(tmp)
			return err
		}
		if err := f.Chown(ctx, p, uid, gid); err != nil {
			return err
		}
		return f.Chmod(ctx, p, perm)
	}

	if err := sc.PosixRename(tmp, p); err != nil {
		_ = sc.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

func (f *FS) upload(sc *sftp.Client, tmp string, data []byte, perm os.FileMode) error {
	file, err := sc.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if err := file.Chmod(perm); err != nil {
		file.Close()
		return fmt.Errorf("failed to set mode: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	return file.Close()
}

// Chmod sets permission bits.
func (f *FS) Chmod(ctx context.Context, p string, perm os.FileMode) error {
	if f.sudo {
		_, err := runner.MustSucceed(ctx, f.client, "chmod", fmt.Sprintf("%04o", perm), p)
		return err
	}
	sc, err := f.session()
	if err != nil {
		return err
	}
	return sc.Chmod(p, perm)
}

// Chown sets ownership. An id of -1 leaves that field unchanged.
func (f *FS) Chown(ctx context.Context, p string, uid, gid int) error {
	if uid < 0 || gid < 0 {
		st, err := f.Stat(ctx, p)
		if err != nil {
			return err
		}
		if uid < 0 {
			uid = st.UID
		}
		if gid < 0 {
			gid = st.GID
		}
	}
	if f.sudo {
		_, err := runner.MustSucceed(ctx, f.client, "chown", strconv.Itoa(uid)+":"+strconv.Itoa(gid), p)
		return err
	}
	sc, err := f.session()
	if err != nil {
		return err
	}
	return sc.Chown(p, uid, gid)
}

// Remove deletes path.
func (f *FS) Remove(ctx context.Context, p string) error {
	if f.sudo {
		if _, err := f.Stat(ctx, p); err != nil {
			return err
		}
		_, err := runner.MustSucceed(ctx, f.client, "rm", "-f", p)
		return err
	}
	sc, err := f.session()
	if err != nil {
		return err
	}
	return sc.Remove(p)
}
