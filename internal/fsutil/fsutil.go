// Package fsutil holds the filesystem primitives used while staging an image.
//
// Every helper that creates or replaces an entry applies ownership and mode
// right after the mutation, so a path is never left with the creating
// process's umask or uid. Ownership is applied with lchown: symlinks are
// re-owned but never followed.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Owner is a numeric uid/gid pair.
type Owner struct {
	UID int `yaml:"uid"`
	GID int `yaml:"gid"`
}

// RootOwner is root:root.
var RootOwner = Owner{UID: 0, GID: 0}

const (
	DirMode  os.FileMode = 0o755
	FileMode os.FileMode = 0o644
	ExecMode os.FileMode = 0o755

	// StickyWorldWritable is the mode of a tmp directory (1777).
	StickyWorldWritable os.FileMode = os.ModeSticky | 0o777
)

var packageLogger = slog.Default()

// SetLogger configures the logger used to trace filesystem mutations.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		packageLogger = slog.Default()
		return
	}
	packageLogger = logger
}

// ChangePerms sets ownership and, unless path is a symlink, the mode.
func ChangePerms(path string, owner Owner, mode os.FileMode) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if err := unix.Lchown(path, owner.UID, owner.GID); err != nil {
		return fmt.Errorf("lchown(%s, %d, %d): %w", path, owner.UID, owner.GID, err)
	}

	// symlinks don't have permissions of their own
	if info.Mode()&os.ModeSymlink != 0 {
		packageLogger.Debug("changed ownership", "path", path, "uid", owner.UID, "gid", owner.GID)
		return nil
	}

	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod %s to %s: %w", path, mode, err)
	}
	packageLogger.Debug("set permissions", "path", path, "uid", owner.UID, "gid", owner.GID, "mode", mode.String())
	return nil
}

// MkdirAll creates path and its parents. Owner and mode are applied to path
// and to every parent it had to create; existing parents are untouched.
func MkdirAll(path string, owner Owner, mode os.FileMode) error {
	created := missingParents(path)
	if err := os.MkdirAll(path, mode.Perm()); err != nil {
		return fmt.Errorf("mkdir -p %s: %w", path, err)
	}
	for _, dir := range created {
		if err := ChangePerms(dir, owner, mode); err != nil {
			return err
		}
	}
	return ChangePerms(path, owner, mode)
}

// missingParents returns the absent ancestors of path, outermost first.
func missingParents(path string) []string {
	var missing []string
	dir := filepath.Clean(path)
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		if _, err := os.Lstat(parent); err == nil || !errors.Is(err, fs.ErrNotExist) {
			break
		}
		missing = append([]string{parent}, missing...)
		dir = parent
	}
	return missing
}

// WriteFile creates or truncates path with data. A symlink at path is
// replaced, not written through.
func WriteFile(path string, data []byte, owner Owner, mode os.FileMode) error {
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if _, err := RemoveIfExists(path); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, data, mode.Perm()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return ChangePerms(path, owner, mode)
}

// CopyFile copies name from src to dst, replacing any file already at dst.
func CopyFile(src fs.FS, name, dst string, owner Owner, mode os.FileMode) error {
	in, err := src.Open(name)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer in.Close()

	// a symlink at dst must be replaced, not written through
	if _, err := RemoveIfExists(dst); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s to %s: %w", name, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}

	packageLogger.Debug("copied file", "src", name, "dst", dst)
	return ChangePerms(dst, owner, mode)
}

// Symlink creates link pointing at target and re-owns the link itself.
func Symlink(target, link string, owner Owner) error {
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", link, target, err)
	}
	packageLogger.Debug("created symlink", "link", link, "target", target)
	return ChangePerms(link, owner, 0)
}

// RemoveIfExists unlinks path if something (including a dangling symlink)
// is there. Directories are not removed.
func RemoveIfExists(path string) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return false, fmt.Errorf("unlink %s: is a directory", path)
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("unlink %s: %w", path, err)
	}
	packageLogger.Debug("unlinked", "path", path)
	return true, nil
}

// EnsureParent creates the parent directory of path when it is missing.
// Existing parents are left untouched.
func EnsureParent(path string, owner Owner) error {
	dir := filepath.Dir(path)
	if _, err := os.Lstat(dir); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	return MkdirAll(dir, owner, DirMode)
}
