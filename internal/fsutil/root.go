package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Root is a staged guest tree. Paths handed to it are guest paths, and
// symlinks inside the tree are resolved as the guest would see them, so an
// absolute link such as /sbin -> /usr/sbin never escapes to the host.
type Root string

// Path returns the host path of the root directory.
func (r Root) Path() string {
	return string(r)
}

// Resolve maps a guest path to a host path. Intermediate directories are
// resolved inside the root; the final component is not followed, so the
// result names the entry itself even when it is a symlink.
func (r Root) Resolve(guestPath string) (string, error) {
	clean := filepath.Clean("/" + strings.TrimPrefix(guestPath, "/"))
	if clean == "/" {
		return r.Path(), nil
	}

	parent, err := securejoin.SecureJoin(r.Path(), filepath.Dir(clean))
	if err != nil {
		return "", fmt.Errorf("resolve %s in %s: %w", guestPath, r.Path(), err)
	}
	return filepath.Join(parent, filepath.Base(clean)), nil
}

// Follow maps a guest path to a host path, resolving every component,
// including the last, inside the root. Use it for reads.
func (r Root) Follow(guestPath string) (string, error) {
	p, err := securejoin.SecureJoin(r.Path(), guestPath)
	if err != nil {
		return "", fmt.Errorf("resolve %s in %s: %w", guestPath, r.Path(), err)
	}
	return p, nil
}

// Exists reports whether guestPath names an entry, following symlinks
// inside the root.
func (r Root) Exists(guestPath string) bool {
	p, err := r.Follow(guestPath)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}
