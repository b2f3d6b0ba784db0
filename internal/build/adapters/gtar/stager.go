// Package gtar stages a user-land archive into the guest root with GNU tar
// and normalizes the resulting tree.
package gtar

import (
	_ "embed"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/cochaviz/lxbuild/internal/build"
	"github.com/cochaviz/lxbuild/internal/command"
	"github.com/cochaviz/lxbuild/internal/fsutil"
)

// Ensure Stager satisfies the archive stager interface.
var _ build.ArchiveStager = (*Stager)(nil)

const DefaultBinary = "/usr/bin/gtar"

//go:embed assets/fstab
var defaultFstab []byte

// Mode is the gtar flag set that extracts one archive format.
type Mode string

const (
	ModeGzip  Mode = "-xzf"
	ModeBzip2 Mode = "-xjf"
	ModePlain Mode = "-xf"
	ModeXz    Mode = "-xJf"
)

var extractionModes = map[string]Mode{
	"gzip":       ModeGzip,
	"bzip2":      ModeBzip2,
	"compressed": ModeGzip,
	"ustar":      ModePlain,
	"xz":         ModeXz,
	"tar":        ModePlain,
}

// short suffixes that name one of the formats above
var extensionAliases = map[string]string{
	"gz":   "gzip",
	"tgz":  "gzip",
	"bz2":  "bzip2",
	"tbz":  "bzip2",
	"tbz2": "bzip2",
	"z":    "compressed",
	"txz":  "xz",
}

// historically required, even if nothing in the guest uses them
var nativeDirs = []string{
	"native/dev",
	"native/etc/default",
	"native/etc/svc/volatile",
	"native/lib",
	"native/proc",
	"native/tmp",
	"native/usr",
	"native/var",
}

// left behind by archives exported from docker images
var unwantedFiles = []string{".dockerenv"}

// Format returns the archive format named by path's extension, lower-cased
// with short aliases expanded: "rootfs.tar.gz" is "gzip".
func Format(archivePath string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(archivePath), "."))
	return lo.ValueOr(extensionAliases, ext, ext)
}

// ResolveMode picks the extraction flags for archivePath.
func ResolveMode(archivePath string) (Mode, error) {
	format := Format(archivePath)
	mode, ok := extractionModes[format]
	if !ok {
		supported := lo.Keys(extractionModes)
		slices.Sort(supported)
		return "", build.NewError(build.KindUnsupportedArchiveFormat, archivePath,
			fmt.Errorf("unknown archive extension %q (supported: %s)", format, strings.Join(supported, ", ")))
	}
	return mode, nil
}

// Stager extracts archives with gtar.
type Stager struct {
	Binary string
	Runner command.Runner
	Owner  fsutil.Owner
	// Fstab replaces the embedded /etc/fstab when set.
	Fstab  []byte
	Logger *slog.Logger
}

func (s *Stager) logger() *slog.Logger {
	if s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Stager) runner() command.Runner {
	if s.Runner != nil {
		return s.Runner
	}
	return &command.Exec{Logger: s.logger()}
}

func (s *Stager) binary() string {
	if s.Binary != "" {
		return s.Binary
	}
	return DefaultBinary
}

// InstallArchive extracts archivePath into root. Unknown formats are
// rejected before gtar runs.
func (s *Stager) InstallArchive(root fsutil.Root, archivePath string) error {
	mode, err := ResolveMode(archivePath)
	if err != nil {
		return err
	}

	if _, err := s.runner().Run(s.binary(), string(mode), archivePath, "-C", root.Path()); err != nil {
		return build.NewError(build.KindArchiveExtract, archivePath, fmt.Errorf("untar: %w", err))
	}

	s.logger().Info("extracted archive", "archive", archivePath, "root", root.Path(), "format", Format(archivePath))
	return nil
}

// NormalizeSkeleton creates the /native directories, removes leftovers and
// writes /etc/fstab, /etc/product and /etc/motd.
func (s *Stager) NormalizeSkeleton(root fsutil.Root, product, motd string) error {
	for _, dir := range nativeDirs {
		if err := s.apply(root, dir, func(path string) error {
			return fsutil.MkdirAll(path, s.Owner, fsutil.DirMode)
		}); err != nil {
			return err
		}
	}

	for _, name := range unwantedFiles {
		if err := s.apply(root, name, func(path string) error {
			removed, err := fsutil.RemoveIfExists(path)
			if removed {
				s.logger().Info("removed leftover file", "path", path)
			}
			return err
		}); err != nil {
			return err
		}
	}

	if err := s.apply(root, "native/tmp", func(path string) error {
		return fsutil.ChangePerms(path, s.Owner, fsutil.StickyWorldWritable)
	}); err != nil {
		return err
	}

	fstab := s.Fstab
	if fstab == nil {
		fstab = defaultFstab
	}
	files := []struct {
		name    string
		content []byte
	}{
		{"etc/fstab", fstab},
		{"etc/product", []byte(product)},
		{"etc/motd", []byte(motd)},
	}
	for _, file := range files {
		if err := s.apply(root, file.name, func(path string) error {
			if err := fsutil.EnsureParent(path, s.Owner); err != nil {
				return err
			}
			return fsutil.WriteFile(path, file.content, s.Owner, fsutil.FileMode)
		}); err != nil {
			return err
		}
	}

	s.logger().Debug("normalized guest skeleton", "root", root.Path())
	return nil
}

// apply resolves guestPath inside root and runs fn on the host path.
func (s *Stager) apply(root fsutil.Root, guestPath string, fn func(path string) error) error {
	path, err := root.Resolve(guestPath)
	if err != nil {
		return build.NewError(build.KindIO, "/"+guestPath, err)
	}
	if err := fn(path); err != nil {
		return build.NewError(build.KindIO, "/"+guestPath, err)
	}
	return nil
}
