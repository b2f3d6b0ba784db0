// Package guest installs the LX guest integration: metadata commands, the
// shared agent library and the init hooks of the detected distribution.
package guest

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"

	"github.com/samber/lo"

	"github.com/cochaviz/lxbuild/internal/build"
	"github.com/cochaviz/lxbuild/internal/fsutil"
	"github.com/cochaviz/lxbuild/internal/models"
)

// Ensure Installer satisfies the tool installer interface.
var _ build.ToolInstaller = (*Installer)(nil)

const (
	DefaultNativeDir = "/native"

	manpathMode fs.FileMode = 0o744

	smartdcDir  = "lib/smartdc"
	systemdDir  = "etc/systemd/system"
	wantsDir    = "etc/systemd/system/multi-user.target.wants"
	unitName    = "joyent.service"
	rcLocalPath = "etc/rc.local"
	shutdown    = "sbin/shutdown"
)

type marker struct {
	distro models.Distro
	path   string
}

// markers are checked in order; the first present one wins.
var markers = []marker{
	{models.DistroAlpine, "etc/alpine-release"},
	{models.DistroArch, "etc/arch-release"},
	{models.DistroDebian, "etc/debian_version"},
	{models.DistroRedHat, "etc/redhat-release"},
	{models.DistroVoid, "etc/void-release"},
}

// mdataCommands are linked to the platform's binaries under the native dir.
var mdataCommands = []string{
	"usr/sbin/mdata-get",
	"usr/sbin/mdata-put",
	"usr/sbin/mdata-delete",
	"usr/sbin/mdata-list",
}

// Detect returns the distribution of the tree at root, or DistroUnknown.
func Detect(root fsutil.Root) models.Distro {
	found, ok := lo.Find(markers, func(m marker) bool {
		return root.Exists(m.path)
	})
	if !ok {
		return models.DistroUnknown
	}
	return found.distro
}

// recipe is the distro-specific part of an install.
type recipe struct {
	rcLocal  bool
	shutdown bool
	systemd  bool
}

func recipeFor(distro models.Distro) (recipe, error) {
	switch distro {
	case models.DistroAlpine, models.DistroVoid:
		return recipe{rcLocal: true, shutdown: true}, nil
	case models.DistroDebian, models.DistroRedHat:
		return recipe{rcLocal: true}, nil
	case models.DistroArch:
		return recipe{systemd: true}, nil
	case models.DistroUnknown:
		return recipe{}, build.NewError(build.KindUnsupportedDistro, "/", errors.New("failed to detect a supported Linux distribution"))
	}
	return recipe{}, build.NewError(build.KindUnsupportedDistro, "/", fmt.Errorf("no install recipe for distro %q", distro))
}

func knownHelpers() []models.Distro {
	return models.KnownDistros
}

func helperAsset(distro models.Distro) string {
	return path.Join(smartdcDir, distro.String())
}

// Installer copies guest assets into a staged root.
type Installer struct {
	// Assets defaults to EmbeddedAssets.
	Assets fs.FS
	Owner  fsutil.Owner
	// NativeDir is where the platform tools are mounted inside the guest.
	NativeDir string
	Logger    *slog.Logger
}

func (i *Installer) logger() *slog.Logger {
	if i != nil && i.Logger != nil {
		return i.Logger
	}
	return slog.Default()
}

func (i *Installer) assets() fs.FS {
	if i.Assets != nil {
		return i.Assets
	}
	return EmbeddedAssets()
}

func (i *Installer) nativeDir() string {
	if i.NativeDir != "" {
		return i.NativeDir
	}
	return DefaultNativeDir
}

// Install detects the distribution and installs everything it needs. An
// unknown distribution fails before the tree is touched.
func (i *Installer) Install(root fsutil.Root) (models.Distro, error) {
	distro := Detect(root)
	plan, err := recipeFor(distro)
	if err != nil {
		return distro, err
	}
	logger := i.logger().With("distro", distro.String())
	logger.Info("detected guest distribution")

	if err := i.InstallMdataCommands(root); err != nil {
		return distro, err
	}
	if err := i.copy(root, manpathAsset, manpathAsset, manpathMode); err != nil {
		return distro, err
	}
	if err := i.mkdir(root, smartdcDir); err != nil {
		return distro, err
	}
	for _, script := range smartdcScripts {
		if err := i.copy(root, script, script, fsutil.ExecMode); err != nil {
			return distro, err
		}
	}

	if err := i.apply(root, distro, plan); err != nil {
		return distro, err
	}
	logger.Info("installed guest tools")
	return distro, nil
}

func (i *Installer) apply(root fsutil.Root, distro models.Distro, r recipe) error {
	if r.rcLocal {
		if err := i.copy(root, rcLocalAsset, rcLocalPath, fsutil.ExecMode); err != nil {
			return err
		}
	}
	if r.shutdown {
		if err := i.copy(root, shutdownAsset, shutdown, fsutil.ExecMode); err != nil {
			return err
		}
	}
	if r.systemd {
		if err := i.enableUnit(root); err != nil {
			return err
		}
	}
	helper := helperAsset(distro)
	return i.copy(root, helper, helper, fsutil.ExecMode)
}

func (i *Installer) enableUnit(root fsutil.Root) error {
	if err := i.mkdir(root, systemdDir); err != nil {
		return err
	}
	unit := path.Join(systemdDir, unitName)
	if err := i.copy(root, unitAsset, unit, fsutil.FileMode); err != nil {
		return err
	}
	if err := i.mkdir(root, wantsDir); err != nil {
		return err
	}
	// the link is read by the guest's systemd, so it points at a guest path
	return i.link(root, "/"+unit, path.Join(wantsDir, unitName))
}

// InstallMdataCommands points the mdata commands at the platform's copies,
// replacing whatever was there. Running it twice gives the same tree.
func (i *Installer) InstallMdataCommands(root fsutil.Root) error {
	for _, name := range mdataCommands {
		if err := i.link(root, path.Join(i.nativeDir(), name), name); err != nil {
			return err
		}
	}
	return nil
}

func (i *Installer) link(root fsutil.Root, target, guestPath string) error {
	host, err := root.Resolve(guestPath)
	if err != nil {
		return toolError(guestPath, err)
	}
	removed, err := fsutil.RemoveIfExists(host)
	if err != nil {
		return toolError(guestPath, err)
	}
	if removed {
		i.logger().Debug("replaced existing file", "path", "/"+guestPath)
	}
	if err := fsutil.EnsureParent(host, i.Owner); err != nil {
		return toolError(guestPath, err)
	}
	if err := fsutil.Symlink(target, host, i.Owner); err != nil {
		return toolError(guestPath, err)
	}
	return nil
}

// copy writes asset to guestPath. A symlink already at guestPath is
// followed inside root and its target is written, so /etc/rc.local ->
// rc.d/rc.local keeps pointing at the script init actually runs.
func (i *Installer) copy(root fsutil.Root, asset, guestPath string, mode fs.FileMode) error {
	host, err := root.Follow(guestPath)
	if err != nil {
		return toolError(guestPath, err)
	}
	if err := fsutil.EnsureParent(host, i.Owner); err != nil {
		return toolError(guestPath, err)
	}
	if err := fsutil.CopyFile(i.assets(), asset, host, i.Owner, mode); err != nil {
		return toolError(guestPath, err)
	}
	return nil
}

func (i *Installer) mkdir(root fsutil.Root, guestPath string) error {
	host, err := root.Resolve(guestPath)
	if err != nil {
		return toolError(guestPath, err)
	}
	if err := fsutil.MkdirAll(host, i.Owner, fsutil.DirMode); err != nil {
		return toolError(guestPath, err)
	}
	return nil
}

func toolError(guestPath string, err error) error {
	return build.NewError(build.KindToolInstall, "/"+guestPath, err)
}
