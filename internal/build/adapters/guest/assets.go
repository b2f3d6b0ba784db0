package guest

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

//go:embed assets
var embeddedAssets embed.FS

const (
	rcLocalAsset  = "lib/smartdc/joyent_rc.local"
	shutdownAsset = "sbin/shutdown"
	unitAsset     = "etc/systemd/system/joyent.service"
	manpathAsset  = "etc/profile.d/native_manpath.sh"
)

// smartdcScripts are installed into /lib/smartdc on every guest.
var smartdcScripts = []string{
	"lib/smartdc/common.lib",
	"lib/smartdc/mdata-execute",
	"lib/smartdc/mdata-fetch",
	"lib/smartdc/mdata-image",
	"lib/smartdc/mount-zfs",
	"lib/smartdc/set-provision-state",
}

// EmbeddedAssets returns the guest files compiled into the binary.
func EmbeddedAssets() fs.FS {
	sub, err := fs.Sub(embeddedAssets, "assets")
	if err != nil {
		panic(fmt.Sprintf("guest: embedded assets: %v", err))
	}
	return sub
}

// LoadAssets returns the guest files under dir, or the embedded ones when
// dir is empty. A directory must carry every file an install can need.
func LoadAssets(dir string) (fs.FS, error) {
	if dir == "" {
		return EmbeddedAssets(), nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open guest asset directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("guest asset path %s is not a directory", dir)
	}

	assets := os.DirFS(dir)
	if err := CheckAssets(assets); err != nil {
		return nil, fmt.Errorf("guest asset directory %s: %w", dir, err)
	}
	return assets, nil
}

// RequiredAssets lists every asset name an install may read.
func RequiredAssets() []string {
	names := []string{manpathAsset, rcLocalAsset, shutdownAsset, unitAsset}
	names = append(names, smartdcScripts...)
	for _, distro := range knownHelpers() {
		names = append(names, helperAsset(distro))
	}
	return names
}

// CheckAssets reports every required asset missing from assets.
func CheckAssets(assets fs.FS) error {
	var errs []error
	for _, name := range RequiredAssets() {
		if _, err := fs.Stat(assets, name); err != nil {
			errs = append(errs, fmt.Errorf("missing %s", name))
		}
	}
	return errors.Join(errs...)
}
