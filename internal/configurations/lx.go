package configurations

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cochaviz/lxbuild/internal/build"
	"github.com/cochaviz/lxbuild/internal/build/adapters/gtar"
	"github.com/cochaviz/lxbuild/internal/build/adapters/guest"
	"github.com/cochaviz/lxbuild/internal/build/adapters/zfs"
	"github.com/cochaviz/lxbuild/internal/command"
	"github.com/cochaviz/lxbuild/internal/config"
	"github.com/cochaviz/lxbuild/internal/fsutil"
	"github.com/cochaviz/lxbuild/internal/logging"
	"github.com/cochaviz/lxbuild/internal/manifest"
	"github.com/cochaviz/lxbuild/internal/models"
)

// Build resolves the remaining defaults in opts and runs one image build
// with the zfs, gtar and guest adapters.
func Build(opts config.Options, logger *slog.Logger) (build.BuildResult, error) {
	logger = logging.Ensure(logger).With("component", "configurations.lx")

	if err := opts.Validate(); err != nil {
		return build.BuildResult{}, err
	}

	runner := &command.Exec{Logger: logger.With("component", "command")}

	parent, err := config.ResolveParentVolume(opts.ParentVolume, config.Zonename(runner, opts.Tools.Zonename))
	if err != nil {
		return build.BuildResult{}, err
	}
	opts.ParentVolume = parent

	assets, err := guest.LoadAssets(opts.GuestDir)
	if err != nil {
		return build.BuildResult{}, err
	}

	service := build.BuildService{
		Logger: logger.With("service", "build"),
		Volumes: &zfs.Manager{
			Binary:     opts.Tools.ZFS,
			Compressor: opts.Tools.Gzip,
			Runner:     runner,
			Owner:      opts.Owner,
			Logger:     logger.With("adapter", "zfs"),
		},
		Stager: &gtar.Stager{
			Binary: opts.Tools.Tar,
			Runner: runner,
			Owner:  opts.Owner,
			Logger: logger.With("adapter", "gtar"),
		},
		Tools: &guest.Installer{
			Assets:    assets,
			Owner:     opts.Owner,
			NativeDir: opts.NativeDir,
			Logger:    logger.With("adapter", "guest"),
		},
		Manifests: &manifest.Generator{
			Logger: logger.With("adapter", "manifest"),
		},
	}

	logger.Info("resolved build options", "parent_volume", parent, "output_dir", opts.OutputDir, "guest_dir", opts.GuestDir)
	return service.Run(opts.Request())
}

// Detect reports the distribution of an unpacked root directory.
func Detect(root string) (models.Distro, error) {
	info, err := os.Stat(root)
	if err != nil {
		return models.DistroUnknown, fmt.Errorf("open root: %w", err)
	}
	if !info.IsDir() {
		return models.DistroUnknown, fmt.Errorf("root %s is not a directory", root)
	}
	return guest.Detect(fsutil.Root(root)), nil
}
