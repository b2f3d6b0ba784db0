package build

import (
	"os"

	"github.com/cochaviz/lxbuild/internal/fsutil"
	"github.com/cochaviz/lxbuild/internal/models"
	"github.com/cochaviz/lxbuild/internal/osrelease"
)

// VolumeManager owns the copy-on-write staging volume.
type VolumeManager interface {
	// Create allocates name and returns it with its mountpoint and a root
	// directory ready for extraction.
	Create(name string) (models.StagingVolume, error)
	Snapshot(volume models.StagingVolume) (models.Snapshot, error)
	// StreamCompressed serializes snapshot through the compressor into out
	// and returns the number of bytes written.
	StreamCompressed(snapshot models.Snapshot, out *os.File) (int64, error)
	// Destroy removes volume recursively. Failures come back as
	// *TeardownError.
	Destroy(volume models.StagingVolume) error
}

// ArchiveStager populates and normalizes the staged guest tree.
type ArchiveStager interface {
	InstallArchive(root fsutil.Root, archivePath string) error
	NormalizeSkeleton(root fsutil.Root, product, motd string) error
}

// ToolInstaller installs the guest integration and reports the distro it
// installed for.
type ToolInstaller interface {
	Install(root fsutil.Root) (models.Distro, error)
}

// ManifestGenerator hashes the artifact and writes its manifest.
type ManifestGenerator interface {
	Generate(image models.ImageDescriptor, artifactPath, outputPath string) error
}

// ReleaseReader reads the staged guest's os-release.
type ReleaseReader func(root fsutil.Root) (osrelease.Release, error)
