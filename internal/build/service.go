package build

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/cochaviz/lxbuild/internal/artifacts"
	"github.com/cochaviz/lxbuild/internal/command"
	"github.com/cochaviz/lxbuild/internal/fsutil"
	"github.com/cochaviz/lxbuild/internal/models"
	"github.com/cochaviz/lxbuild/internal/osrelease"
)

// BuildService turns a user-land archive into an LX image and its manifest.
//
// Steps run strictly in order against one staging volume. Once the volume
// exists, any failure destroys it before the failure is returned; the
// volume is destroyed exactly once on every path.
type BuildService struct {
	Logger    *slog.Logger
	Volumes   VolumeManager
	Stager    ArchiveStager
	Tools     ToolInstaller
	Manifests ManifestGenerator
	// Releases defaults to osrelease.Read.
	Releases ReleaseReader
	// Now defaults to time.Now.
	Now func() time.Time
}

// BuildResult describes a finished build.
type BuildResult struct {
	Context   models.BuildContext
	ImageName string
	Distro    models.Distro
	Artifacts artifacts.Set
	// Size is the byte size of the compressed stream.
	Size int64
}

type buildStep struct {
	// status is the state reached when the step succeeds
	status models.BuildStatus
	name   string
	run    func(*buildRun) error
}

var buildSteps = []buildStep{
	{models.BuildStatusStaged, "extract archive", (*buildRun).stage},
	{models.BuildStatusCustomized, "customize guest", (*buildRun).customize},
	{models.BuildStatusToolsInstalled, "install guest tools", (*buildRun).installTools},
	{models.BuildStatusArchived, "archive volume", (*buildRun).archive},
	{models.BuildStatusManifestWritten, "write manifest", (*buildRun).writeManifest},
}

// Run executes one build. A *TeardownError means the staging volume is
// still there; any other error means the build failed and was rolled back.
func (s *BuildService) Run(request models.BuildRequest) (result BuildResult, err error) {
	if err := s.validate(); err != nil {
		return result, err
	}

	buildContext, err := models.NewBuildContext(request, s.now())
	if err != nil {
		return result, err
	}

	logger := s.logger().With(
		"build_id", buildContext.BuildID,
		"volume", buildContext.VolumeName(),
	)
	logger.Info("starting image build", "archive", buildContext.ArchivePath, "image_uuid", buildContext.ImageUUID)

	volume, err := s.Volumes.Create(buildContext.VolumeName())
	if err != nil {
		return result, err
	}
	volume.State = models.VolumeCreated
	logger.Info("staging volume created", "mountpoint", volume.Mountpoint)

	run := &buildRun{
		service: s,
		logger:  logger,
		context: buildContext,
		volume:  volume,
		root:    fsutil.Root(volume.Root),
		status:  models.BuildStatusVolumeCreated,
	}

	guard := &volumeGuard{volumes: s.Volumes, volume: volume, logger: logger}
	defer func() {
		if r := recover(); r != nil {
			if rollbackErr := guard.rollback(fmt.Errorf("panic: %v", r)); IsFatal(rollbackErr) {
				logger.Error("rollback failed", "error", rollbackErr)
			}
			panic(r)
		}
		if err != nil && !guard.done {
			run.setStatus(models.BuildStatusRollingBack)
			run.discardArtifacts()
			err = guard.rollback(err)
		}
	}()

	for i, step := range buildSteps {
		logger.Debug("running build step", "step", i+1, "name", step.name)
		if err := step.run(run); err != nil {
			logger.Error("build step failed", "step", i+1, "name", step.name, "error", err)
			return result, err
		}
		run.setStatus(step.status)
	}

	if err := guard.teardown(); err != nil {
		return result, err
	}
	run.volume.State = models.VolumeDestroyed
	run.setStatus(models.BuildStatusDestroyed)

	logger.Info("image build completed",
		"image", run.artifacts.Image.Path,
		"manifest", run.artifacts.Manifest.Path,
		"distro", run.distro.String(),
	)

	return BuildResult{
		Context:   buildContext,
		ImageName: run.imageName,
		Distro:    run.distro,
		Artifacts: run.artifacts,
		Size:      run.size,
	}, nil
}

func (s *BuildService) validate() error {
	switch {
	case s.Volumes == nil:
		return errors.New("volume manager is not configured")
	case s.Stager == nil:
		return errors.New("archive stager is not configured")
	case s.Tools == nil:
		return errors.New("tool installer is not configured")
	case s.Manifests == nil:
		return errors.New("manifest generator is not configured")
	}
	return nil
}

func (s *BuildService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *BuildService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *BuildService) readRelease(root fsutil.Root) (osrelease.Release, error) {
	if s.Releases != nil {
		return s.Releases(root)
	}
	return osrelease.Read(root)
}

// buildRun is the mutable state of one build as it moves through the steps.
type buildRun struct {
	service *BuildService
	logger  *slog.Logger
	context models.BuildContext
	status  models.BuildStatus

	volume   models.StagingVolume
	root     fsutil.Root
	snapshot models.Snapshot

	imageName   string
	description string
	distro      models.Distro
	artifacts   artifacts.Set
	// touched lists the artifacts this run has opened for writing
	touched []artifacts.Artifact
	size    int64
}

func (r *buildRun) setStatus(status models.BuildStatus) {
	r.logger.Debug("build state changed", "from", r.status, "to", status)
	r.status = status
}

func (r *buildRun) stage() error {
	return r.service.Stager.InstallArchive(r.root, r.context.ArchivePath)
}

func (r *buildRun) customize() error {
	release, err := r.service.readRelease(r.root)
	if err != nil {
		return NewError(KindIO, osrelease.Path, err)
	}

	r.imageName = r.context.ImageName
	if r.imageName == "" {
		r.imageName = release.ImageName()
	}
	r.artifacts, err = artifacts.NewSet(r.context.OutputDir, r.imageName, r.context.BuildDate())
	if err != nil {
		return NewError(KindIO, r.context.OutputDir, err)
	}
	r.description = ImageDescription(release.PrettyName, r.context.Description)
	r.logger.Info("resolved image identity", "name", r.imageName, "release", release.PrettyName)

	text := GuestText{
		PrettyName:  release.PrettyName,
		Date:        r.context.BuildDate(),
		URL:         r.context.URL,
		Description: r.description,
	}
	product, err := RenderProduct(text)
	if err != nil {
		return NewError(KindIO, "/etc/product", err)
	}
	motd, err := RenderMOTD(text)
	if err != nil {
		return NewError(KindIO, "/etc/motd", err)
	}

	return r.service.Stager.NormalizeSkeleton(r.root, product, motd)
}

func (r *buildRun) installTools() error {
	distro, err := r.service.Tools.Install(r.root)
	if err != nil {
		return err
	}
	r.distro = distro
	r.logger.Info("guest tools installed", "distro", distro.String())
	return nil
}

func (r *buildRun) archive() error {
	snapshot, err := r.service.Volumes.Snapshot(r.volume)
	if err != nil {
		return err
	}
	r.snapshot = snapshot
	r.volume.State = models.VolumeSnapshotted

	if err := os.MkdirAll(r.context.OutputDir, fsutil.DirMode); err != nil {
		return NewError(KindIO, r.context.OutputDir, fmt.Errorf("create output directory: %w", err))
	}

	out, err := os.OpenFile(r.artifacts.Image.Path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fsutil.FileMode)
	if err != nil {
		return NewError(KindIO, r.artifacts.Image.Path, fmt.Errorf("create stream file: %w", err))
	}
	r.touched = append(r.touched, r.artifacts.Image)
	defer out.Close()

	size, err := r.service.Volumes.StreamCompressed(snapshot, out)
	if err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return NewError(KindIO, r.artifacts.Image.Path, fmt.Errorf("close stream file: %w", err))
	}
	r.size = size
	r.logger.Info("volume archived",
		"snapshot", snapshot.Name,
		"path", r.artifacts.Image.Path,
		"size", datasize.ByteSize(size).HumanReadable(),
	)
	return nil
}

func (r *buildRun) writeManifest() error {
	image := models.ImageDescriptor{
		UUID:        r.context.ImageUUID,
		Name:        r.imageName,
		Version:     r.context.BuildDate(),
		Description: r.description,
		Homepage:    r.context.URL,
		MinPlatform: r.context.MinPlatform,
		Kernel:      r.context.Kernel,
		PublishedAt: r.service.now().UTC(),
	}
	r.touched = append(r.touched, r.artifacts.Manifest)
	return r.service.Manifests.Generate(image, r.artifacts.Image.Path, r.artifacts.Manifest.Path)
}

// discardArtifacts removes the output this run created or truncated. Files
// of an earlier build under the same name are left alone until this run
// starts writing them.
func (r *buildRun) discardArtifacts() {
	if err := artifacts.Discard(r.touched...); err != nil {
		r.logger.Warn("could not remove partial artifacts", "error", err)
	}
}

// volumeGuard destroys the staging volume exactly once, either as the last
// step of a successful build or as rollback of a failed one.
type volumeGuard struct {
	volumes VolumeManager
	volume  models.StagingVolume
	logger  *slog.Logger
	done    bool
}

func (g *volumeGuard) teardown() error {
	g.done = true
	if err := g.volumes.Destroy(g.volume); err != nil {
		return asTeardownError(g.volume.Name, err, nil)
	}
	g.logger.Info("staging volume destroyed")
	return nil
}

// rollback destroys the volume after cause and returns cause unchanged,
// unless the destroy itself fails.
func (g *volumeGuard) rollback(cause error) error {
	if g.done {
		return cause
	}
	g.done = true

	g.logger.Warn("rolling back build", "error", cause)
	if err := g.volumes.Destroy(g.volume); err != nil {
		return asTeardownError(g.volume.Name, err, cause)
	}
	g.logger.Info("staging volume destroyed after failure")
	return cause
}

func asTeardownError(volume string, err, cause error) *TeardownError {
	var teardown *TeardownError
	if errors.As(err, &teardown) {
		wrapped := *teardown
		wrapped.Cause = cause
		return &wrapped
	}
	return &TeardownError{
		Volume: volume,
		Output: command.Stderr(err),
		Err:    err,
		Cause:  cause,
	}
}
