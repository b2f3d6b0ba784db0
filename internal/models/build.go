package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BuildDateLayout formats the build date used as the image version and in
// artifact names.
const BuildDateLayout = "20060102"

// BuildStatus captures the lifecycle state of a build run.
type BuildStatus string

const (
	BuildStatusStart           BuildStatus = "start"
	BuildStatusVolumeCreated   BuildStatus = "volume-created"
	BuildStatusStaged          BuildStatus = "staged"
	BuildStatusCustomized      BuildStatus = "customized"
	BuildStatusToolsInstalled  BuildStatus = "tools-installed"
	BuildStatusArchived        BuildStatus = "archived"
	BuildStatusManifestWritten BuildStatus = "manifest-written"
	BuildStatusDestroyed       BuildStatus = "destroyed"
	BuildStatusRollingBack     BuildStatus = "rolling-back"
)

// BuildRequest carries the user-facing inputs of one build.
type BuildRequest struct {
	ArchivePath  string
	Kernel       string
	MinPlatform  string
	Description  string
	URL          string
	ParentVolume string
	// ImageName overrides the name derived from the guest's os-release.
	ImageName string
	OutputDir string
}

// BuildContext is the immutable input bundle of a build. It is created once
// and only read afterwards.
type BuildContext struct {
	ArchivePath  string
	Kernel       string
	MinPlatform  string
	Description  string
	URL          string
	ParentVolume string
	ImageName    string
	OutputDir    string

	// BuildID is time-ordered and unique per invocation; the staging volume
	// is named after it.
	BuildID   string
	ImageUUID string
	CreatedAt time.Time
}

// NewBuildContext stamps a request with fresh identifiers.
func NewBuildContext(request BuildRequest, now time.Time) (BuildContext, error) {
	buildID, err := uuid.NewV7()
	if err != nil {
		return BuildContext{}, fmt.Errorf("generate build id: %w", err)
	}

	return BuildContext{
		ArchivePath:  request.ArchivePath,
		Kernel:       request.Kernel,
		MinPlatform:  request.MinPlatform,
		Description:  request.Description,
		URL:          request.URL,
		ParentVolume: request.ParentVolume,
		ImageName:    request.ImageName,
		OutputDir:    request.OutputDir,
		BuildID:      buildID.String(),
		ImageUUID:    uuid.NewString(),
		CreatedAt:    now.UTC(),
	}, nil
}

// BuildDate is the image version, YYYYMMDD in UTC.
func (c BuildContext) BuildDate() string {
	return c.CreatedAt.UTC().Format(BuildDateLayout)
}

// VolumeName is the staging volume for this build.
func (c BuildContext) VolumeName() string {
	return c.ParentVolume + "/" + c.BuildID
}
