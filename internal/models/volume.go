package models

// VolumeState tracks a staging volume through its lifetime.
type VolumeState string

const (
	VolumeCreated     VolumeState = "created"
	VolumeSnapshotted VolumeState = "snapshotted"
	VolumeDestroyed   VolumeState = "destroyed"
)

// SnapshotSuffix names the single snapshot taken of a staging volume.
const SnapshotSuffix = "@final"

// StagingVolume is a copy-on-write dataset holding the guest tree while it
// is being built.
type StagingVolume struct {
	Name       string
	Mountpoint string
	// Root is the guest root directory inside the mountpoint.
	Root  string
	State VolumeState
}

// Snapshot is an immutable point-in-time reference to a volume.
type Snapshot struct {
	Name   string
	Volume string
}
