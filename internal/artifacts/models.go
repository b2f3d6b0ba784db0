package artifacts

type ArtifactKind string

const (
	ImageArtifact    ArtifactKind = "image"    // compressed filesystem stream
	ManifestArtifact ArtifactKind = "manifest" // image manifest document
)

// File extensions of the artifact kinds.
const (
	ImageExtension    = ".zfs.gz"
	ManifestExtension = ".json"
)

type Artifact struct {
	Kind        ArtifactKind
	Path        string
	ContentType string
}

// Set is the pair of files a build leaves behind.
type Set struct {
	Image    Artifact
	Manifest Artifact
}
