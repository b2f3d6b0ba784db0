package artifacts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// NewSet names the artifacts of image name built on date under outputDir,
// as <name>-<date>.zfs.gz and <name>-<date>.json.
func NewSet(outputDir, name, date string) (Set, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Set{}, errors.New("image name is empty")
	}
	if strings.ContainsRune(name, filepath.Separator) {
		return Set{}, fmt.Errorf("image name %q contains a path separator", name)
	}

	base := filepath.Join(outputDir, name+"-"+date)
	return Set{
		Image:    newArtifact(ImageArtifact, base+ImageExtension),
		Manifest: newArtifact(ManifestArtifact, base+ManifestExtension),
	}, nil
}

func newArtifact(kind ArtifactKind, path string) Artifact {
	return Artifact{
		Kind:        kind,
		Path:        path,
		ContentType: detectContentType(path),
	}
}

func detectContentType(path string) string {
	switch {
	case strings.HasSuffix(path, ".gz"):
		return "application/gzip"
	case strings.HasSuffix(path, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// Absolute returns the artifact's path made absolute.
func (a Artifact) Absolute() (string, error) {
	path, err := filepath.Abs(a.Path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", a.Path, err)
	}
	return path, nil
}

// All returns the artifacts of the set in the order they are produced.
func (s Set) All() []Artifact {
	return []Artifact{s.Image, s.Manifest}
}

// Discard removes whatever part of the set was written. Missing files are
// not an error.
func (s Set) Discard() error {
	return Discard(s.All()...)
}

// Discard removes the given artifacts. Missing files are not an error.
func Discard(list ...Artifact) error {
	var errs []error
	for _, artifact := range list {
		if err := artifact.Remove(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Remove deletes the artifact's file if it exists.
func (a Artifact) Remove() error {
	if a.Path == "" {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", a.Path, err)
	}
	return nil
}
