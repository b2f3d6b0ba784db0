// Package manifest writes the image manifest that accompanies a compressed
// dataset stream.
package manifest

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/cochaviz/lxbuild/internal/build"
	"github.com/cochaviz/lxbuild/internal/models"
)

// Ensure Generator satisfies the manifest generator interface.
var _ build.ManifestGenerator = (*Generator)(nil)

const (
	SchemaVersion = "2"
	ImageType     = "lx-dataset"
	OS            = "linux"
	Brand         = "lx"
	Compression   = "gzip"
	// PlatformProtocol keys the minimum platform requirement.
	PlatformProtocol = "7.0"
	// NobodyOwner is the all-zero owner of unpublished images.
	NobodyOwner = "00000000-0000-0000-0000-000000000000"

	// PublishedLayout is ISO-8601 in UTC with a literal Z.
	PublishedLayout = "2006-01-02T15:04:05Z"

	chunkSize = 1024
)

// Manifest is the image manifest. Field order is the serialization order.
type Manifest struct {
	V            string       `json:"v"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Type         string       `json:"type"`
	Description  string       `json:"description"`
	Homepage     string       `json:"homepage"`
	PublishedAt  string       `json:"published_at"`
	OS           string       `json:"os"`
	Files        []File       `json:"files"`
	Requirements Requirements `json:"requirements"`
	UUID         string       `json:"uuid"`
	Public       bool         `json:"public"`
	Owner        string       `json:"owner"`
	Tags         Tags         `json:"tags"`
}

// File records the hash and size of the compressed stream.
type File struct {
	SHA1        string `json:"sha1"`
	Size        int64  `json:"size"`
	Compression string `json:"compression"`
}

type Requirements struct {
	Networks    []Network         `json:"networks"`
	MinPlatform map[string]string `json:"min_platform"`
	Brand       string            `json:"brand"`
}

type Network struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Tags struct {
	Role          string `json:"role"`
	KernelVersion string `json:"kernel_version"`
}

// Digest returns the hex SHA-1 of everything r yields.
func Digest(r io.Reader) (string, error) {
	return digestWithBuffer(r, make([]byte, chunkSize))
}

func digestWithBuffer(r io.Reader, buf []byte) (string, error) {
	hash := sha1.New()
	if _, err := io.CopyBuffer(hash, r, buf); err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// DigestFile hashes the file at path and returns its digest and size.
func DigestFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	counter := &countingReader{r: f}
	sum, err := Digest(counter)
	if err != nil {
		return "", 0, fmt.Errorf("digest %s: %w", path, err)
	}
	return sum, counter.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Build assembles the manifest for image from the artifact's bytes.
func Build(image models.ImageDescriptor, artifactPath string) (Manifest, error) {
	sum, size, err := DigestFile(artifactPath)
	if err != nil {
		return Manifest{}, err
	}

	return Manifest{
		V:           SchemaVersion,
		Name:        image.Name,
		Version:     image.Version,
		Type:        ImageType,
		Description: image.Description,
		Homepage:    image.Homepage,
		PublishedAt: image.PublishedAt.UTC().Format(PublishedLayout),
		OS:          OS,
		Files: []File{{
			SHA1:        sum,
			Size:        size,
			Compression: Compression,
		}},
		Requirements: Requirements{
			Networks:    []Network{{Name: "net0", Description: "public"}},
			MinPlatform: map[string]string{PlatformProtocol: image.MinPlatform},
			Brand:       Brand,
		},
		UUID:   image.UUID,
		Public: false,
		Owner:  NobodyOwner,
		Tags: Tags{
			Role:          "os",
			KernelVersion: image.Kernel,
		},
	}, nil
}

// Marshal renders the manifest as indented JSON.
func (m Manifest) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// Write creates or truncates outputPath with the manifest.
func Write(m Manifest, outputPath string) error {
	data, err := m.Marshal()
	if err != nil {
		return build.NewError(build.KindManifestWrite, outputPath, err)
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return build.NewError(build.KindManifestWrite, outputPath, err)
	}
	return nil
}

// Generator hashes an artifact and writes its manifest next to it.
type Generator struct {
	Logger *slog.Logger
	// Now overrides the publication time of the descriptor when set.
	Now func() time.Time
}

func (g *Generator) logger() *slog.Logger {
	if g != nil && g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// Generate builds and writes the manifest for the artifact at artifactPath.
func (g *Generator) Generate(image models.ImageDescriptor, artifactPath, outputPath string) error {
	if g.Now != nil {
		image.PublishedAt = g.Now()
	}
	if image.PublishedAt.IsZero() {
		image.PublishedAt = time.Now()
	}

	m, err := Build(image, artifactPath)
	if err != nil {
		return build.NewError(build.KindIO, artifactPath, err)
	}
	if err := Write(m, outputPath); err != nil {
		return err
	}

	file := m.Files[0]
	g.logger().Info("wrote manifest",
		"path", outputPath,
		"sha1", file.SHA1,
		"size", datasize.ByteSize(file.Size).HumanReadable(),
	)
	return nil
}
