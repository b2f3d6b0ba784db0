// Package config resolves build options from defaults, an optional YAML
// file and command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/lxbuild/internal/command"
	"github.com/cochaviz/lxbuild/internal/fsutil"
	"github.com/cochaviz/lxbuild/internal/models"
)

var (
	DefaultKernel      = "5.10.0"
	DefaultMinPlatform = "20210826T002459Z"
	DefaultURL         = "https://docs.tritondatacenter.com/public-cloud/instances/infrastructure/images"
	DefaultOutputDir   = "output"
	DefaultNativeDir   = "/native"

	DefaultZFS      = "/sbin/zfs"
	DefaultTar      = "/usr/bin/gtar"
	DefaultGzip     = "/usr/bin/gzip"
	DefaultZonename = "/usr/bin/zonename"
)

const (
	globalZone       = "global"
	globalZoneParent = "zones"
)

// Tools are the absolute paths of the external programs a build runs.
type Tools struct {
	ZFS      string `yaml:"zfs"`
	Tar      string `yaml:"tar"`
	Gzip     string `yaml:"gzip"`
	Zonename string `yaml:"zonename"`
}

// Options is the complete configuration of one build.
type Options struct {
	Archive     string `yaml:"archive"`
	Kernel      string `yaml:"kernel"`
	MinPlatform string `yaml:"min_platform"`
	Description string `yaml:"description"`
	URL         string `yaml:"url"`
	// ParentVolume is resolved from the zone name when empty.
	ParentVolume string `yaml:"zfs_parent"`
	ImageName    string `yaml:"image_name"`
	OutputDir    string `yaml:"output"`
	// GuestDir replaces the embedded guest assets when set.
	GuestDir  string       `yaml:"guest_dir"`
	NativeDir string       `yaml:"native_dir"`
	Tools     Tools        `yaml:"tools"`
	Owner     fsutil.Owner `yaml:"owner"`
}

// Defaults returns the options used when nothing else is given.
func Defaults() Options {
	return Options{
		Kernel:      DefaultKernel,
		MinPlatform: DefaultMinPlatform,
		URL:         DefaultURL,
		OutputDir:   DefaultOutputDir,
		NativeDir:   DefaultNativeDir,
		Tools: Tools{
			ZFS:      DefaultZFS,
			Tar:      DefaultTar,
			Gzip:     DefaultGzip,
			Zonename: DefaultZonename,
		},
		Owner: fsutil.RootOwner,
	}
}

// LoadFile overlays the YAML file at path on base. Keys absent from the file
// keep base's values; unknown keys are an error.
func LoadFile(path string, base Options) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Decode(bytes.NewReader(data), base)
}

// Decode overlays YAML from r on base.
func Decode(r io.Reader, base Options) (Options, error) {
	opts := base
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		return Options{}, fmt.Errorf("decode config: %w", err)
	}
	return opts, nil
}

// Validate checks the options that do not depend on the host.
func (o Options) Validate() error {
	var errs []error
	if strings.TrimSpace(o.Archive) == "" {
		errs = append(errs, errors.New("archive path is required"))
	}
	if o.OutputDir == "" {
		errs = append(errs, errors.New("output directory is required"))
	}
	if o.NativeDir != "" && !filepath.IsAbs(o.NativeDir) {
		errs = append(errs, fmt.Errorf("native dir %q must be absolute", o.NativeDir))
	}
	for _, tool := range o.Tools.list() {
		if !filepath.IsAbs(tool.path) {
			errs = append(errs, fmt.Errorf("%s path %q must be absolute", tool.name, tool.path))
		}
	}
	return errors.Join(errs...)
}

// Verify checks that the archive and every tool exist on this host.
func (o Options) Verify() error {
	var errs []error
	if info, err := os.Stat(o.Archive); err != nil {
		errs = append(errs, fmt.Errorf("archive %s: %w", o.Archive, err))
	} else if info.IsDir() {
		errs = append(errs, fmt.Errorf("archive %s is a directory", o.Archive))
	}
	for _, tool := range o.Tools.list() {
		// only consulted when no parent volume was given
		if tool.name == "zonename" && o.ParentVolume != "" {
			continue
		}
		info, err := os.Stat(tool.path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tool.name, err))
			continue
		}
		if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
			errs = append(errs, fmt.Errorf("%s: %s is not executable", tool.name, tool.path))
		}
	}
	return errors.Join(errs...)
}

type tool struct {
	name string
	path string
}

func (t Tools) list() []tool {
	return []tool{
		{"zfs", t.ZFS},
		{"tar", t.Tar},
		{"gzip", t.Gzip},
		{"zonename", t.Zonename},
	}
}

// Request turns resolved options into a build request.
func (o Options) Request() models.BuildRequest {
	return models.BuildRequest{
		ArchivePath:  o.Archive,
		Kernel:       o.Kernel,
		MinPlatform:  o.MinPlatform,
		Description:  o.Description,
		URL:          o.URL,
		ParentVolume: o.ParentVolume,
		ImageName:    o.ImageName,
		OutputDir:    o.OutputDir,
	}
}

// ResolveParentVolume returns explicit when set. Otherwise the parent is
// "zones" in the global zone and "zones/<zonename>/data" inside a zone.
func ResolveParentVolume(explicit string, zonename func() (string, error)) (string, error) {
	if explicit = strings.Trim(strings.TrimSpace(explicit), "/"); explicit != "" {
		return explicit, nil
	}

	zone, err := zonename()
	if err != nil {
		return "", fmt.Errorf("determine zone name: %w", err)
	}
	zone = strings.TrimSpace(zone)
	switch zone {
	case "":
		return "", errors.New("determine zone name: zonename printed nothing")
	case globalZone:
		return globalZoneParent, nil
	default:
		return globalZoneParent + "/" + zone + "/data", nil
	}
}

// Zonename returns a lookup that runs the zonename(1) binary.
func Zonename(runner command.Runner, binary string) func() (string, error) {
	return func() (string, error) {
		result, err := runner.Run(binary)
		if err != nil {
			return "", err
		}
		return string(result.Stdout), nil
	}
}
