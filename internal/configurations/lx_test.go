package configurations

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cochaviz/lxbuild/internal/build"
	"github.com/cochaviz/lxbuild/internal/config"
	"github.com/cochaviz/lxbuild/internal/fsutil"
	"github.com/cochaviz/lxbuild/internal/manifest"
	"github.com/cochaviz/lxbuild/internal/models"
)

type host struct {
	dir        string
	zfsLog     string
	mountpoint string
	opts       config.Options
}

// newHost fakes the tools of an illumos host. gtar copies the guest tree
// from fixture into the staging root; zfs send emits the name of the
// snapshot so the stream has known content.
func newHost(t *testing.T, fixture map[string]string) *host {
	t.Helper()

	dir := t.TempDir()
	h := &host{
		dir:        dir,
		zfsLog:     filepath.Join(dir, "zfs.log"),
		mountpoint: filepath.Join(dir, "zones", "staging"),
	}

	tree := filepath.Join(dir, "fixture")
	require.NoError(t, os.MkdirAll(tree, 0o755))
	for name, content := range fixture {
		path := filepath.Join(tree, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	bin := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	scripts := map[string]string{
		"zfs": fmt.Sprintf(`#!/bin/sh
printf '%%s\n' "$*" >> '%s'
case "$1" in
get) echo '%s' ;;
send) printf 'stream:%%s' "$2" ;;
esac
`, h.zfsLog, h.mountpoint),
		"gtar": fmt.Sprintf(`#!/bin/sh
cp -R '%s/.' "$4/"
`, tree),
		"gzip":     "#!/bin/sh\nexec cat\n",
		"zonename": "#!/bin/sh\necho global\n",
	}
	for name, body := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(bin, name), []byte(body), 0o755))
	}

	opts := config.Defaults()
	opts.OutputDir = filepath.Join(dir, "output")
	opts.Owner = fsutil.Owner{UID: os.Getuid(), GID: os.Getgid()}
	opts.Tools = config.Tools{
		ZFS:      filepath.Join(bin, "zfs"),
		Tar:      filepath.Join(bin, "gtar"),
		Gzip:     filepath.Join(bin, "gzip"),
		Zonename: filepath.Join(bin, "zonename"),
	}
	h.opts = opts
	return h
}

func (h *host) zfsCalls(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(h.zfsLog)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func (h *host) destroyCount(t *testing.T) int {
	count := 0
	for _, call := range h.zfsCalls(t) {
		if strings.HasPrefix(call, "destroy -r zones/") {
			count++
		}
	}
	return count
}

const debianOSRelease = `PRETTY_NAME="Debian GNU/Linux 12 (bookworm)"
ID=debian
VERSION_ID="12"
`

func TestBuildDebianTarGz(t *testing.T) {
	t.Parallel()

	h := newHost(t, map[string]string{
		"etc/debian_version": "12.5\n",
		"etc/os-release":     debianOSRelease,
		".dockerenv":         "",
	})
	h.opts.Archive = filepath.Join(h.dir, "debian-12.tar.gz")
	h.opts.Description = "Test image."

	result, err := Build(h.opts, nil)
	require.NoError(t, err)
	require.Equal(t, models.DistroDebian, result.Distro)
	require.Equal(t, "debian-12", result.ImageName)

	root := filepath.Join(h.mountpoint, "root")
	require.FileExists(t, filepath.Join(root, "etc", "rc.local"))
	require.FileExists(t, filepath.Join(root, "lib", "smartdc", "debian"))
	require.NoFileExists(t, filepath.Join(root, "sbin", "shutdown"))
	require.NoFileExists(t, filepath.Join(root, ".dockerenv"))
	require.DirExists(t, filepath.Join(root, "native", "etc", "svc", "volatile"))

	product, err := os.ReadFile(filepath.Join(root, "etc", "product"))
	require.NoError(t, err)
	require.Contains(t, string(product), "Description: Container-native Debian GNU/Linux 12 (bookworm) 64-bit image. Test image.")

	calls := h.zfsCalls(t)
	volume := result.Context.VolumeName()
	require.Equal(t, []string{
		"create " + volume,
		"get -Ho value mountpoint " + volume,
		"snapshot " + volume + "@final",
		"send " + volume + "@final",
		"destroy -r " + volume,
	}, calls)
	require.True(t, strings.HasPrefix(volume, "zones/"), "global zone parent")

	stream, err := os.ReadFile(result.Artifacts.Image.Path)
	require.NoError(t, err)
	require.Equal(t, "stream:"+volume+"@final", string(stream))

	raw, err := os.ReadFile(result.Artifacts.Manifest.Path)
	require.NoError(t, err)
	var m manifest.Manifest
	require.NoError(t, json.Unmarshal(raw, &m))

	sum := sha1.Sum(stream)
	require.Equal(t, hex.EncodeToString(sum[:]), m.Files[0].SHA1)
	require.EqualValues(t, len(stream), m.Files[0].Size)
	require.Equal(t, "debian-12", m.Name)
	require.Equal(t, result.Context.ImageUUID, m.UUID)
	require.Equal(t, config.DefaultKernel, m.Tags.KernelVersion)
	require.Equal(t, config.DefaultMinPlatform, m.Requirements.MinPlatform["7.0"])
}

func TestBuildUnknownDistroXz(t *testing.T) {
	t.Parallel()

	h := newHost(t, map[string]string{
		"etc/os-release": "ID=mystery\nVERSION_ID=1\n",
	})
	h.opts.Archive = filepath.Join(h.dir, "rootfs.xz")

	_, err := Build(h.opts, nil)
	require.ErrorIs(t, err, build.ErrUnsupportedDistro)
	require.False(t, build.IsFatal(err))
	require.Equal(t, 1, h.destroyCount(t))

	entries, _ := os.ReadDir(h.opts.OutputDir)
	require.Empty(t, entries)
}

func TestBuildUnsupportedArchive(t *testing.T) {
	t.Parallel()

	h := newHost(t, nil)
	h.opts.Archive = filepath.Join(h.dir, "rootfs.zip")

	_, err := Build(h.opts, nil)
	require.ErrorIs(t, err, build.ErrUnsupportedArchiveFormat)

	calls := h.zfsCalls(t)
	require.True(t, strings.HasPrefix(calls[0], "create "), "volume is created before extraction")
	require.Equal(t, 1, h.destroyCount(t))
}

func TestBuildExplicitParentAndName(t *testing.T) {
	t.Parallel()

	h := newHost(t, map[string]string{
		"etc/alpine-release": "3.20.0\n",
		"etc/os-release":     "ID=alpine\nVERSION_ID=3.20.0\nPRETTY_NAME=\"Alpine Linux v3.20\"\n",
	})
	h.opts.Archive = filepath.Join(h.dir, "alpine.tar")
	h.opts.ParentVolume = "tank/lx"
	h.opts.ImageName = "alpine-base"
	h.opts.Tools.Zonename = filepath.Join(h.dir, "missing-zonename")

	result, err := Build(h.opts, nil)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(result.Context.VolumeName(), "tank/lx/"))
	require.Equal(t, "alpine-base", result.ImageName)
	require.FileExists(t, filepath.Join(h.mountpoint, "root", "sbin", "shutdown"))
}

func TestBuildRejectsInvalidOptions(t *testing.T) {
	t.Parallel()

	h := newHost(t, nil)
	_, err := Build(h.opts, nil)
	require.Error(t, err)
	require.NoFileExists(t, h.zfsLog)
}

func TestDetect(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "etc", "void-release"), nil, 0o644))

	distro, err := Detect(dir)
	require.NoError(t, err)
	require.Equal(t, models.DistroVoid, distro)

	_, err = Detect(filepath.Join(dir, "etc", "void-release"))
	require.Error(t, err)
}
