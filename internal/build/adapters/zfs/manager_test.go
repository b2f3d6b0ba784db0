package zfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cochaviz/lxbuild/internal/build"
	"github.com/cochaviz/lxbuild/internal/fsutil"
	"github.com/cochaviz/lxbuild/internal/models"
)

type fakeTools struct {
	zfs        string
	gzip       string
	log        string
	mountpoint string
}

// newFakeTools writes a zfs stand-in that records its arguments and fails
// the subcommand named by failOn. The environment is cleared for tools, so
// every path is baked into the script.
func newFakeTools(t *testing.T, failOn string) fakeTools {
	t.Helper()

	dir := t.TempDir()
	tools := fakeTools{
		zfs:        filepath.Join(dir, "zfs"),
		gzip:       filepath.Join(dir, "gzip"),
		log:        filepath.Join(dir, "zfs.log"),
		mountpoint: filepath.Join(dir, "zones", "staging"),
	}

	zfs := fmt.Sprintf(`#!/bin/sh
printf '%%s\n' "$*" >> '%s'
if [ "$1" = '%s' ]; then
	echo "cannot $1 '$2': dataset is busy" >&2
	exit 1
fi
case "$1" in
get) echo '%s' ;;
send) printf 'stream-of-%%s' "$2" ;;
esac
`, tools.log, failOn, tools.mountpoint)
	require.NoError(t, os.WriteFile(tools.zfs, []byte(zfs), 0o755))

	gzip := `#!/bin/sh
[ "$1" = "-9" ] || exit 3
exec cat
`
	require.NoError(t, os.WriteFile(tools.gzip, []byte(gzip), 0o755))
	return tools
}

func (f fakeTools) manager() *Manager {
	return &Manager{
		Binary:     f.zfs,
		Compressor: f.gzip,
		Owner:      fsutil.Owner{UID: os.Getuid(), GID: os.Getgid()},
	}
}

func (f fakeTools) calls(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.log)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func openOutput(t *testing.T, path string) *os.File {
	t.Helper()
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { out.Close() })
	return out
}

func TestCreate(t *testing.T) {
	t.Parallel()

	tools := newFakeTools(t, "")
	volume, err := tools.manager().Create("zones/abc")
	require.NoError(t, err)

	require.Equal(t, "zones/abc", volume.Name)
	require.Equal(t, tools.mountpoint, volume.Mountpoint)
	require.Equal(t, filepath.Join(tools.mountpoint, "root"), volume.Root)
	require.Equal(t, models.VolumeCreated, volume.State)

	info, err := os.Stat(volume.Root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.Equal(t, fsutil.DirMode, info.Mode().Perm())

	require.Equal(t, []string{
		"create zones/abc",
		"get -Ho value mountpoint zones/abc",
	}, tools.calls(t))
}

func TestCreateFailure(t *testing.T) {
	t.Parallel()

	tools := newFakeTools(t, "create")
	_, err := tools.manager().Create("zones/abc")
	require.ErrorIs(t, err, build.ErrVolumeCreate)

	var buildErr *build.Error
	require.True(t, errors.As(err, &buildErr))
	require.Equal(t, "zones/abc", buildErr.Resource)
	require.Contains(t, buildErr.Output, "dataset is busy")
	require.Equal(t, []string{"create zones/abc"}, tools.calls(t))
}

func TestCreateDestroysDatasetWithoutMountpoint(t *testing.T) {
	t.Parallel()

	tools := newFakeTools(t, "get")
	_, err := tools.manager().Create("zones/abc")
	require.ErrorIs(t, err, build.ErrVolumeCreate)
	require.False(t, build.IsFatal(err))
	require.Equal(t, []string{
		"create zones/abc",
		"get -Ho value mountpoint zones/abc",
		"destroy -r zones/abc",
	}, tools.calls(t))
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	tools := newFakeTools(t, "")
	snapshot, err := tools.manager().Snapshot(models.StagingVolume{Name: "zones/abc"})
	require.NoError(t, err)
	require.Equal(t, "zones/abc@final", snapshot.Name)
	require.Equal(t, "zones/abc", snapshot.Volume)
	require.Equal(t, []string{"snapshot zones/abc@final"}, tools.calls(t))
}

func TestSnapshotFailure(t *testing.T) {
	t.Parallel()

	tools := newFakeTools(t, "snapshot")
	_, err := tools.manager().Snapshot(models.StagingVolume{Name: "zones/abc"})
	require.ErrorIs(t, err, build.ErrVolumeSnapshot)
	require.Contains(t, err.Error(), "zones/abc@final")
}

func TestStreamCompressed(t *testing.T) {
	t.Parallel()

	tools := newFakeTools(t, "")
	output := filepath.Join(t.TempDir(), "image.zfs.gz")
	size, err := tools.manager().StreamCompressed(models.Snapshot{Name: "zones/abc@final"}, openOutput(t, output))
	require.NoError(t, err)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	require.Equal(t, "stream-of-zones/abc@final", string(data))
	require.EqualValues(t, len(data), size)
}

func TestStreamCompressedSendFailure(t *testing.T) {
	t.Parallel()

	tools := newFakeTools(t, "send")
	output := filepath.Join(t.TempDir(), "image.zfs.gz")

	_, err := tools.manager().StreamCompressed(models.Snapshot{Name: "zones/abc@final"}, openOutput(t, output))
	require.ErrorIs(t, err, build.ErrVolumeStream)

	var buildErr *build.Error
	require.True(t, errors.As(err, &buildErr))
	require.Contains(t, buildErr.Output, "cannot send")
}

func TestStreamCompressedCompressorFailure(t *testing.T) {
	t.Parallel()

	tools := newFakeTools(t, "")
	broken := `#!/bin/sh
cat >/dev/null
echo 'gzip: write error' >&2
exit 1
`
	require.NoError(t, os.WriteFile(tools.gzip, []byte(broken), 0o755))

	_, err := tools.manager().StreamCompressed(models.Snapshot{Name: "zones/abc@final"}, openOutput(t, filepath.Join(t.TempDir(), "out")))
	require.ErrorIs(t, err, build.ErrVolumeStream)
	require.Contains(t, err.Error(), "gzip: write error")
}

func TestStreamCompressedBothFail(t *testing.T) {
	t.Parallel()

	tools := newFakeTools(t, "send")
	broken := `#!/bin/sh
cat >/dev/null
echo 'gzip: unexpected end of file' >&2
exit 1
`
	require.NoError(t, os.WriteFile(tools.gzip, []byte(broken), 0o755))

	_, err := tools.manager().StreamCompressed(models.Snapshot{Name: "zones/abc@final"}, openOutput(t, filepath.Join(t.TempDir(), "out")))
	require.ErrorIs(t, err, build.ErrVolumeStream)
	require.Contains(t, err.Error(), "cannot send")
	require.Contains(t, err.Error(), "gzip: unexpected end of file")

	var buildErr *build.Error
	require.True(t, errors.As(err, &buildErr))
	require.Contains(t, buildErr.Output, "cannot send")
}

func TestDestroy(t *testing.T) {
	t.Parallel()

	tools := newFakeTools(t, "")
	require.NoError(t, tools.manager().Destroy(models.StagingVolume{Name: "zones/abc"}))
	require.Equal(t, []string{"destroy -r zones/abc"}, tools.calls(t))
}

func TestDestroyFailureIsFatal(t *testing.T) {
	t.Parallel()

	tools := newFakeTools(t, "destroy")
	err := tools.manager().Destroy(models.StagingVolume{Name: "zones/abc"})
	require.True(t, build.IsFatal(err))

	var teardown *build.TeardownError
	require.True(t, errors.As(err, &teardown))
	require.Equal(t, "zones/abc", teardown.Volume)
	require.Contains(t, teardown.Output, "dataset is busy")
}
