// Package zfs manages the staging dataset with the zfs(8) command.
package zfs

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/lxbuild/internal/build"
	"github.com/cochaviz/lxbuild/internal/command"
	"github.com/cochaviz/lxbuild/internal/fsutil"
	"github.com/cochaviz/lxbuild/internal/models"
)

// Ensure Manager satisfies the volume manager interface.
var _ build.VolumeManager = (*Manager)(nil)

const (
	DefaultBinary     = "/sbin/zfs"
	DefaultCompressor = "/usr/bin/gzip"

	rootDir = "root"
)

// Manager creates, snapshots, streams and destroys staging datasets.
type Manager struct {
	Binary     string
	Compressor string
	Runner     command.Runner
	// Env is the environment of the send/compress pipe. Defaults to
	// command.DefaultEnv.
	Env    []string
	Owner  fsutil.Owner
	Logger *slog.Logger
}

func (m *Manager) logger() *slog.Logger {
	if m != nil && m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *Manager) runner() command.Runner {
	if m.Runner != nil {
		return m.Runner
	}
	return &command.Exec{Logger: m.logger()}
}

func (m *Manager) binary() string {
	if m.Binary != "" {
		return m.Binary
	}
	return DefaultBinary
}

func (m *Manager) compressor() string {
	if m.Compressor != "" {
		return m.Compressor
	}
	return DefaultCompressor
}

func (m *Manager) env() []string {
	if m.Env != nil {
		return m.Env
	}
	return command.DefaultEnv
}

// Create makes the dataset, looks up where it is mounted and prepares the
// root directory. A dataset left half-prepared is destroyed again before
// the error is returned.
func (m *Manager) Create(name string) (models.StagingVolume, error) {
	if _, err := m.runner().Run(m.binary(), "create", name); err != nil {
		return models.StagingVolume{}, build.NewError(build.KindVolumeCreate, name, fmt.Errorf("create dataset: %w", err))
	}
	m.logger().Debug("created dataset", "dataset", name)

	mountpoint, err := m.mountpoint(name)
	if err != nil {
		return m.abandon(name, build.NewError(build.KindVolumeCreate, name, err))
	}

	root := filepath.Join(mountpoint, rootDir)
	if err := fsutil.MkdirAll(root, m.Owner, fsutil.DirMode); err != nil {
		return m.abandon(name, build.NewError(build.KindVolumeCreate, root, err))
	}

	return models.StagingVolume{
		Name:       name,
		Mountpoint: mountpoint,
		Root:       root,
		State:      models.VolumeCreated,
	}, nil
}

func (m *Manager) mountpoint(name string) (string, error) {
	result, err := m.runner().Run(m.binary(), "get", "-Ho", "value", "mountpoint", name)
	if err != nil {
		return "", fmt.Errorf("query mountpoint: %w", err)
	}

	mountpoint := strings.TrimSpace(string(result.Stdout))
	if !filepath.IsAbs(mountpoint) {
		// "none", "legacy" and "-" all mean there is nothing to stage into
		return "", fmt.Errorf("dataset has no usable mountpoint (%q)", mountpoint)
	}
	return mountpoint, nil
}

func (m *Manager) abandon(name string, cause error) (models.StagingVolume, error) {
	m.logger().Warn("destroying partially created dataset", "dataset", name, "error", cause)
	if err := m.Destroy(models.StagingVolume{Name: name}); err != nil {
		var teardown *build.TeardownError
		if errors.As(err, &teardown) {
			teardown.Cause = cause
			return models.StagingVolume{}, teardown
		}
		return models.StagingVolume{}, err
	}
	return models.StagingVolume{}, cause
}

// Snapshot takes the final snapshot of volume.
func (m *Manager) Snapshot(volume models.StagingVolume) (models.Snapshot, error) {
	name := volume.Name + models.SnapshotSuffix
	if _, err := m.runner().Run(m.binary(), "snapshot", name); err != nil {
		return models.Snapshot{}, build.NewError(build.KindVolumeSnapshot, name, fmt.Errorf("snapshot dataset: %w", err))
	}
	m.logger().Debug("created snapshot", "snapshot", name)
	return models.Snapshot{Name: name, Volume: volume.Name}, nil
}

// StreamCompressed runs `zfs send <snapshot> | gzip -9 > out`. Both
// processes run concurrently and both are waited for; the failure of
// either fails the stream with its stderr attached. out is left open.
func (m *Manager) StreamCompressed(snapshot models.Snapshot, out *os.File) (int64, error) {
	outputPath := out.Name()

	reader, writer, err := os.Pipe()
	if err != nil {
		return 0, build.NewError(build.KindVolumeStream, snapshot.Name, fmt.Errorf("create pipe: %w", err))
	}

	var sendStderr, compressStderr bytes.Buffer

	send := exec.Command(m.binary(), "send", snapshot.Name)
	send.Env = m.env()
	send.Stdout = writer
	send.Stderr = &sendStderr

	compress := exec.Command(m.compressor(), "-9")
	compress.Env = m.env()
	compress.Stdin = reader
	compress.Stdout = out
	compress.Stderr = &compressStderr

	logger := m.logger().With("snapshot", snapshot.Name, "output", outputPath)
	logger.Debug("starting stream", "send", command.Line(send.Path, send.Args[1:]...), "compress", command.Line(compress.Path, compress.Args[1:]...))

	if err := send.Start(); err != nil {
		reader.Close()
		writer.Close()
		return 0, build.NewError(build.KindVolumeStream, snapshot.Name, fmt.Errorf("start zfs send: %w", err))
	}
	if err := compress.Start(); err != nil {
		reader.Close()
		writer.Close()
		_ = send.Wait()
		return 0, build.NewError(build.KindVolumeStream, snapshot.Name, fmt.Errorf("start compressor: %w", err))
	}

	// the children hold their own ends; ours must go so EOF and EPIPE reach them
	reader.Close()
	writer.Close()

	// the group reports the first failure; both are kept for the diagnostic
	results := make([]error, 2)
	var group errgroup.Group
	for i, proc := range []struct {
		cmd    *exec.Cmd
		stderr *bytes.Buffer
	}{{send, &sendStderr}, {compress, &compressStderr}} {
		i, proc := i, proc
		group.Go(func() error {
			results[i] = wait(proc.cmd, proc.stderr)
			return results[i]
		})
	}
	if err := group.Wait(); err != nil {
		return 0, build.NewError(build.KindVolumeStream, snapshot.Name, errors.Join(results...))
	}

	if err := out.Sync(); err != nil {
		return 0, build.NewError(build.KindIO, outputPath, fmt.Errorf("sync stream file: %w", err))
	}
	info, err := out.Stat()
	if err != nil {
		return 0, build.NewError(build.KindIO, outputPath, fmt.Errorf("stat stream file: %w", err))
	}

	logger.Debug("stream complete", "bytes", info.Size())
	return info.Size(), nil
}

func wait(cmd *exec.Cmd, stderr *bytes.Buffer) error {
	line := command.Line(cmd.Path, cmd.Args[1:]...)
	err := cmd.Wait()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &command.ExitError{
			Command:  line,
			ExitCode: exitErr.ExitCode(),
			Stderr:   strings.TrimSpace(stderr.String()),
		}
	}
	return fmt.Errorf("wait for %s: %w", line, err)
}

// Destroy recursively destroys volume and its snapshots. A failure is a
// *build.TeardownError: the dataset is orphaned.
func (m *Manager) Destroy(volume models.StagingVolume) error {
	if _, err := m.runner().Run(m.binary(), "destroy", "-r", volume.Name); err != nil {
		return &build.TeardownError{
			Volume: volume.Name,
			Output: command.Stderr(err),
			Err:    err,
		}
	}
	m.logger().Debug("destroyed dataset", "dataset", volume.Name)
	return nil
}
