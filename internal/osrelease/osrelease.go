// Package osrelease reads the os-release(5) file of a staged guest tree.
package osrelease

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/cochaviz/lxbuild/internal/fsutil"
)

// Path is the guest location of the os-release file.
const Path = "/etc/os-release"

// Release holds the identifying fields of os-release.
type Release struct {
	ID         string
	VersionID  string
	PrettyName string
}

// Parse reads os-release content. The format is a subset of shell variable
// assignment, which godotenv understands (quoting, comments, blank lines).
// os-release does not support variable expansion, so "$" is kept literally.
func Parse(r io.Reader) (Release, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Release{}, fmt.Errorf("read os-release: %w", err)
	}
	values, err := godotenv.UnmarshalBytes(literalDollars(data))
	if err != nil {
		return Release{}, fmt.Errorf("parse os-release: %w", err)
	}

	release := Release{
		ID:         values["ID"],
		VersionID:  values["VERSION_ID"],
		PrettyName: values["PRETTY_NAME"],
	}
	if release.PrettyName == "" {
		// os-release(5) default
		release.PrettyName = "Linux"
	}
	if release.ID == "" {
		release.ID = "linux"
	}
	return release, nil
}

// literalDollars escapes "$" so godotenv does not expand it. Single-quoted
// values are never expanded and are left as they are.
func literalDollars(data []byte) []byte {
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		if _, value, ok := bytes.Cut(line, []byte("=")); ok && bytes.HasPrefix(bytes.TrimLeft(value, " \t"), []byte("'")) {
			continue
		}
		lines[i] = bytes.ReplaceAll(line, []byte("$"), []byte(`\$`))
	}
	return bytes.Join(lines, []byte("\n"))
}

// Read parses the os-release file inside root.
func Read(root fsutil.Root) (Release, error) {
	path, err := root.Follow(Path)
	if err != nil {
		return Release{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return Release{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	return Parse(f)
}

// ImageName derives the default image name, "<ID>-<VERSION_ID>". Rolling
// releases have no VERSION_ID, in which case only the ID is used.
func (r Release) ImageName() string {
	return strings.TrimRight(r.ID+"-"+r.VersionID, "-")
}
