package build

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cochaviz/lxbuild/internal/command"
)

// Kind classifies build failures. A Kind is itself an error, so callers can
// test for a class with errors.Is(err, build.ErrUnsupportedDistro).
type Kind string

const (
	KindVolumeCreate             Kind = "volume create"
	KindVolumeSnapshot           Kind = "volume snapshot"
	KindVolumeStream             Kind = "volume stream"
	KindVolumeDestroy            Kind = "volume destroy"
	KindUnsupportedArchiveFormat Kind = "unsupported archive format"
	KindArchiveExtract           Kind = "archive extract"
	KindToolInstall              Kind = "tool install"
	KindUnsupportedDistro        Kind = "unsupported distro"
	KindManifestWrite            Kind = "manifest write"
	KindIO                       Kind = "io"
)

func (k Kind) Error() string {
	return string(k)
}

var (
	ErrVolumeCreate             error = KindVolumeCreate
	ErrVolumeSnapshot           error = KindVolumeSnapshot
	ErrVolumeStream             error = KindVolumeStream
	ErrVolumeDestroy            error = KindVolumeDestroy
	ErrUnsupportedArchiveFormat error = KindUnsupportedArchiveFormat
	ErrArchiveExtract           error = KindArchiveExtract
	ErrToolInstall              error = KindToolInstall
	ErrUnsupportedDistro        error = KindUnsupportedDistro
	ErrManifestWrite            error = KindManifestWrite
	ErrIO                       error = KindIO
)

// Error is a recoverable build failure. The orchestrator rolls back the
// staging volume and hands the error to the caller unchanged.
type Error struct {
	Kind Kind
	// Resource is the path, volume or archive the failure is about.
	Resource string
	// Output is the raw stderr of the external tool, when there was one.
	Output string
	Err    error
}

// NewError wraps err, picking up the stderr of a failed external command.
func NewError(kind Kind, resource string, err error) *Error {
	return &Error{
		Kind:     kind,
		Resource: resource,
		Output:   command.Stderr(err),
		Err:      err,
	}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Resource != "" {
		b.WriteString(" ")
		b.WriteString(e.Resource)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	kind, ok := target.(Kind)
	return ok && kind == e.Kind
}

// TeardownError reports a staging volume that could not be destroyed. It is
// not recoverable: the volume is orphaned and has to be removed by hand.
type TeardownError struct {
	Volume string
	Output string
	Err    error
	// Cause is the build failure that triggered the rollback, if any.
	Cause error
}

func (e *TeardownError) Error() string {
	msg := fmt.Sprintf("destroy volume %s: %v; manual cleanup will be required", e.Volume, e.Err)
	if e.Cause != nil {
		msg += fmt.Sprintf(" (rolling back after: %v)", e.Cause)
	}
	return msg
}

func (e *TeardownError) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func (e *TeardownError) Is(target error) bool {
	return target == ErrVolumeDestroy
}

// IsFatal reports whether err leaves state behind that needs an operator.
func IsFatal(err error) bool {
	var teardown *TeardownError
	return errors.As(err, &teardown)
}
