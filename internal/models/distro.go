package models

// Distro is the guest distribution family. The set is closed: every value
// is listed in KnownDistros, and Unknown means no marker matched.
type Distro int

const (
	DistroUnknown Distro = iota
	DistroAlpine
	DistroArch
	DistroDebian
	DistroRedHat
	DistroVoid
)

// KnownDistros lists every detectable family in detection priority order.
var KnownDistros = []Distro{DistroAlpine, DistroArch, DistroDebian, DistroRedHat, DistroVoid}

func (d Distro) String() string {
	switch d {
	case DistroAlpine:
		return "alpine"
	case DistroArch:
		return "arch"
	case DistroDebian:
		return "debian"
	case DistroRedHat:
		return "redhat"
	case DistroVoid:
		return "void"
	default:
		return "unknown"
	}
}
