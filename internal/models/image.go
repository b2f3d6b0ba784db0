package models

import "time"

// ImageDescriptor is everything the manifest records about an image apart
// from the artifact's own hash and size.
type ImageDescriptor struct {
	UUID        string
	Name        string
	Version     string
	Description string
	Homepage    string
	MinPlatform string
	Kernel      string
	PublishedAt time.Time
}
