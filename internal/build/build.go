// Package build holds build-time metadata injected via ldflags.
package build

var (
	// Slug is the program name.
	Slug = "clashctl"
	// Version is set at build time.
	Version = "dev"
)
