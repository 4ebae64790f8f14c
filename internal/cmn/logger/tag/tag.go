// Package tag provides standardized tag functions for structured logging.
//
// Use these functions instead of raw strings to ensure consistent and
// type-safe log output across the codebase.
package tag

import (
	"log/slog"
	"time"
)

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// Job creates a tag for update job kinds.
func Job(kind string) slog.Attr {
	return slog.String("job", kind)
}

// Trigger creates a tag for job trigger actors.
func Trigger(actor string) slog.Attr {
	return slog.String("trigger", actor)
}

// Provider creates a tag for rule provider names.
func Provider(name string) slog.Attr {
	return slog.String("provider", name)
}

// Proxy creates a tag for proxy node names.
func Proxy(name string) slog.Attr {
	return slog.String("proxy", name)
}

// Repo creates a tag for release repository names.
func Repo(name string) slog.Attr {
	return slog.String("repo", name)
}

// ReleaseTag creates a tag for release version tags.
func ReleaseTag(tag string) slog.Attr {
	return slog.String("release-tag", tag)
}

// Asset creates a tag for release asset names.
func Asset(name string) slog.Attr {
	return slog.String("asset", name)
}

// Path creates a tag for filesystem paths.
func Path(path string) slog.Attr {
	return slog.String("path", path)
}

// Status creates a tag for terminal outcome statuses.
func Status(status string) slog.Attr {
	return slog.String("status", status)
}

// Duration creates a tag for elapsed durations.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Size creates a tag for byte sizes.
func Size(n int64) slog.Attr {
	return slog.Int64("size", n)
}
