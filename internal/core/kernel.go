package core

import (
	"time"

	"github.com/google/uuid"
)

// ReleaseDescriptor describes the release asset selected for the host
// architecture. Never cached across restarts.
type ReleaseDescriptor struct {
	Tag         string    `json:"tag"`
	PublishedAt time.Time `json:"published_at"`
	AssetName   string    `json:"asset_name"`
	AssetURL    string    `json:"asset_url"`
	// Checksum is the expected SHA-256 of the asset, empty when the release
	// publishes none.
	Checksum string `json:"checksum,omitempty"`
	// ChecksumSource names where the checksum came from (asset digest or a
	// checksum file name).
	ChecksumSource string `json:"checksum_source,omitempty"`
}

// KernelUpdateStatus classifies one kernel update attempt.
type KernelUpdateStatus string

const (
	KernelUpdateStarted    KernelUpdateStatus = "started"
	KernelUpdateSuccess    KernelUpdateStatus = "success"
	KernelUpdateFailed     KernelUpdateStatus = "failed"
	KernelUpdateRolledBack KernelUpdateStatus = "rolled_back"
)

// KernelUpdateRecord is one row of the append-only kernel update history.
type KernelUpdateRecord struct {
	ID         string             `json:"id"`
	Time       time.Time          `json:"time"`
	Status     KernelUpdateStatus `json:"status"`
	OldVersion string             `json:"old_version,omitempty"`
	NewVersion string             `json:"new_version,omitempty"`
	ReleaseTag string             `json:"release_tag,omitempty"`
	Repo       string             `json:"repo,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// NewKernelUpdateRecord creates a record with a generated ID and the current
// time truncated to seconds.
func NewKernelUpdateRecord(status KernelUpdateStatus) KernelUpdateRecord {
	return KernelUpdateRecord{
		ID:     uuid.New().String(),
		Time:   time.Now().Truncate(time.Second),
		Status: status,
	}
}

// BinaryLifecycleState reports the live binary and its rollback source.
// PreviousPath exists iff a prior successful update occurred; it is the sole
// rollback source, reused at process start-up.
type BinaryLifecycleState struct {
	CurrentPath    string   `json:"current_path"`
	PreviousPath   string   `json:"previous_path"`
	CurrentExists  bool     `json:"current_exists"`
	PreviousExists bool     `json:"previous_exists"`
	CurrentVersion string   `json:"current_version,omitempty"`
	AllowedRepos   []string `json:"allowed_repos,omitempty"`
	Updating       bool     `json:"updating"`
	PendingRestart bool     `json:"pending_restart"`
}
