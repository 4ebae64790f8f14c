// Package kernel implements engine binary updates: release discovery,
// checksum-verified download, candidate self-test, atomic swap with a
// rollback copy, and startup recovery.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/clashctl/clashctl/internal/cmn/config"
	"github.com/clashctl/clashctl/internal/cmn/fileutil"
	"github.com/clashctl/clashctl/internal/cmn/jobguard"
	"github.com/clashctl/clashctl/internal/cmn/logger/tag"
	"github.com/clashctl/clashctl/internal/core"
	"github.com/clashctl/clashctl/internal/persis/filekernelhist"
	"github.com/mholt/archives"
	"github.com/samber/lo"
)

const (
	binaryPermissions = 0o755
	dirPermissions    = 0o750

	// stderrTail bounds how much subprocess output ends up in records.
	stderrTail = 300
)

var (
	repoRe    = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
	versionRe = regexp.MustCompile(`v?\d+\.\d+\.\d+[0-9A-Za-z.+-]*`)
)

// ReleaseSource fetches release metadata and assets.
type ReleaseSource interface {
	FetchLatestRelease(ctx context.Context, repo string) (*core.ReleaseDescriptor, error)
	FetchRelease(ctx context.Context, repo, tag string) (*core.ReleaseDescriptor, error)
	Download(ctx context.Context, assetURL, dest string, timeout time.Duration) (sha256sum string, size int64, err error)
}

// RestartFunc triggers an engine restart after a successful swap.
type RestartFunc func(ctx context.Context) error

// Request describes one kernel update. An empty Repo means the configured
// default; an empty Tag means the latest release.
type Request struct {
	Repo         string `json:"repo,omitempty"`
	Tag          string `json:"tag,omitempty"`
	RestartAfter bool   `json:"restart"`
}

// Updater runs kernel updates under the kernel_update single-flight lock.
type Updater struct {
	releases ReleaseSource
	guard    *jobguard.Guard
	hist     *filekernelhist.Store
	cfg      config.Kernel
	paths    config.Paths
	restart  RestartFunc

	pendingRestart atomic.Bool
}

// New creates a kernel updater. restart may be nil when no restart mechanism
// is available.
func New(releases ReleaseSource, guard *jobguard.Guard, hist *filekernelhist.Store, cfg config.Kernel, paths config.Paths, restart RestartFunc) *Updater {
	return &Updater{
		releases: releases,
		guard:    guard,
		hist:     hist,
		cfg:      cfg,
		paths:    paths,
		restart:  restart,
	}
}

// Update replaces the engine binary with the requested release. The live
// binary is only touched after the candidate passed checksum verification
// and its self-test; every failure before the swap leaves it byte-identical.
func (u *Updater) Update(ctx context.Context, trigger core.Trigger, req Request) (core.KernelUpdateRecord, error) {
	repo, err := u.resolveRepo(req.Repo)
	if err != nil {
		return core.KernelUpdateRecord{}, err
	}

	if !u.guard.TryAcquire(core.JobKernelUpdate, trigger) {
		return core.KernelUpdateRecord{}, core.ErrBusy
	}
	defer u.guard.Release(core.JobKernelUpdate)

	record := core.NewKernelUpdateRecord(core.KernelUpdateStarted)
	record.Repo = repo
	record.OldVersion = u.binaryVersion(ctx, u.paths.CoreBin)

	slog.Info("kernel update started",
		tag.Job(string(core.JobKernelUpdate)), tag.Trigger(string(trigger)), tag.Repo(repo))

	descriptor, err := u.fetchDescriptor(ctx, repo, req.Tag)
	if err != nil {
		return u.fail(record, err)
	}
	record.ReleaseTag = descriptor.Tag
	record.NewVersion = descriptor.Tag

	if u.cfg.RequireChecksum && descriptor.Checksum == "" {
		return u.fail(record, fmt.Errorf("%w (release %s)", core.ErrChecksumRequired, descriptor.Tag))
	}
	u.warnOnDowngrade(record.OldVersion, descriptor.Tag)

	if err := os.MkdirAll(u.paths.CoreDir, dirPermissions); err != nil {
		return u.fail(record, fmt.Errorf("failed to create core directory: %w", err))
	}
	workDir, err := os.MkdirTemp(u.paths.CoreDir, "kernel-update-*")
	if err != nil {
		return u.fail(record, fmt.Errorf("failed to create work directory: %w", err))
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	archivePath := filepath.Join(workDir, descriptor.AssetName)
	sum, size, err := u.releases.Download(ctx, descriptor.AssetURL, archivePath, u.cfg.DownloadTimeout)
	if err != nil {
		return u.fail(record, fmt.Errorf("download failed: %w", err))
	}
	slog.Info("kernel asset downloaded",
		tag.Asset(descriptor.AssetName), tag.ReleaseTag(descriptor.Tag), tag.Size(size))

	if descriptor.Checksum != "" && sum != descriptor.Checksum {
		return u.fail(record, core.NewIntegrityError("checksum",
			fmt.Errorf("expected %s, got %s", descriptor.Checksum, sum)))
	}

	candidate := filepath.Join(workDir, "candidate")
	if err := decompress(ctx, archivePath, candidate); err != nil {
		return u.fail(record, fmt.Errorf("failed to decompress asset: %w", err))
	}
	if err := os.Chmod(candidate, binaryPermissions); err != nil {
		return u.fail(record, fmt.Errorf("failed to mark candidate executable: %w", err))
	}

	if err := u.selfTest(ctx, candidate); err != nil {
		return u.fail(record, core.NewIntegrityError("self-test", err))
	}

	if err := u.swap(candidate); err != nil {
		return u.fail(record, err)
	}

	if err := u.verifyBinary(ctx, u.paths.CoreBin); err != nil {
		u.restorePrevious()
		record.Status = core.KernelUpdateRolledBack
		record.Error = err.Error()
		u.append(record)
		return record, core.NewIntegrityError("post-swap verify", err)
	}

	if v := u.binaryVersion(ctx, u.paths.CoreBin); v != "" {
		record.NewVersion = v
	}
	record.Status = core.KernelUpdateSuccess
	u.append(record)
	slog.Info("kernel update succeeded",
		tag.ReleaseTag(descriptor.Tag), tag.Status(string(record.Status)))

	if req.RestartAfter {
		u.scheduleRestart()
	}
	return record, nil
}

// EnsureHealthy verifies the live binary at process start-up and restores
// the rollback copy when the live binary is missing or broken.
func (u *Updater) EnsureHealthy(ctx context.Context) error {
	if err := u.verifyBinary(ctx, u.paths.CoreBin); err == nil {
		return nil
	} else if !fileutil.FileExists(u.paths.CorePrevBin) {
		return fmt.Errorf("engine binary is unhealthy and no rollback copy exists: %w", err)
	}

	slog.Warn("engine binary unhealthy at start-up, restoring rollback copy",
		tag.Path(u.paths.CoreBin))
	if err := fileutil.CopyFile(u.paths.CorePrevBin, u.paths.CoreBin); err != nil {
		return fmt.Errorf("failed to restore rollback copy: %w", err)
	}
	if err := os.Chmod(u.paths.CoreBin, binaryPermissions); err != nil {
		return fmt.Errorf("failed to mark restored binary executable: %w", err)
	}
	if err := u.verifyBinary(ctx, u.paths.CoreBin); err != nil {
		return fmt.Errorf("restored binary is also unhealthy: %w", err)
	}

	record := core.NewKernelUpdateRecord(core.KernelUpdateRolledBack)
	record.NewVersion = u.binaryVersion(ctx, u.paths.CoreBin)
	record.Error = "restored rollback copy at start-up"
	u.append(record)
	return nil
}

// Status reports the binary lifecycle state, including the live binary's
// version as printed by the binary itself.
func (u *Updater) Status() core.BinaryLifecycleState {
	return core.BinaryLifecycleState{
		CurrentPath:    u.paths.CoreBin,
		PreviousPath:   u.paths.CorePrevBin,
		CurrentExists:  fileutil.FileExists(u.paths.CoreBin),
		PreviousExists: fileutil.FileExists(u.paths.CorePrevBin),
		CurrentVersion: u.binaryVersion(context.Background(), u.paths.CoreBin),
		AllowedRepos:   u.cfg.AllowedRepos,
		Updating:       u.guard.IsRunning(core.JobKernelUpdate),
		PendingRestart: u.pendingRestart.Load(),
	}
}

// History returns the most recent update records, oldest first.
func (u *Updater) History(limit int) []core.KernelUpdateRecord {
	return u.hist.Read(limit)
}

// CanRestart reports whether a restart mechanism is wired. A requested
// restart is only armed when this is true.
func (u *Updater) CanRestart() bool {
	return u.restart != nil
}

// resolveRepo normalizes the requested repository and enforces the
// allow-list. Runs before the guard and before any network I/O.
func (u *Updater) resolveRepo(requested string) (string, error) {
	repo := strings.TrimSpace(requested)
	if repo == "" {
		repo = u.cfg.DefaultRepo
	}
	repo = strings.TrimPrefix(repo, "https://github.com/")
	repo = strings.TrimSuffix(repo, "/")
	if !repoRe.MatchString(repo) {
		return "", fmt.Errorf("invalid repository %q", requested)
	}
	allowed := lo.ContainsBy(u.cfg.AllowedRepos, func(r string) bool {
		return strings.EqualFold(r, repo)
	})
	if !allowed {
		return "", fmt.Errorf("%w: %s", core.ErrRepoNotAllowed, repo)
	}
	return repo, nil
}

func (u *Updater) fetchDescriptor(ctx context.Context, repo, tag string) (*core.ReleaseDescriptor, error) {
	if tag == "" {
		return u.releases.FetchLatestRelease(ctx, repo)
	}
	return u.releases.FetchRelease(ctx, repo, tag)
}

func (u *Updater) warnOnDowngrade(oldVersion, newTag string) {
	oldV, err1 := semver.NewVersion(strings.TrimPrefix(oldVersion, "v"))
	newV, err2 := semver.NewVersion(strings.TrimPrefix(newTag, "v"))
	if err1 != nil || err2 != nil {
		return
	}
	if newV.LessThan(oldV) {
		slog.Warn("requested release is older than the running version",
			tag.ReleaseTag(newTag), tag.Status("downgrade"))
	}
}

// swap makes the candidate live. The old live binary becomes the rollback
// copy; a failed promotion puts it back.
func (u *Updater) swap(candidate string) error {
	hadLive := fileutil.FileExists(u.paths.CoreBin)
	if hadLive {
		if err := os.Rename(u.paths.CoreBin, u.paths.CorePrevBin); err != nil {
			return fmt.Errorf("failed to set aside current binary: %w", err)
		}
	}
	if err := os.Rename(candidate, u.paths.CoreBin); err != nil {
		if hadLive {
			_ = os.Rename(u.paths.CorePrevBin, u.paths.CoreBin)
		}
		return fmt.Errorf("failed to promote candidate binary: %w", err)
	}
	return nil
}

func (u *Updater) restorePrevious() {
	if !fileutil.FileExists(u.paths.CorePrevBin) {
		return
	}
	if err := fileutil.CopyFile(u.paths.CorePrevBin, u.paths.CoreBin); err != nil {
		slog.Error("rollback failed", tag.Path(u.paths.CoreBin), tag.Error(err))
		return
	}
	_ = os.Chmod(u.paths.CoreBin, binaryPermissions)
}

// selfTest runs the candidate's version print, then a config dry-run when a
// live config exists.
func (u *Updater) selfTest(ctx context.Context, binary string) error {
	if err := u.runBinary(ctx, binary, "-v"); err != nil {
		return fmt.Errorf("version check failed: %w", err)
	}
	if !fileutil.FileExists(u.paths.ConfigFile) {
		return nil
	}
	if err := u.runBinary(ctx, binary, "-t", "-d", u.paths.EngineDir, "-f", u.paths.ConfigFile); err != nil {
		return fmt.Errorf("config dry-run failed: %w", err)
	}
	return nil
}

// verifyBinary checks that the binary exists and answers its version print.
func (u *Updater) verifyBinary(ctx context.Context, binary string) error {
	if !fileutil.FileExists(binary) {
		return fmt.Errorf("binary %s does not exist", binary)
	}
	return u.runBinary(ctx, binary, "-v")
}

func (u *Updater) runBinary(ctx context.Context, binary string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, u.cfg.SelfTestTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec // binary is a managed path
	output, err := cmd.CombinedOutput()
	if err != nil {
		out := strings.TrimSpace(string(output))
		if len(out) > stderrTail {
			out = out[len(out)-stderrTail:]
		}
		return fmt.Errorf("%s %s: %w (%s)", filepath.Base(binary), strings.Join(args, " "), err, out)
	}
	return nil
}

// binaryVersion extracts the version token from the binary's version print.
// Best effort: an unreadable binary yields an empty version.
func (u *Updater) binaryVersion(ctx context.Context, binary string) string {
	if !fileutil.FileExists(binary) {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, u.cfg.SelfTestTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binary, "-v") //nolint:gosec // binary is a managed path
	output, err := cmd.CombinedOutput()
	if err != nil {
		return ""
	}
	return versionRe.FindString(string(output))
}

func (u *Updater) scheduleRestart() {
	if u.restart == nil {
		return
	}
	u.pendingRestart.Store(true)
	delay := u.cfg.RestartDelay
	slog.Info("engine restart scheduled", tag.Duration(delay))
	time.AfterFunc(delay, func() {
		defer u.pendingRestart.Store(false)
		if err := u.restart(context.Background()); err != nil {
			slog.Error("deferred engine restart failed", tag.Error(err))
		}
	})
}

func (u *Updater) fail(record core.KernelUpdateRecord, err error) (core.KernelUpdateRecord, error) {
	record.Status = core.KernelUpdateFailed
	record.Error = err.Error()
	u.append(record)
	slog.Error("kernel update failed", tag.Repo(record.Repo), tag.Error(err))
	return record, err
}

func (u *Updater) append(record core.KernelUpdateRecord) {
	if err := u.hist.Append(record); err != nil {
		slog.Warn("failed to append kernel update record", tag.Error(err))
	}
}

// decompress writes the single file inside the compressed asset to dest.
func decompress(ctx context.Context, archivePath, dest string) error {
	src, err := os.Open(archivePath) //nolint:gosec // archivePath is a managed temp path
	if err != nil {
		return fmt.Errorf("failed to open asset: %w", err)
	}
	defer func() { _ = src.Close() }()

	format, stream, err := archives.Identify(ctx, filepath.Base(archivePath), src)
	if err != nil {
		return fmt.Errorf("failed to identify asset format: %w", err)
	}
	decompressor, ok := format.(archives.Decompressor)
	if !ok {
		return errors.New("asset format does not support decompression")
	}

	reader, err := decompressor.OpenReader(stream)
	if err != nil {
		return fmt.Errorf("failed to open compressed stream: %w", err)
	}
	defer func() { _ = reader.Close() }()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, binaryPermissions) //nolint:gosec // dest is a managed temp path
	if err != nil {
		return fmt.Errorf("failed to create candidate file: %w", err)
	}
	_, err = io.Copy(out, reader)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("failed to write candidate file: %w", err)
	}
	return nil
}
