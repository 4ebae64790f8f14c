package kernel

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clashctl/clashctl/internal/cmn/config"
	"github.com/clashctl/clashctl/internal/cmn/jobguard"
	"github.com/clashctl/clashctl/internal/core"
	"github.com/clashctl/clashctl/internal/persis/filekernelhist"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	descriptor *core.ReleaseDescriptor
	fetchErr   error
	fetchCalls int
	lastTag    string

	payload       []byte
	downloadSum   string
	downloadErr   error
	downloadCalls int
}

func (f *fakeSource) FetchLatestRelease(_ context.Context, _ string) (*core.ReleaseDescriptor, error) {
	f.fetchCalls++
	return f.descriptor, f.fetchErr
}

func (f *fakeSource) FetchRelease(_ context.Context, _, tag string) (*core.ReleaseDescriptor, error) {
	f.fetchCalls++
	f.lastTag = tag
	return f.descriptor, f.fetchErr
}

func (f *fakeSource) Download(_ context.Context, _, dest string, _ time.Duration) (string, int64, error) {
	f.downloadCalls++
	if f.downloadErr != nil {
		return "", 0, f.downloadErr
	}
	if err := os.WriteFile(dest, f.payload, 0o600); err != nil {
		return "", 0, err
	}
	sum := f.downloadSum
	if sum == "" {
		sum = fmt.Sprintf("%x", sha256.Sum256(f.payload))
	}
	return sum, int64(len(f.payload)), nil
}

// engineScript builds a stand-in engine binary: a shell script that answers
// the version print and the config dry-run.
func engineScript(version string, broken bool) []byte {
	if broken {
		return []byte("#!/bin/sh\nexit 1\n")
	}
	return []byte(fmt.Sprintf("#!/bin/sh\nif [ \"$1\" = \"-v\" ]; then\n  echo \"Mihomo Meta %s linux amd64\"\nfi\nexit 0\n", version))
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

type testEnv struct {
	updater *Updater
	source  *fakeSource
	guard   *jobguard.Guard
	hist    *filekernelhist.Store
	paths   config.Paths
}

func newTestEnv(t *testing.T, restart RestartFunc) *testEnv {
	t.Helper()
	dir := t.TempDir()
	paths := config.Paths{
		DataDir:     dir,
		EngineDir:   dir,
		ConfigFile:  filepath.Join(dir, "config.yaml"),
		CoreDir:     filepath.Join(dir, "core"),
		CoreBin:     filepath.Join(dir, "core", "mihomo"),
		CorePrevBin: filepath.Join(dir, "core", "mihomo.prev"),
	}
	require.NoError(t, os.MkdirAll(paths.CoreDir, 0o750))

	cfg := config.Kernel{
		DefaultRepo:     "MetaCubeX/mihomo",
		AllowedRepos:    []string{"MetaCubeX/mihomo"},
		RequireChecksum: true,
		DownloadTimeout: 30 * time.Second,
		SelfTestTimeout: 10 * time.Second,
		RestartDelay:    20 * time.Millisecond,
	}

	gz := gzipBytes(t, engineScript("v1.19.0", false))
	source := &fakeSource{
		descriptor: &core.ReleaseDescriptor{
			Tag:       "v1.19.0",
			AssetName: "mihomo-linux-amd64-v1.19.0.gz",
			AssetURL:  "https://example.com/mihomo-linux-amd64-v1.19.0.gz",
			Checksum:  fmt.Sprintf("%x", sha256.Sum256(gz)),
		},
		payload: gz,
	}

	guard := jobguard.New()
	hist := filekernelhist.New(paths.KernelHistoryFile())
	return &testEnv{
		updater: New(source, guard, hist, cfg, paths, restart),
		source:  source,
		guard:   guard,
		hist:    hist,
		paths:   paths,
	}
}

func (e *testEnv) installLive(t *testing.T, version string, broken bool) []byte {
	t.Helper()
	content := engineScript(version, broken)
	require.NoError(t, os.WriteFile(e.paths.CoreBin, content, 0o755))
	return content
}

func TestUpdateRepoValidation(t *testing.T) {
	t.Run("NotAllowed", func(t *testing.T) {
		env := newTestEnv(t, nil)
		_, err := env.updater.Update(context.Background(), core.TriggerManual, Request{Repo: "evil/fork"})
		require.ErrorIs(t, err, core.ErrRepoNotAllowed)
		require.Zero(t, env.source.fetchCalls, "rejected repos must cause no network I/O")
	})

	t.Run("Malformed", func(t *testing.T) {
		env := newTestEnv(t, nil)
		_, err := env.updater.Update(context.Background(), core.TriggerManual, Request{Repo: "not a repo"})
		require.Error(t, err)
		require.Zero(t, env.source.fetchCalls)
	})

	t.Run("StripsGitHubPrefix", func(t *testing.T) {
		env := newTestEnv(t, nil)
		record, err := env.updater.Update(context.Background(), core.TriggerManual,
			Request{Repo: "https://github.com/MetaCubeX/mihomo"})
		require.NoError(t, err)
		require.Equal(t, "MetaCubeX/mihomo", record.Repo)
	})
}

func TestUpdateBusy(t *testing.T) {
	env := newTestEnv(t, nil)
	require.True(t, env.guard.TryAcquire(core.JobKernelUpdate, core.TriggerManual))

	_, err := env.updater.Update(context.Background(), core.TriggerScheduler, Request{})
	require.ErrorIs(t, err, core.ErrBusy)
	require.Zero(t, env.source.fetchCalls, "busy run must cause no network I/O")
	require.Zero(t, env.source.downloadCalls)
}

func TestUpdateChecksumRequired(t *testing.T) {
	env := newTestEnv(t, nil)
	live := env.installLive(t, "v1.18.0", false)
	env.source.descriptor.Checksum = ""

	record, err := env.updater.Update(context.Background(), core.TriggerManual, Request{})
	require.ErrorIs(t, err, core.ErrChecksumRequired)
	require.Equal(t, core.KernelUpdateFailed, record.Status)
	require.Zero(t, env.source.downloadCalls, "nothing may be downloaded without a checksum")

	current, readErr := os.ReadFile(env.paths.CoreBin)
	require.NoError(t, readErr)
	require.Equal(t, live, current, "live binary must be untouched")

	records := env.hist.Read(10)
	require.Len(t, records, 1)
	require.Equal(t, core.KernelUpdateFailed, records[0].Status)
}

func TestUpdateChecksumMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	live := env.installLive(t, "v1.18.0", false)
	env.source.downloadSum = "0000000000000000000000000000000000000000000000000000000000000000"

	record, err := env.updater.Update(context.Background(), core.TriggerManual, Request{})
	require.Error(t, err)
	require.True(t, core.IsIntegrityError(err))
	require.Equal(t, core.KernelUpdateFailed, record.Status)

	current, readErr := os.ReadFile(env.paths.CoreBin)
	require.NoError(t, readErr)
	require.Equal(t, live, current, "live binary must be byte-identical after a checksum failure")
	require.NoFileExists(t, env.paths.CorePrevBin)
}

func TestUpdateSelfTestFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	live := env.installLive(t, "v1.18.0", false)
	gz := gzipBytes(t, engineScript("v1.19.0", true))
	env.source.payload = gz
	env.source.descriptor.Checksum = fmt.Sprintf("%x", sha256.Sum256(gz))

	record, err := env.updater.Update(context.Background(), core.TriggerManual, Request{})
	require.Error(t, err)
	require.True(t, core.IsIntegrityError(err))
	require.Equal(t, core.KernelUpdateFailed, record.Status)

	current, readErr := os.ReadFile(env.paths.CoreBin)
	require.NoError(t, readErr)
	require.Equal(t, live, current)
	require.NoFileExists(t, env.paths.CorePrevBin)
}

func TestUpdateSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	oldLive := env.installLive(t, "v1.18.0", false)

	record, err := env.updater.Update(context.Background(), core.TriggerManual, Request{})
	require.NoError(t, err)
	require.Equal(t, core.KernelUpdateSuccess, record.Status)
	require.Equal(t, "v1.18.0", record.OldVersion)
	require.Equal(t, "v1.19.0", record.NewVersion)
	require.Equal(t, "v1.19.0", record.ReleaseTag)

	newLive, readErr := os.ReadFile(env.paths.CoreBin)
	require.NoError(t, readErr)
	require.Equal(t, engineScript("v1.19.0", false), newLive)

	prev, readErr := os.ReadFile(env.paths.CorePrevBin)
	require.NoError(t, readErr)
	require.Equal(t, oldLive, prev, "rollback copy must be byte-identical to the pre-update live binary")

	records := env.hist.Read(10)
	require.Len(t, records, 1)
	require.Equal(t, core.KernelUpdateSuccess, records[0].Status)
	require.False(t, env.guard.IsRunning(core.JobKernelUpdate))

	// Work directory cleaned up, only the binaries remain.
	entries, readDirErr := os.ReadDir(env.paths.CoreDir)
	require.NoError(t, readDirErr)
	require.Len(t, entries, 2)
}

func TestUpdateSpecificTag(t *testing.T) {
	env := newTestEnv(t, nil)
	env.source.descriptor.Tag = "v1.18.5"
	gz := gzipBytes(t, engineScript("v1.18.5", false))
	env.source.payload = gz
	env.source.descriptor.Checksum = fmt.Sprintf("%x", sha256.Sum256(gz))

	record, err := env.updater.Update(context.Background(), core.TriggerManual, Request{Tag: "v1.18.5"})
	require.NoError(t, err)
	require.Equal(t, "v1.18.5", env.source.lastTag)
	require.Equal(t, "v1.18.5", record.ReleaseTag)
}

func TestUpdateFirstInstall(t *testing.T) {
	env := newTestEnv(t, nil)

	record, err := env.updater.Update(context.Background(), core.TriggerManual, Request{})
	require.NoError(t, err)
	require.Equal(t, core.KernelUpdateSuccess, record.Status)
	require.Empty(t, record.OldVersion)
	require.FileExists(t, env.paths.CoreBin)
	require.NoFileExists(t, env.paths.CorePrevBin, "first install has nothing to set aside")
}

func TestUpdateRestartAfter(t *testing.T) {
	restarted := make(chan struct{}, 1)
	env := newTestEnv(t, func(context.Context) error {
		restarted <- struct{}{}
		return nil
	})
	require.True(t, env.updater.CanRestart())

	_, err := env.updater.Update(context.Background(), core.TriggerManual, Request{RestartAfter: true})
	require.NoError(t, err)
	require.True(t, env.updater.Status().PendingRestart)

	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("deferred restart never fired")
	}
	require.Eventually(t, func() bool {
		return !env.updater.Status().PendingRestart
	}, time.Second, 10*time.Millisecond)
}

func TestEnsureHealthy(t *testing.T) {
	t.Run("HealthyIsNoop", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.installLive(t, "v1.18.0", false)

		require.NoError(t, env.updater.EnsureHealthy(context.Background()))
		require.Empty(t, env.hist.Read(10))
	})

	t.Run("RestoresRollbackCopy", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.installLive(t, "v1.18.0", true)
		good := engineScript("v1.17.0", false)
		require.NoError(t, os.WriteFile(env.paths.CorePrevBin, good, 0o755))

		require.NoError(t, env.updater.EnsureHealthy(context.Background()))

		current, err := os.ReadFile(env.paths.CoreBin)
		require.NoError(t, err)
		require.Equal(t, good, current)

		records := env.hist.Read(10)
		require.Len(t, records, 1)
		require.Equal(t, core.KernelUpdateRolledBack, records[0].Status)
		require.Equal(t, "v1.17.0", records[0].NewVersion)
	})

	t.Run("NoRollbackCopy", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.installLive(t, "v1.18.0", true)

		require.Error(t, env.updater.EnsureHealthy(context.Background()))
	})
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	require.False(t, env.updater.CanRestart())

	state := env.updater.Status()
	require.False(t, state.CurrentExists)
	require.False(t, state.PreviousExists)
	require.False(t, state.Updating)
	require.False(t, state.PendingRestart)
	require.Empty(t, state.CurrentVersion)

	env.installLive(t, "v1.18.0", false)
	state = env.updater.Status()
	require.True(t, state.CurrentExists)
	require.Equal(t, env.paths.CoreBin, state.CurrentPath)
	require.Equal(t, "v1.18.0", state.CurrentVersion)
	require.Equal(t, []string{"MetaCubeX/mihomo"}, state.AllowedRepos)

	require.True(t, env.guard.TryAcquire(core.JobKernelUpdate, core.TriggerManual))
	defer env.guard.Release(core.JobKernelUpdate)
	require.True(t, env.updater.Status().Updating)
}
