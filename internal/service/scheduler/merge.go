package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/clashctl/clashctl/internal/cmn/config"
	"github.com/goccy/go-yaml"
)

// outputTail bounds how much merge command output ends up in history entries.
const outputTail = 300

// Reloader pushes a regenerated config into the engine. Implemented by the
// engine control client.
type Reloader interface {
	Reload(ctx context.Context, configPath string) (string, error)
}

// MergeJob regenerates the engine config by running the external merge
// command, sanity-checks the output, and reloads the engine.
type MergeJob struct {
	cfg        config.Merge
	configFile string
	reloader   Reloader
}

// NewMergeJob creates the merge-and-reload job.
func NewMergeJob(cfg config.Merge, configFile string, reloader Reloader) *MergeJob {
	return &MergeJob{cfg: cfg, configFile: configFile, reloader: reloader}
}

// Run executes merge, validate, reload. Returns a one-line outcome message.
func (j *MergeJob) Run(ctx context.Context) (string, error) {
	if err := j.runMergeCommand(ctx); err != nil {
		return "", err
	}
	if err := j.validateConfig(); err != nil {
		return "", err
	}
	usedPath, err := j.reloader.Reload(ctx, j.configFile)
	if err != nil {
		return "", fmt.Errorf("reload failed: %w", err)
	}
	return fmt.Sprintf("merged and reloaded %s", usedPath), nil
}

func (j *MergeJob) runMergeCommand(ctx context.Context) error {
	if len(j.cfg.Command) == 0 {
		return errors.New("merge command is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, j.cfg.Command[0], j.cfg.Command[1:]...) //nolint:gosec // command comes from configuration
	output, err := cmd.CombinedOutput()
	if err != nil {
		out := strings.TrimSpace(string(output))
		if len(out) > outputTail {
			out = out[len(out)-outputTail:]
		}
		return fmt.Errorf("merge command failed: %w (%s)", err, out)
	}
	return nil
}

// validateConfig refuses to reload a config the engine could not parse. The
// merge command owns semantics; this only guards against truncated or
// non-YAML output.
func (j *MergeJob) validateConfig() error {
	data, err := os.ReadFile(j.configFile) //nolint:gosec // path comes from configuration
	if err != nil {
		return fmt.Errorf("merge produced no readable config: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("merge produced invalid config: %w", err)
	}
	if len(doc) == 0 {
		return errors.New("merge produced an empty config")
	}
	return nil
}
