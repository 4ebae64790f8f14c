// Package geoupdate implements the geo database and rule provider refresh
// workflow: an optional connectivity probe, a geo database refresh, and a
// per-provider rule refresh, aggregated into one result.
package geoupdate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/clashctl/clashctl/internal/cmn/backoff"
	"github.com/clashctl/clashctl/internal/cmn/config"
	"github.com/clashctl/clashctl/internal/cmn/jobguard"
	"github.com/clashctl/clashctl/internal/cmn/logger/tag"
	"github.com/clashctl/clashctl/internal/core"
	"github.com/clashctl/clashctl/internal/engine"
	"github.com/samber/lo"
)

// maxProbeAttempts bounds how many ranked candidates the probe tries before
// declaring connectivity dead.
const maxProbeAttempts = 8

// ControlClient is the slice of the engine control API this workflow needs.
type ControlClient interface {
	Probe(ctx context.Context, proxyName, testURL string, timeout time.Duration) (int, error)
	ProxyGroups(ctx context.Context) ([]core.ProxyGroup, error)
	RefreshGeoDatabase(ctx context.Context) engine.GeoRefreshOutcome
	RuleProviders(ctx context.Context) ([]core.RuleProviderInfo, error)
	RefreshRuleProvider(ctx context.Context, name string) error
}

// Options selects which steps of the workflow run. Step order is fixed:
// probe, geo database, rule providers.
type Options struct {
	CheckProxyFirst     bool `json:"check_proxy_first"`
	UpdateGeoDatabase   bool `json:"update_geo_database"`
	UpdateRuleProviders bool `json:"update_rule_providers"`
}

// DefaultOptions runs every step.
func DefaultOptions() Options {
	return Options{CheckProxyFirst: true, UpdateGeoDatabase: true, UpdateRuleProviders: true}
}

// Workflow runs geo updates under the geo_update single-flight lock.
type Workflow struct {
	client ControlClient
	guard  *jobguard.Guard
	cfg    config.Geo
}

// New creates a geo update workflow.
func New(client ControlClient, guard *jobguard.Guard, cfg config.Geo) *Workflow {
	return &Workflow{client: client, guard: guard, cfg: cfg}
}

// Run executes the selected steps. Returns core.ErrBusy without touching the
// engine when a geo update is already in flight. Step failures are outcomes
// inside the result, never an error return.
func (w *Workflow) Run(ctx context.Context, trigger core.Trigger, opts Options) (*core.GeoUpdateResult, error) {
	if !w.guard.TryAcquire(core.JobGeoUpdate, trigger) {
		return nil, core.ErrBusy
	}
	defer w.guard.Release(core.JobGeoUpdate)

	slog.Info("geo update started", tag.Job(string(core.JobGeoUpdate)), tag.Trigger(string(trigger)))

	// Providers starts as an empty slice so skipped runs serialize as [].
	result := &core.GeoUpdateResult{
		GeoDBStatus:  core.GeoDBSkipped,
		GeoDBChanged: core.ChangeNo,
		Providers:    []core.RuleProviderOutcome{},
	}
	var failed []string

	if opts.CheckProxyFirst {
		probe := w.probe(ctx)
		result.Probe = &probe
		if !probe.OK {
			// No point refreshing through a dead proxy; later steps are
			// skipped entirely.
			result.FailedSources = []string{"probe"}
			result.SummaryText = "connectivity probe failed, geo update skipped: " + probe.Message
			slog.Warn("geo update aborted, probe failed", tag.Status(probe.Message))
			return result, nil
		}
	}

	if opts.UpdateGeoDatabase {
		outcome := w.client.RefreshGeoDatabase(ctx)
		result.GeoDBStatus = outcome.Status
		result.GeoDBChanged = outcome.Changed
		result.GeoDBMessage = outcome.Message
		if outcome.Status == core.GeoDBFailed {
			failed = append(failed, "geo_db")
		}
	}

	if opts.UpdateRuleProviders {
		outcomes, providerFailures := w.refreshProviders(ctx)
		if outcomes != nil {
			result.Providers = outcomes
		}
		failed = append(failed, providerFailures...)
	}

	result.FailedSources = failed
	result.OverallOK = len(failed) == 0
	result.SummaryText = summarize(result)

	slog.Info("geo update finished",
		tag.Job(string(core.JobGeoUpdate)), tag.Status(result.SummaryText))
	return result, nil
}

// probe tests connectivity through the most representative proxy group. It
// tries ranked candidates until one answers.
func (w *Workflow) probe(ctx context.Context) core.ProbeResult {
	groups, err := w.client.ProxyGroups(ctx)
	if err != nil {
		return core.ProbeResult{Message: "failed to list proxy groups: " + err.Error()}
	}
	if len(groups) == 0 {
		return core.ProbeResult{Message: "engine reported no proxy groups"}
	}

	ranked := rankGroups(groups)
	lastErr := "no probe candidate available"
	attempts := 0
	for _, g := range ranked {
		if attempts >= maxProbeAttempts {
			break
		}
		target := probeTarget(g)
		attempts++
		latency, err := w.client.Probe(ctx, target, w.cfg.TestURL, w.cfg.ProbeTimeout)
		if err != nil {
			lastErr = err.Error()
			slog.Debug("probe candidate failed", tag.Proxy(target), tag.Error(err))
			continue
		}
		return core.ProbeResult{
			OK:        true,
			ProxyName: target,
			GroupName: g.Name,
			LatencyMS: latency,
			Message:   fmt.Sprintf("%s answered in %dms", target, latency),
		}
	}
	return core.ProbeResult{Message: lastErr}
}

// probeTarget picks what to measure for a group: its current selection when
// that is a real node, otherwise the group itself.
func probeTarget(g core.ProxyGroup) string {
	now := g.Now
	if now == "" || strings.EqualFold(now, "DIRECT") || strings.EqualFold(now, "REJECT") {
		return g.Name
	}
	return now
}

// rankGroups orders groups by how likely they are to represent real traffic.
// The keyword weights match the common group naming conventions of engine
// configs; smaller groups win ties.
func rankGroups(groups []core.ProxyGroup) []core.ProxyGroup {
	ranked := make([]core.ProxyGroup, len(groups))
	copy(ranked, groups)
	sort.SliceStable(ranked, func(i, j int) bool {
		return groupScore(ranked[i]) > groupScore(ranked[j])
	})
	return ranked
}

func groupScore(g core.ProxyGroup) int {
	low := strings.ToLower(g.Name)
	score := 0
	if strings.Contains(low, "proxy") {
		score += 120
	}
	if strings.Contains(low, "auto") {
		score += 90
	}
	if strings.Contains(low, "global") {
		score += 80
	}
	if strings.Contains(low, "select") || strings.Contains(g.Name, "选择") {
		score += 40
	}
	if strings.Contains(low, "google") {
		score += 20
	}
	return score - len(g.Nodes)
}

// refreshProviders refreshes every rule provider in listing order. One
// provider's failure never stops the others. Change detection compares the
// provider listing before and after the refresh round.
func (w *Workflow) refreshProviders(ctx context.Context) ([]core.RuleProviderOutcome, []string) {
	before, err := w.client.RuleProviders(ctx)
	if err != nil {
		return nil, []string{"providers:" + err.Error()}
	}
	if len(before) == 0 {
		return nil, nil
	}

	policy := &backoff.ConstantBackoffPolicy{
		Interval:   w.cfg.ProviderRetryDelay,
		MaxRetries: max(w.cfg.ProviderRetryAttempts-1, 0),
	}

	outcomes := make([]core.RuleProviderOutcome, 0, len(before))
	var failed []string
	for _, p := range before {
		name := p.Name
		err := backoff.Retry(ctx, func(ctx context.Context) error {
			return w.client.RefreshRuleProvider(ctx, name)
		}, policy, nil)
		outcome := core.RuleProviderOutcome{Name: name, OK: err == nil, Changed: core.ChangeUnknown}
		if err != nil {
			outcome.Error = err.Error()
			failed = append(failed, "provider:"+name)
			slog.Warn("rule provider refresh failed", tag.Provider(name), tag.Error(err))
		}
		outcomes = append(outcomes, outcome)
	}

	after, err := w.client.RuleProviders(ctx)
	if err != nil {
		// Refreshes already happened; change state stays unknown.
		return outcomes, failed
	}
	beforeByName := lo.KeyBy(before, func(p core.RuleProviderInfo) string { return p.Name })
	afterByName := lo.KeyBy(after, func(p core.RuleProviderInfo) string { return p.Name })
	for i := range outcomes {
		if !outcomes[i].OK {
			continue
		}
		b, okB := beforeByName[outcomes[i].Name]
		a, okA := afterByName[outcomes[i].Name]
		if !okB || !okA {
			continue
		}
		if a.UpdatedAt != b.UpdatedAt || a.RuleCount != b.RuleCount {
			outcomes[i].Changed = core.ChangeYes
		} else {
			outcomes[i].Changed = core.ChangeNo
		}
	}
	return outcomes, failed
}

// summarize builds the one-line human summary of a run.
func summarize(result *core.GeoUpdateResult) string {
	var parts []string
	if result.Probe != nil && result.Probe.OK {
		parts = append(parts, fmt.Sprintf("probe ok via %s (%dms)", result.Probe.ProxyName, result.Probe.LatencyMS))
	}
	switch result.GeoDBStatus {
	case core.GeoDBUpdated:
		parts = append(parts, "geo db updated (changed="+string(result.GeoDBChanged)+")")
	case core.GeoDBBusy:
		parts = append(parts, "geo db busy, refresh skipped")
	case core.GeoDBFailed:
		parts = append(parts, "geo db refresh failed")
	case core.GeoDBSkipped:
	}
	if len(result.Providers) > 0 {
		okCount := lo.CountBy(result.Providers, func(o core.RuleProviderOutcome) bool { return o.OK })
		changed := lo.CountBy(result.Providers, func(o core.RuleProviderOutcome) bool { return o.Changed == core.ChangeYes })
		parts = append(parts, fmt.Sprintf("providers %d/%d refreshed, %d changed", okCount, len(result.Providers), changed))
	}
	if len(result.FailedSources) > 0 {
		parts = append(parts, "failed: "+strings.Join(result.FailedSources, ", "))
	}
	if len(parts) == 0 {
		return "nothing to do"
	}
	return strings.Join(parts, "; ")
}
