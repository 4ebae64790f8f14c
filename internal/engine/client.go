// Package engine provides HTTP clients for the proxy engine's control API
// and for the release API used by kernel updates.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/clashctl/clashctl/internal/cmn/backoff"
	"github.com/clashctl/clashctl/internal/cmn/config"
	"github.com/clashctl/clashctl/internal/cmn/fileutil"
	"github.com/clashctl/clashctl/internal/core"
	"github.com/go-resty/resty/v2"
)

const (
	// Probe timeouts outside this range confuse the engine; clamp hard.
	minProbeTimeout = time.Second
	maxProbeTimeout = 20 * time.Second

	// Geo database refreshes download files and can run long.
	geoRefreshTimeout = 90 * time.Second

	geoRefreshAttempts = 3
	geoRefreshInterval = time.Second

	// reloadFileName is the file name used when the config must be copied
	// into an engine-approved directory before reloading.
	reloadFileName = "clashctl-runtime-config.yaml"
)

var errGeoBusy = errors.New("geo update already in progress")

// GeoRefreshOutcome is the classified result of a geo database refresh.
// A failed refresh is an outcome, not an error; transport problems fold
// into Status after retries are exhausted.
type GeoRefreshOutcome struct {
	Status  core.GeoDBStatus
	Changed core.ChangeState
	Message string
}

// Client talks to the proxy engine's local control API.
type Client struct {
	http *resty.Client
	// slow shares base URL and auth but carries a timeout sized for geo
	// refreshes and delay probes.
	slow                *resty.Client
	preferredReloadPath string
}

// NewClient creates a control API client from the engine configuration.
func NewClient(cfg config.Engine) *Client {
	newResty := func(timeout time.Duration) *resty.Client {
		c := resty.New().
			SetBaseURL(cfg.APIBaseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json")
		if cfg.Secret != "" {
			c.SetAuthToken(cfg.Secret)
		}
		return c
	}
	return &Client{
		http:                newResty(cfg.Timeout),
		slow:                newResty(geoRefreshTimeout),
		preferredReloadPath: cfg.PreferredReloadPath,
	}
}

// Probe measures the latency of the named proxy against testURL. The timeout
// is clamped to the engine's accepted range. Returns latency in milliseconds.
func (c *Client) Probe(ctx context.Context, proxyName, testURL string, timeout time.Duration) (int, error) {
	if timeout < minProbeTimeout {
		timeout = minProbeTimeout
	}
	if timeout > maxProbeTimeout {
		timeout = maxProbeTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+2*time.Second)
	defer cancel()

	resp, err := c.slow.R().
		SetContext(ctx).
		SetQueryParam("url", testURL).
		SetQueryParam("timeout", fmt.Sprintf("%d", timeout.Milliseconds())).
		Get("/proxies/" + url.PathEscape(proxyName) + "/delay")
	if err != nil {
		return 0, fmt.Errorf("delay probe failed: %w", err)
	}
	if err := classifyResponse(resp); err != nil {
		return 0, fmt.Errorf("delay probe failed: %w", err)
	}

	var payload struct {
		Delay int `json:"delay"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return 0, fmt.Errorf("failed to parse delay response: %w", err)
	}
	if payload.Delay <= 0 {
		return 0, fmt.Errorf("proxy %q did not answer within %s", proxyName, timeout)
	}
	return payload.Delay, nil
}

// ProxyGroups lists the engine's proxy groups (entries with member nodes).
func (c *Client) ProxyGroups(ctx context.Context) ([]core.ProxyGroup, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/proxies")
	if err != nil {
		return nil, fmt.Errorf("failed to list proxies: %w", err)
	}
	if err := classifyResponse(resp); err != nil {
		return nil, fmt.Errorf("failed to list proxies: %w", err)
	}

	var payload struct {
		Proxies map[string]struct {
			Name string   `json:"name"`
			Now  string   `json:"now"`
			All  []string `json:"all"`
		} `json:"proxies"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse proxies response: %w", err)
	}

	var groups []core.ProxyGroup
	for key, p := range payload.Proxies {
		if len(p.All) == 0 {
			continue
		}
		name := p.Name
		if name == "" {
			name = key
		}
		groups = append(groups, core.ProxyGroup{Name: name, Now: p.Now, Nodes: p.All})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}

// RefreshGeoDatabase asks the engine to refresh its geo databases, retrying
// transient failures. "Another update in progress" is reported as busy and
// never retried.
func (c *Client) RefreshGeoDatabase(ctx context.Context) GeoRefreshOutcome {
	var outcome GeoRefreshOutcome
	policy := &backoff.ConstantBackoffPolicy{
		Interval:   geoRefreshInterval,
		MaxRetries: geoRefreshAttempts - 1,
	}
	err := backoff.Retry(ctx, func(ctx context.Context) error {
		o, err := c.refreshGeoOnce(ctx)
		if err != nil {
			return err
		}
		outcome = o
		if o.Status == core.GeoDBBusy {
			return errGeoBusy
		}
		return nil
	}, policy, func(err error) bool {
		return !errors.Is(err, errGeoBusy) && isRetriableError(err)
	})

	if err != nil {
		if errors.Is(err, errGeoBusy) {
			return outcome
		}
		return GeoRefreshOutcome{
			Status:  core.GeoDBFailed,
			Changed: core.ChangeUnknown,
			Message: err.Error(),
		}
	}
	return outcome
}

func (c *Client) refreshGeoOnce(ctx context.Context) (GeoRefreshOutcome, error) {
	resp, err := c.slow.R().SetContext(ctx).Post("/configs/geo")
	if err != nil {
		return GeoRefreshOutcome{}, err
	}

	msg := extractMessage(resp.Body())
	switch resp.StatusCode() {
	case 200, 204:
		return GeoRefreshOutcome{
			Status:  core.GeoDBUpdated,
			Changed: inferGeoChanged(msg),
			Message: msg,
		}, nil
	default:
		low := strings.ToLower(msg)
		if strings.Contains(low, "updating") && strings.Contains(low, "skip") {
			return GeoRefreshOutcome{
				Status:  core.GeoDBBusy,
				Changed: core.ChangeNo,
				Message: msg,
			}, nil
		}
		return GeoRefreshOutcome{}, classifyResponse(resp)
	}
}

var geoChangedTokens = struct{ no, yes []string }{
	no:  []string{"already", "up-to-date", "up to date", "latest", "no update", "unchanged"},
	yes: []string{"downloaded", "updated", "fetched", "success", "completed"},
}

// inferGeoChanged reads the engine's free-text refresh message. The negative
// tokens are checked first since "up-to-date" contains "update".
func inferGeoChanged(message string) core.ChangeState {
	low := strings.ToLower(message)
	for _, token := range geoChangedTokens.no {
		if strings.Contains(low, token) {
			return core.ChangeNo
		}
	}
	for _, token := range geoChangedTokens.yes {
		if strings.Contains(low, token) {
			return core.ChangeYes
		}
	}
	return core.ChangeUnknown
}

// RuleProviders lists the engine's rule providers, sorted by name.
func (c *Client) RuleProviders(ctx context.Context) ([]core.RuleProviderInfo, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/providers/rules")
	if err != nil {
		return nil, fmt.Errorf("failed to list rule providers: %w", err)
	}
	if err := classifyResponse(resp); err != nil {
		return nil, fmt.Errorf("failed to list rule providers: %w", err)
	}

	var payload struct {
		Providers map[string]struct {
			Name        string `json:"name"`
			Type        string `json:"type"`
			Behavior    string `json:"behavior"`
			Format      string `json:"format"`
			VehicleType string `json:"vehicleType"`
			RuleCount   int    `json:"ruleCount"`
			UpdatedAt   string `json:"updatedAt"`
		} `json:"providers"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse rule providers response: %w", err)
	}

	var providers []core.RuleProviderInfo
	for key, p := range payload.Providers {
		name := p.Name
		if name == "" {
			name = key
		}
		providers = append(providers, core.RuleProviderInfo{
			Name:        name,
			Type:        p.Type,
			Behavior:    p.Behavior,
			Format:      p.Format,
			VehicleType: p.VehicleType,
			RuleCount:   p.RuleCount,
			UpdatedAt:   p.UpdatedAt,
		})
	}
	sort.Slice(providers, func(i, j int) bool {
		return strings.ToLower(providers[i].Name) < strings.ToLower(providers[j].Name)
	})
	return providers, nil
}

// RefreshRuleProvider triggers a refresh of one rule provider.
func (c *Client) RefreshRuleProvider(ctx context.Context, name string) error {
	resp, err := c.slow.R().SetContext(ctx).Put("/providers/rules/" + url.PathEscape(name))
	if err != nil {
		return fmt.Errorf("failed to refresh provider %q: %w", name, err)
	}
	if err := classifyResponse(resp); err != nil {
		return fmt.Errorf("failed to refresh provider %q: %w", name, err)
	}
	return nil
}

var allowedPathsRe = regexp.MustCompile(`allowed paths:\s*\[([^\]]*)\]`)

// Reload asks the engine to reload its configuration from configPath.
// Engines restricted to safe directories reject arbitrary paths; in that
// case the config is copied into a candidate directory and the reload is
// retried. Returns the path the engine actually loaded.
func (c *Client) Reload(ctx context.Context, configPath string) (string, error) {
	firstErr := c.reloadOnce(ctx, configPath)
	if firstErr == nil {
		return configPath, nil
	}

	var candidates []string
	if c.preferredReloadPath != "" {
		candidates = append(candidates, c.preferredReloadPath)
	}
	for _, dir := range parseAllowedPaths(firstErr.Error()) {
		candidates = append(candidates, filepath.Join(dir, reloadFileName))
	}

	for _, target := range candidates {
		if target == configPath {
			continue
		}
		if err := fileutil.CopyFile(configPath, target); err != nil {
			continue
		}
		if err := c.reloadOnce(ctx, target); err == nil {
			return target, nil
		}
	}
	return "", fmt.Errorf("engine rejected config reload: %w", firstErr)
}

// Restart asks the engine to restart its own process. Engines under a
// supervisor come back with the binary currently on disk.
func (c *Client) Restart(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Post("/restart")
	if err != nil {
		return fmt.Errorf("failed to restart engine: %w", err)
	}
	if err := classifyResponse(resp); err != nil {
		return fmt.Errorf("failed to restart engine: %w", err)
	}
	return nil
}

func (c *Client) reloadOnce(ctx context.Context, path string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"path": path}).
		Put("/configs")
	if err != nil {
		return err
	}
	return classifyResponse(resp)
}

// parseAllowedPaths extracts directory candidates from an engine error of
// the form `... allowed paths: ["/a", "/b"]`.
func parseAllowedPaths(message string) []string {
	m := allowedPathsRe.FindStringSubmatch(message)
	if m == nil {
		return nil
	}
	var dirs []string
	for _, part := range strings.Split(m[1], ",") {
		dir := strings.Trim(strings.TrimSpace(part), `"'`)
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// extractMessage pulls a human-readable message out of an engine response
// body, preferring the conventional {"message": ...} shape.
func extractMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(body))
}
