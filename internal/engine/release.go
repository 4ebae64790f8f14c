package engine

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/clashctl/clashctl/internal/cmn/backoff"
	"github.com/clashctl/clashctl/internal/core"
	"github.com/go-resty/resty/v2"
)

const (
	releaseAPITimeout = 30 * time.Second
	releaseUserAgent  = "clashctl-kernel-updater"

	assetPrefix = "mihomo-linux-"
	assetSuffix = ".gz"
)

// ReleaseClient fetches release metadata and assets from a GitHub-style
// release API.
type ReleaseClient struct {
	http *resty.Client
}

// NewReleaseClient creates a release API client. A GITHUB_TOKEN environment
// variable, when present, is sent for higher rate limits.
func NewReleaseClient(baseURL string) *ReleaseClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(releaseAPITimeout).
		SetHeader("Accept", "application/vnd.github+json").
		SetHeader("User-Agent", releaseUserAgent)
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		c.SetAuthToken(token)
	}
	return &ReleaseClient{http: c}
}

type ghAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Digest             string `json:"digest"`
	Size               int64  `json:"size"`
}

type ghRelease struct {
	TagName     string    `json:"tag_name"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []ghAsset `json:"assets"`
}

// FetchLatestRelease resolves the latest release of repo into a descriptor
// for the host architecture.
func (c *ReleaseClient) FetchLatestRelease(ctx context.Context, repo string) (*core.ReleaseDescriptor, error) {
	return c.fetch(ctx, fmt.Sprintf("/repos/%s/releases/latest", repo))
}

// FetchRelease resolves a specific release tag of repo.
func (c *ReleaseClient) FetchRelease(ctx context.Context, repo, tag string) (*core.ReleaseDescriptor, error) {
	return c.fetch(ctx, fmt.Sprintf("/repos/%s/releases/tags/%s", repo, tag))
}

func (c *ReleaseClient) fetch(ctx context.Context, path string) (*core.ReleaseDescriptor, error) {
	var release ghRelease
	err := backoff.Retry(ctx, func(ctx context.Context) error {
		resp, err := c.http.R().SetContext(ctx).Get(path)
		if err != nil {
			return err
		}
		if err := classifyResponse(resp); err != nil {
			return err
		}
		return json.Unmarshal(resp.Body(), &release)
	}, newRequestRetryPolicy(), isRetriableError)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch release metadata: %w", err)
	}
	if release.TagName == "" {
		return nil, fmt.Errorf("release metadata has no tag name")
	}

	asset, ok := selectAsset(release.Assets, hostArch())
	if !ok {
		return nil, fmt.Errorf("release %s has no asset for linux/%s", release.TagName, hostArch())
	}

	descriptor := &core.ReleaseDescriptor{
		Tag:         release.TagName,
		PublishedAt: release.PublishedAt,
		AssetName:   asset.Name,
		AssetURL:    asset.BrowserDownloadURL,
	}
	descriptor.Checksum, descriptor.ChecksumSource = c.resolveChecksum(ctx, release, asset)
	return descriptor, nil
}

// hostArch maps the Go architecture to the release asset naming scheme.
func hostArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "amd64"
	case "arm64":
		return "arm64"
	case "arm":
		return "armv7"
	default:
		return runtime.GOARCH
	}
}

// selectAsset picks the best gzip asset for the architecture. Among the
// candidates, "-compatible-" builds score highest and pre-release markers
// score down; shorter names win ties.
func selectAsset(assets []ghAsset, arch string) (ghAsset, bool) {
	type scored struct {
		asset ghAsset
		score int
	}
	var candidates []scored
	for _, a := range assets {
		name := strings.ToLower(a.Name)
		if !strings.HasSuffix(name, assetSuffix) {
			continue
		}
		if !strings.HasPrefix(name, assetPrefix+arch) {
			continue
		}
		if strings.Contains(name, "sha256") || strings.Contains(name, "checksum") {
			continue
		}
		score := 0
		if strings.Contains(name, "-compatible-") {
			score += 100
		}
		for _, marker := range []string{"alpha", "beta", "rc"} {
			if strings.Contains(name, marker) {
				score -= 30
			}
		}
		score -= len(name)
		candidates = append(candidates, scored{asset: a, score: score})
	}
	if len(candidates) == 0 {
		return ghAsset{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].asset.Name < candidates[j].asset.Name
	})
	return candidates[0].asset, true
}

var sha256Re = regexp.MustCompile(`\b[a-fA-F0-9]{64}\b`)

// resolveChecksum finds the expected SHA-256 for the asset: first the API's
// own digest field, then any checksum file published with the release.
func (c *ReleaseClient) resolveChecksum(ctx context.Context, release ghRelease, asset ghAsset) (string, string) {
	if digest, ok := strings.CutPrefix(asset.Digest, "sha256:"); ok && sha256Re.MatchString(digest) {
		return strings.ToLower(digest), "asset digest"
	}

	for _, a := range release.Assets {
		name := strings.ToLower(a.Name)
		if !strings.Contains(name, "sha256") && !strings.Contains(name, "checksum") {
			continue
		}
		sum, err := c.checksumFromFile(ctx, a.BrowserDownloadURL, asset.Name)
		if err != nil {
			continue
		}
		if sum != "" {
			return sum, a.Name
		}
	}
	return "", ""
}

// checksumFromFile downloads a checksum file and scans it for a line naming
// the target asset.
func (c *ReleaseClient) checksumFromFile(ctx context.Context, fileURL, assetName string) (string, error) {
	resp, err := c.http.R().SetContext(ctx).Get(fileURL)
	if err != nil {
		return "", err
	}
	if err := classifyResponse(resp); err != nil {
		return "", err
	}
	for _, line := range strings.Split(resp.String(), "\n") {
		if !strings.Contains(line, assetName) {
			continue
		}
		if sum := sha256Re.FindString(line); sum != "" {
			return strings.ToLower(sum), nil
		}
	}
	return "", nil
}

// Download streams the asset at assetURL to dest, hashing as it writes.
// Returns the SHA-256 hex digest and the byte count.
func (c *ReleaseClient) Download(ctx context.Context, assetURL, dest string, timeout time.Duration) (string, int64, error) {
	// Dedicated client: asset downloads need their own timeout and must not
	// buffer the body in memory.
	dl := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", releaseUserAgent).
		SetDoNotParseResponse(true)

	resp, err := dl.R().SetContext(ctx).Get(assetURL)
	if err != nil {
		return "", 0, fmt.Errorf("failed to download asset: %w", err)
	}
	body := resp.RawBody()
	defer func() { _ = body.Close() }()

	if resp.StatusCode() != http.StatusOK {
		return "", 0, &httpError{
			statusCode: resp.StatusCode(),
			message:    fmt.Sprintf("asset download returned HTTP %d", resp.StatusCode()),
		}
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // dest is a managed temp path
	if err != nil {
		return "", 0, fmt.Errorf("failed to create download file: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, hasher), body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(dest)
		return "", 0, fmt.Errorf("failed to write download file: %w", err)
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), size, nil
}
