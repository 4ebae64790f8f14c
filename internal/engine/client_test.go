package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clashctl/clashctl/internal/cmn/config"
	"github.com/clashctl/clashctl/internal/core"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(config.Engine{
		APIBaseURL: server.URL,
		Timeout:    5 * time.Second,
	})
}

func TestProbe(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		var gotTimeout string
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/proxies/auto/delay", r.URL.Path)
			require.Equal(t, "http://example.com", r.URL.Query().Get("url"))
			gotTimeout = r.URL.Query().Get("timeout")
			fmt.Fprint(w, `{"delay": 42}`)
		}))

		latency, err := c.Probe(context.Background(), "auto", "http://example.com", 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, 42, latency)
		require.Equal(t, "5000", gotTimeout)
	})

	t.Run("TimeoutClampedToMinimum", func(t *testing.T) {
		var gotTimeout string
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotTimeout = r.URL.Query().Get("timeout")
			fmt.Fprint(w, `{"delay": 1}`)
		}))

		_, err := c.Probe(context.Background(), "auto", "http://example.com", 100*time.Millisecond)
		require.NoError(t, err)
		require.Equal(t, "1000", gotTimeout)
	})

	t.Run("TimeoutClampedToMaximum", func(t *testing.T) {
		var gotTimeout string
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotTimeout = r.URL.Query().Get("timeout")
			fmt.Fprint(w, `{"delay": 1}`)
		}))

		_, err := c.Probe(context.Background(), "auto", "http://example.com", time.Minute)
		require.NoError(t, err)
		require.Equal(t, "20000", gotTimeout)
	})

	t.Run("NonPositiveDelay", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"delay": 0}`)
		}))

		_, err := c.Probe(context.Background(), "auto", "http://example.com", 5*time.Second)
		require.Error(t, err)
		require.Contains(t, err.Error(), "auto")
	})

	t.Run("EscapesProxyName", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/proxies/my group/delay", r.URL.Path)
			fmt.Fprint(w, `{"delay": 10}`)
		}))

		_, err := c.Probe(context.Background(), "my group", "http://example.com", 5*time.Second)
		require.NoError(t, err)
	})

	t.Run("HTTPError", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "no such proxy", http.StatusNotFound)
		}))

		_, err := c.Probe(context.Background(), "auto", "http://example.com", 5*time.Second)
		require.Error(t, err)
	})
}

func TestProxyGroups(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"proxies": {
			"GLOBAL": {"name": "GLOBAL", "now": "auto", "all": ["auto", "direct"]},
			"auto": {"name": "auto", "now": "node-1", "all": ["node-1", "node-2"]},
			"node-1": {"name": "node-1"}
		}}`)
	}))

	groups, err := c.ProxyGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, "GLOBAL", groups[0].Name)
	require.Equal(t, "auto", groups[1].Name)
	require.Equal(t, "node-1", groups[1].Now)
	require.Equal(t, []string{"node-1", "node-2"}, groups[1].Nodes)
}

func TestRefreshGeoDatabase(t *testing.T) {
	t.Run("Updated", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"message": "GEO databases updated"}`)
		}))

		outcome := c.RefreshGeoDatabase(context.Background())
		require.Equal(t, core.GeoDBUpdated, outcome.Status)
		require.Equal(t, core.ChangeYes, outcome.Changed)
	})

	t.Run("Busy", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"message": "GEO database is updating, skip"}`)
		}))

		outcome := c.RefreshGeoDatabase(context.Background())
		require.Equal(t, core.GeoDBBusy, outcome.Status)
		require.Equal(t, int32(1), calls.Load(), "busy must not be retried")
	})

	t.Run("RetriesTransientFailure", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}))

		outcome := c.RefreshGeoDatabase(context.Background())
		require.Equal(t, core.GeoDBUpdated, outcome.Status)
		require.Equal(t, int32(2), calls.Load())
	})

	t.Run("FailedAfterRetries", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))

		outcome := c.RefreshGeoDatabase(context.Background())
		require.Equal(t, core.GeoDBFailed, outcome.Status)
		require.Equal(t, core.ChangeUnknown, outcome.Changed)
		require.Equal(t, int32(3), calls.Load())
	})
}

func TestInferGeoChanged(t *testing.T) {
	tests := []struct {
		message string
		want    core.ChangeState
	}{
		{"GEO databases have been downloaded", core.ChangeYes},
		{"update completed", core.ChangeYes},
		{"databases already up-to-date", core.ChangeNo},
		{"no update available", core.ChangeNo},
		{"running on latest", core.ChangeNo},
		{"", core.ChangeUnknown},
		{"something happened", core.ChangeUnknown},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, inferGeoChanged(tc.message), "message %q", tc.message)
	}
}

func TestRuleProviders(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"providers": {
			"Zebra": {"name": "Zebra", "type": "Rule", "behavior": "classical", "ruleCount": 10, "updatedAt": "2026-08-30T00:00:00Z"},
			"apple": {"name": "apple", "type": "Rule", "behavior": "domain", "ruleCount": 5, "updatedAt": "2026-08-29T00:00:00Z"}
		}}`)
	}))

	providers, err := c.RuleProviders(context.Background())
	require.NoError(t, err)
	require.Len(t, providers, 2)
	require.Equal(t, "apple", providers[0].Name)
	require.Equal(t, "Zebra", providers[1].Name)
	require.Equal(t, 10, providers[1].RuleCount)
}

func TestRefreshRuleProvider(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPut, r.Method)
			require.Equal(t, "/providers/rules/apple", r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		}))
		require.NoError(t, c.RefreshRuleProvider(context.Background(), "apple"))
	})

	t.Run("Failure", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "provider fetch failed", http.StatusBadGateway)
		}))
		err := c.RefreshRuleProvider(context.Background(), "apple")
		require.Error(t, err)
		require.Contains(t, err.Error(), "apple")
	})
}

func TestReload(t *testing.T) {
	writeConfig := func(t *testing.T) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("mode: rule\n"), 0o600))
		return path
	}

	t.Run("DirectSuccess", func(t *testing.T) {
		configPath := writeConfig(t)
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPut, r.Method)
			require.Equal(t, "/configs", r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		}))

		used, err := c.Reload(context.Background(), configPath)
		require.NoError(t, err)
		require.Equal(t, configPath, used)
	})

	t.Run("AllowedPathsFallback", func(t *testing.T) {
		configPath := writeConfig(t)
		allowedDir := t.TempDir()
		target := filepath.Join(allowedDir, reloadFileName)

		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Path string `json:"path"`
			}
			require.NoError(t, jsonDecode(r, &body))
			if body.Path == target {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"message": "path not allowed, allowed paths: [%q]"}`, allowedDir)
		}))

		used, err := c.Reload(context.Background(), configPath)
		require.NoError(t, err)
		require.Equal(t, target, used)

		copied, err := os.ReadFile(target)
		require.NoError(t, err)
		require.Equal(t, "mode: rule\n", string(copied))
	})

	t.Run("AllCandidatesRejected", func(t *testing.T) {
		configPath := writeConfig(t)
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", http.StatusBadRequest)
		}))

		_, err := c.Reload(context.Background(), configPath)
		require.Error(t, err)
		require.Contains(t, err.Error(), "rejected config reload")
	})
}

func TestParseAllowedPaths(t *testing.T) {
	dirs := parseAllowedPaths(`configuration error: path not allowed, allowed paths: ["/etc/engine", '/var/lib/engine']`)
	require.Equal(t, []string{"/etc/engine", "/var/lib/engine"}, dirs)

	require.Nil(t, parseAllowedPaths("some other error"))
}

func jsonDecode(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}
