package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadDefaultsWithAuthDisabled(t *testing.T) {
	path := writeConfig(t, "auth:\n  enabled: false\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, "http://127.0.0.1:8645", cfg.Upstream.Endpoint)
	require.Equal(t, 15*time.Second, cfg.Upstream.Timeout)
	require.Equal(t, "blmn-gateway", cfg.Observability.ServiceName)
	require.Equal(t, "blmn_gateway", cfg.Observability.MetricsPrefix)
	require.Equal(t, "scope", cfg.Auth.ScopeClaim)
	require.Equal(t, 2*time.Minute, cfg.Auth.ClockSkew)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, strings.Join([]string{
		`listen: ":9090"`,
		`upstream:`,
		`  endpoint: "http://presaled:8645"`,
		`  timeout: 5s`,
		`rateLimits:`,
		`  - id: rpc`,
		`    requestsPerMinute: 60`,
		`    burst: 10`,
		`auth:`,
		`  enabled: true`,
		`  hmacSecret: "secret"`,
		`  issuer: "blmn-auth"`,
		`  audience: "blmn-gateway"`,
		`  optionalPaths: ["/healthz"]`,
		`  allowAnonymous: true`,
		``,
	}, "\n"))
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.ListenAddress)
	require.Equal(t, 5*time.Second, cfg.Upstream.Timeout)
	require.Len(t, cfg.RateLimits, 1)
	require.Equal(t, "rpc", cfg.RateLimits[0].ID)
	require.Equal(t, 10, cfg.RateLimits[0].Burst)

	upstream, err := cfg.Upstream.URL()
	require.NoError(t, err)
	require.Equal(t, "presaled:8645", upstream.Host)
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		want     string
	}{
		{
			name:     "auth enabled without secret",
			contents: "auth:\n  enabled: true\n",
			want:     "hmacSecret",
		},
		{
			name:     "bad upstream scheme",
			contents: "auth:\n  enabled: false\nupstream:\n  endpoint: \"ftp://example\"\n",
			want:     "scheme",
		},
		{
			name:     "optional path without slash",
			contents: "auth:\n  enabled: false\n  optionalPaths: [\"healthz\"]\n",
			want:     "optionalPaths",
		},
		{
			name:     "anonymous without optional paths",
			contents: "auth:\n  enabled: false\n  allowAnonymous: true\n",
			want:     "optionalPaths",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.contents)
			_, err := Load(path)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
